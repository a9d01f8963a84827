// Package mcp provides a Model Context Protocol server for Storyline.
//
// It exposes the consolidated event data (canonical events, timelines,
// period rollups, the review queue, store stats) as read-only MCP tools over
// stdio, for dashboard and publication collaborators that consume the
// pipeline's output.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/inkwellnews/storyline/internal/store"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store   store.Store
	Version string
}

// dbMu serializes MCP tool calls that touch the database. The mcp-go library
// dispatches handlers concurrently via goroutines and SQLite supports only
// one writer at a time, so a global mutex keeps call ordering correct.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all Storyline tools.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Storyline",
		ver,
		server.WithToolCapabilities(false),
	)

	registerEventsTool(s, cfg.Store)
	registerTimelineTool(s, cfg.Store)
	registerPeriodsTool(s, cfg.Store)
	registerReviewTool(s, cfg.Store)
	registerStatsTool(s, cfg.Store)

	return s
}

// ServeStdio runs the server over stdio until the client disconnects.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func registerEventsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("storyline_events",
		mcp.WithDescription("List canonical events, optionally filtered by country, first-seen date range, and master/child status."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("country",
			mcp.Description("Initiating country to filter by. Empty = all countries."),
		),
		mcp.WithString("from",
			mcp.Description("Earliest first-seen date, YYYY-MM-DD"),
		),
		mcp.WithString("to",
			mcp.Description("Latest first-seen date, YYYY-MM-DD"),
		),
		mcp.WithBoolean("masters_only",
			mcp.Description("Return only master events (default: false)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of events (default: 50, max: 200)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		opts := store.EventListOpts{Limit: 50}
		if country, err := req.RequireString("country"); err == nil {
			opts.Country = country
		}
		if from, err := req.RequireString("from"); err == nil && from != "" {
			if !store.ValidDate(from) {
				return mcp.NewToolResultError(fmt.Sprintf("invalid from date: %q", from)), nil
			}
			opts.From = from
		}
		if to, err := req.RequireString("to"); err == nil && to != "" {
			if !store.ValidDate(to) {
				return mcp.NewToolResultError(fmt.Sprintf("invalid to date: %q", to)), nil
			}
			opts.To = to
		}
		if masters, err := req.RequireBool("masters_only"); err == nil {
			opts.MastersOnly = masters
		}
		if limitVal, err := req.RequireFloat("limit"); err == nil {
			limit := int(limitVal)
			if limit > 200 {
				limit = 200
			}
			if limit > 0 {
				opts.Limit = limit
			}
		}

		events, err := st.ListEvents(ctx, opts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing events: %v", err)), nil
		}
		return jsonResult(eventViews(events))
	})
}

func registerTimelineTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("storyline_timeline",
		mcp.WithDescription("Return a master event's daily mention records (its own and its children's), ordered by date."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("event_id",
			mcp.Required(),
			mcp.Description("Canonical event id. A child id is resolved to its master."),
		),
		mcp.WithString("from",
			mcp.Description("Earliest record date, YYYY-MM-DD"),
		),
		mcp.WithString("to",
			mcp.Description("Latest record date, YYYY-MM-DD"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		idVal, err := req.RequireFloat("event_id")
		if err != nil {
			return mcp.NewToolResultError("event_id is required"), nil
		}
		id := int64(idVal)

		event, err := st.GetEvent(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("loading event: %v", err)), nil
		}
		if event == nil {
			return mcp.NewToolResultError(fmt.Sprintf("event %d not found", id)), nil
		}
		if event.MasterEventID != nil {
			id = *event.MasterEventID
		}

		from, to := "", ""
		if v, err := req.RequireString("from"); err == nil {
			from = v
		}
		if v, err := req.RequireString("to"); err == nil {
			to = v
		}

		records, err := st.ListRecordsForMaster(ctx, id, from, to)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing records: %v", err)), nil
		}
		return jsonResult(map[string]interface{}{
			"master_event_id": id,
			"records":         records,
		})
	})
}

func registerPeriodsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("storyline_periods",
		mcp.WithDescription("List period summary groups (daily, weekly, monthly, yearly rollups) inside a date window."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("period_type",
			mcp.Required(),
			mcp.Description("Period granularity"),
			mcp.Enum("daily", "weekly", "monthly", "yearly"),
		),
		mcp.WithString("from",
			mcp.Required(),
			mcp.Description("Window start date, YYYY-MM-DD"),
		),
		mcp.WithString("to",
			mcp.Required(),
			mcp.Description("Window end date, YYYY-MM-DD"),
		),
		mcp.WithString("country",
			mcp.Description("Restrict to one country (default: all)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		periodType, err := req.RequireString("period_type")
		if err != nil {
			return mcp.NewToolResultError("period_type is required"), nil
		}
		from, err := req.RequireString("from")
		if err != nil || !store.ValidDate(from) {
			return mcp.NewToolResultError("from must be a YYYY-MM-DD date"), nil
		}
		to, err := req.RequireString("to")
		if err != nil || !store.ValidDate(to) {
			return mcp.NewToolResultError("to must be a YYYY-MM-DD date"), nil
		}
		country := ""
		if v, err := req.RequireString("country"); err == nil {
			country = v
		}

		groups, err := st.ListPeriodGroups(ctx, country, periodType, from, to)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing period groups: %v", err)), nil
		}
		return jsonResult(groups)
	})
}

func registerReviewTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("storyline_review",
		mcp.WithDescription("List clusters flagged for human review after an arbitration fallback."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithBoolean("include_resolved",
			mcp.Description("Include already-resolved flags (default: false)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		includeResolved := false
		if v, err := req.RequireBool("include_resolved"); err == nil {
			includeResolved = v
		}

		flags, err := st.ListReviewFlags(ctx, includeResolved)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing review flags: %v", err)), nil
		}
		return jsonResult(flags)
	})
}

func registerStatsTool(s *server.MCPServer, st store.Store) {
	tool := mcp.NewTool("storyline_stats",
		mcp.WithDescription("Return store counts: mentions, embeddings, clusters, events, masters, records, period groups, open review flags."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reading stats: %v", err)), nil
		}
		return jsonResult(stats)
	})
}

// eventView flattens an event for JSON output.
type eventView struct {
	ID            int64    `json:"id"`
	Country       string   `json:"country"`
	Name          string   `json:"name"`
	AltNames      []string `json:"alt_names,omitempty"`
	FirstSeen     string   `json:"first_seen"`
	LastSeen      string   `json:"last_seen"`
	ArticleCount  int      `json:"article_count"`
	MasterEventID *int64   `json:"master_event_id,omitempty"`
	Materiality   *float64 `json:"materiality,omitempty"`
	Entities      []string `json:"entities,omitempty"`
}

func eventViews(events []*store.Event) []eventView {
	views := make([]eventView, len(events))
	for i, e := range events {
		views[i] = eventView{
			ID:            e.ID,
			Country:       e.Country,
			Name:          e.Name,
			AltNames:      e.AltNames,
			FirstSeen:     e.FirstSeen,
			LastSeen:      e.LastSeen,
			ArticleCount:  e.ArticleCount,
			MasterEventID: e.MasterEventID,
			Materiality:   e.Materiality,
			Entities:      e.Entities,
		}
	}
	return views
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
