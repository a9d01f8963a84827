package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/inkwellnews/storyline/internal/arbiter"
	"github.com/inkwellnews/storyline/internal/config"
	"github.com/inkwellnews/storyline/internal/embed"
	"github.com/inkwellnews/storyline/internal/mcp"
	"github.com/inkwellnews/storyline/internal/pipeline"
	"github.com/inkwellnews/storyline/internal/store"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "import":
		err = runImport(os.Args[2:])
	case "embed":
		err = runEmbed(os.Args[2:])
	case "consolidate-daily":
		err = runConsolidateDaily(os.Args[2:])
	case "link":
		err = runLink(os.Args[2:])
	case "rollup":
		err = runRollup(os.Args[2:])
	case "review":
		err = runReview(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "mcp":
		err = runMCP(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("storyline %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags are the parameters every stage command shares.
type commonFlags struct {
	dbPath     string
	configPath string
	country    string
	from       string
	to         string
	embedFlag  string
	llmFlag    string
	dryRun     bool
	workers    int
	rest       []string
}

func parseCommon(args []string) (*commonFlags, error) {
	f := &commonFlags{workers: 1}
	i := 0
	for i < len(args) {
		arg := args[i]
		next := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("flag %s requires a value", arg)
			}
			i++
			return args[i], nil
		}

		var err error
		switch {
		case arg == "--db":
			f.dbPath, err = next()
		case arg == "--config":
			f.configPath, err = next()
		case arg == "--country":
			f.country, err = next()
		case arg == "--from":
			f.from, err = next()
		case arg == "--to":
			f.to, err = next()
		case arg == "--embed":
			f.embedFlag, err = next()
		case arg == "--llm":
			f.llmFlag, err = next()
		case arg == "--workers":
			var v string
			if v, err = next(); err == nil {
				f.workers, err = strconv.Atoi(v)
				if err != nil || f.workers < 1 {
					err = fmt.Errorf("--workers must be a positive integer, got %q", v)
				}
			}
		case arg == "--dry-run" || arg == "-n":
			f.dryRun = true
		case strings.HasPrefix(arg, "-"):
			err = fmt.Errorf("unknown flag: %s", arg)
		default:
			f.rest = append(f.rest, arg)
		}
		if err != nil {
			return nil, err
		}
		i++
	}

	if f.from != "" && !store.ValidDate(f.from) {
		return nil, fmt.Errorf("--from must be YYYY-MM-DD, got %q", f.from)
	}
	if f.to != "" && !store.ValidDate(f.to) {
		return nil, fmt.Errorf("--to must be YYYY-MM-DD, got %q", f.to)
	}
	return f, nil
}

// setup resolves config, opens the store, and builds the pipeline.
// The returned cleanup closes the store.
func setup(f *commonFlags, needEmbedder, needArbiter bool) (*pipeline.Pipeline, func(), error) {
	resolved, err := config.ResolveConfig(config.ResolveOptions{
		ConfigPath: f.configPath,
		CLIDBPath:  f.dbPath,
		CLIEmbed:   f.embedFlag,
		CLILLM:     f.llmFlag,
	})
	if err != nil {
		return nil, nil, err
	}
	tunables, err := resolved.EffectiveTunables()
	if err != nil {
		return nil, nil, err
	}

	s, err := store.NewStore(store.StoreConfig{DBPath: resolved.DBPath.Value})
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	p := &pipeline.Pipeline{
		Store:    s,
		Tunables: tunables,
		Workers:  f.workers,
		DryRun:   f.dryRun,
	}

	if resolved.EmbedProvider.Value != "" {
		cfg, err := embed.ParseFlag(resolved.EmbedProvider.Value)
		if err != nil {
			s.Close()
			return nil, nil, err
		}
		if resolved.EmbedEndpoint.Value != "" {
			cfg.Endpoint = resolved.EmbedEndpoint.Value
		}
		if resolved.EmbedAPIKey.Value != "" {
			cfg.APIKey = resolved.EmbedAPIKey.Value
		}
		client, err := embed.NewClient(cfg)
		if err != nil {
			s.Close()
			return nil, nil, err
		}
		p.Embedder = client
	} else if needEmbedder {
		s.Close()
		return nil, nil, fmt.Errorf("no embedding provider configured (use --embed provider/model, STORYLINE_EMBED, or config file)")
	}

	if resolved.LLMProvider.Value != "" {
		cfg, err := arbiter.ParseChatFlag(resolved.LLMProvider.Value)
		if err != nil {
			s.Close()
			return nil, nil, err
		}
		if resolved.LLMEndpoint.Value != "" {
			cfg.Endpoint = resolved.LLMEndpoint.Value
		}
		if resolved.LLMAPIKey.Value != "" {
			cfg.APIKey = resolved.LLMAPIKey.Value
		}
		client, err := arbiter.NewChatClient(cfg)
		if err != nil {
			s.Close()
			return nil, nil, err
		}
		p.Arbiter = arbiter.NewLLMArbiter(client)
	} else if needArbiter {
		s.Close()
		return nil, nil, fmt.Errorf("no LLM configured for arbitration (use --llm provider/model, STORYLINE_LLM, or config file)")
	}

	return p, func() { s.Close() }, nil
}

func runImport(args []string) error {
	f, err := parseCommon(args)
	if err != nil {
		return err
	}
	p, cleanup, err := setup(f, false, false)
	if err != nil {
		return err
	}
	defer cleanup()

	in := os.Stdin
	if len(f.rest) > 0 {
		file, err := os.Open(f.rest[0])
		if err != nil {
			return fmt.Errorf("opening %s: %w", f.rest[0], err)
		}
		defer file.Close()
		in = file
	}

	report, err := p.ImportMentions(context.Background(), in, f.country, f.from, f.to)
	if err != nil {
		return err
	}
	fmt.Printf("Read %d lines: %d imported, %d already present, %d invalid\n",
		report.Lines, report.Imported, report.Skipped, report.Invalid)
	for _, msg := range report.Errors {
		fmt.Fprintf(os.Stderr, "  %s\n", msg)
	}
	return nil
}

func runEmbed(args []string) error {
	f, err := parseCommon(args)
	if err != nil {
		return err
	}
	p, cleanup, err := setup(f, true, false)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := p.EmbedMentions(context.Background(), f.country, f.from, f.to)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func runConsolidateDaily(args []string) error {
	f, err := parseCommon(args)
	if err != nil {
		return err
	}
	p, cleanup, err := setup(f, true, true)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := p.ConsolidateDaily(context.Background(), f.country, f.from, f.to)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func runLink(args []string) error {
	f, err := parseCommon(args)
	if err != nil {
		return err
	}
	p, cleanup, err := setup(f, false, false)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := p.LinkEvents(context.Background(), f.country)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func runRollup(args []string) error {
	f, err := parseCommon(args)
	if err != nil {
		return err
	}
	if f.from == "" || f.to == "" {
		return fmt.Errorf("rollup requires --from and --to")
	}
	p, cleanup, err := setup(f, false, false)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := p.RollupPeriods(context.Background(), f.country, f.from, f.to)
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func runReview(args []string) error {
	f, err := parseCommon(args)
	if err != nil {
		return err
	}

	resolve := int64(0)
	includeResolved := false
	for i := 0; i < len(f.rest); i++ {
		switch f.rest[i] {
		case "resolve":
			if i+1 >= len(f.rest) {
				return fmt.Errorf("usage: storyline review resolve <flag-id>")
			}
			i++
			id, err := strconv.ParseInt(f.rest[i], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid flag id %q", f.rest[i])
			}
			resolve = id
		case "all":
			includeResolved = true
		default:
			return fmt.Errorf("unknown review argument: %s", f.rest[i])
		}
	}

	p, cleanup, err := setup(f, false, false)
	if err != nil {
		return err
	}
	defer cleanup()
	ctx := context.Background()

	if resolve > 0 {
		if err := p.Store.ResolveReviewFlag(ctx, resolve); err != nil {
			return err
		}
		fmt.Printf("Resolved flag %d\n", resolve)
		return nil
	}

	flags, err := p.Store.ListReviewFlags(ctx, includeResolved)
	if err != nil {
		return err
	}
	if len(flags) == 0 {
		fmt.Println("No review flags.")
		return nil
	}
	for _, flag := range flags {
		status := "open"
		if flag.Resolved {
			status = "resolved"
		}
		fmt.Printf("[%d] %s cluster=%d %s\n    %s\n", flag.ID, status, flag.ClusterID,
			flag.CreatedAt.Format("2006-01-02 15:04"), flag.Reason)
	}
	return nil
}

func runStats(args []string) error {
	f, err := parseCommon(args)
	if err != nil {
		return err
	}
	p, cleanup, err := setup(f, false, false)
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := p.Store.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Mentions:       %d (%d embedded)\n", stats.MentionCount, stats.EmbeddingCount)
	fmt.Printf("Clusters:       %d\n", stats.ClusterCount)
	fmt.Printf("Events:         %d (%d masters)\n", stats.EventCount, stats.MasterCount)
	fmt.Printf("Daily records:  %d\n", stats.RecordCount)
	fmt.Printf("Period groups:  %d\n", stats.PeriodCount)
	fmt.Printf("Open flags:     %d\n", stats.OpenFlags)
	fmt.Printf("DB size:        %.1f MB\n", float64(stats.DBSizeBytes)/(1024*1024))
	return nil
}

func runMCP(args []string) error {
	f, err := parseCommon(args)
	if err != nil {
		return err
	}
	p, cleanup, err := setup(f, false, false)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := mcp.NewServer(mcp.ServerConfig{Store: p.Store, Version: version})
	return mcp.ServeStdio(srv)
}

func printReport(r *pipeline.Report) {
	fmt.Printf("run %s (%s): %d units, %d succeeded, %d failed\n",
		r.RunID, r.Stage, r.Units, r.Succeeded, r.Failed)
	for _, res := range r.Results {
		if res.Err != nil {
			fmt.Printf("  FAIL %-30s %v\n", res.Unit, res.Err)
		} else if res.Detail != "" {
			fmt.Printf("  ok   %-30s %s\n", res.Unit, res.Detail)
		}
	}
}

func printUsage() {
	fmt.Printf(`storyline %s - event mention consolidation pipeline

Usage:
  storyline <command> [flags]

Commands:
  import [file]        Import JSONL event mentions (stdin when no file given)
  embed                Vectorize mentions without stored embeddings
  consolidate-daily    Cluster, arbitrate and register same-day mentions
  link                 Link recurring events under a master identity
  rollup               Regenerate daily/weekly/monthly/yearly period groups
  review               List or resolve clusters flagged for human review
  stats                Show store counts
  mcp                  Serve the read-only query surface over MCP stdio
  version              Print version

Shared Flags:
  --db <path>          SQLite database path (default %s)
  --config <path>      YAML config file (default ~/.storyline/config.yaml)
  --country <name>     Restrict to one initiating country
  --from <date>        Window start, YYYY-MM-DD
  --to <date>          Window end, YYYY-MM-DD
  --embed <p/m>        Embedding provider/model (e.g. ollama/nomic-embed-text)
  --llm <p/m>          Arbiter provider/model (e.g. openai/gpt-4o-mini)
  --workers <n>        Parallel work units (default 1)
  -n, --dry-run        Report intended changes without committing

Environment:
  STORYLINE_DB, STORYLINE_EMBED, STORYLINE_LLM and friends override the
  config file; CLI flags override both.
`, version, store.DefaultDBPath)
}
