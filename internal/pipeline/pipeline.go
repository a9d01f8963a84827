// Package pipeline drives the consolidation stages over bounded work units.
//
// Each stage operates on independent units, one (country, date) pair for
// embedding and daily consolidation and one country for temporal linking and
// rollup, so units run in parallel across a small worker pool with no shared
// mutable state beyond the store. A unit that fails is reported and skipped;
// the batch carries on, and re-running the stage over the same window picks
// the unit up again.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/inkwellnews/storyline/internal/arbiter"
	"github.com/inkwellnews/storyline/internal/cluster"
	"github.com/inkwellnews/storyline/internal/config"
	"github.com/inkwellnews/storyline/internal/consolidate"
	"github.com/inkwellnews/storyline/internal/embed"
	"github.com/inkwellnews/storyline/internal/ingest"
	"github.com/inkwellnews/storyline/internal/registry"
	"github.com/inkwellnews/storyline/internal/rollup"
	"github.com/inkwellnews/storyline/internal/store"
)

// Pipeline wires the stages to their collaborators.
type Pipeline struct {
	Store    store.Store
	Embedder embed.Embedder  // required for embed stage and new-event name vectors
	Arbiter  arbiter.Arbiter // required for consolidate-daily
	Tunables config.Tunables
	Workers  int // parallel units; values < 1 mean serial
	DryRun   bool
}

// UnitResult is one work unit's outcome.
type UnitResult struct {
	Unit   string
	Detail string
	Err    error
}

// Report summarizes one stage invocation.
type Report struct {
	RunID     string
	Stage     string
	Units     int
	Succeeded int
	Failed    int
	Results   []UnitResult
}

func newReport(stage string) *Report {
	return &Report{RunID: uuid.NewString(), Stage: stage}
}

// runUnits executes fn over units with bounded parallelism and collects
// results in unit order.
func (p *Pipeline) runUnits(ctx context.Context, report *Report, units []string, fn func(ctx context.Context, unit string) (string, error)) {
	report.Units = len(units)
	report.Results = make([]UnitResult, len(units))

	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(units) {
		workers = len(units)
	}

	var wg sync.WaitGroup
	work := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				detail, err := fn(ctx, units[i])
				report.Results[i] = UnitResult{Unit: units[i], Detail: detail, Err: err}
			}
		}()
	}
	for i := range units {
		work <- i
	}
	close(work)
	wg.Wait()

	for _, r := range report.Results {
		if r.Err != nil {
			report.Failed++
			log.Printf("[%s] unit %s failed: %v", report.Stage, r.Unit, r.Err)
		} else {
			report.Succeeded++
		}
	}
}

// ImportMentions reads JSONL mentions from r into the store.
func (p *Pipeline) ImportMentions(ctx context.Context, r io.Reader, country, from, to string) (*ingest.Report, error) {
	return ingest.Run(ctx, p.Store, r, country, from, to)
}

// EmbedMentions vectorizes mentions that have no stored embedding yet, one
// (country, date) unit at a time. Provider failures skip the unit; the next
// run retries it.
func (p *Pipeline) EmbedMentions(ctx context.Context, country, from, to string) (*Report, error) {
	if p.Embedder == nil {
		return nil, fmt.Errorf("embed stage requires an embedding provider")
	}
	report := newReport("embed")
	units, err := p.mentionUnits(ctx, country, from, to)
	if err != nil {
		return nil, err
	}

	p.runUnits(ctx, report, units, func(ctx context.Context, unit string) (string, error) {
		unitCountry, unitDate := splitUnit(unit)
		mentions, err := p.Store.ListMentions(ctx, unitCountry, unitDate)
		if err != nil {
			return "", err
		}

		ids := make([]string, len(mentions))
		for i, m := range mentions {
			ids[i] = m.ID
		}
		existing, err := p.Store.GetMentionEmbeddings(ctx, ids)
		if err != nil {
			return "", err
		}

		var missing []*store.Mention
		for _, m := range mentions {
			if _, ok := existing[m.ID]; !ok {
				missing = append(missing, m)
			}
		}
		if len(missing) == 0 {
			return "all embedded", nil
		}
		if p.DryRun {
			return fmt.Sprintf("would embed %d mentions", len(missing)), nil
		}

		texts := make([]string, len(missing))
		for i, m := range missing {
			texts[i] = m.Content
		}
		vectors, err := p.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return "", fmt.Errorf("embedding %d mentions: %w", len(missing), err)
		}
		stored := 0
		for i, m := range missing {
			if vectors[i] == nil {
				continue
			}
			if err := p.Store.AddMentionEmbedding(ctx, m.ID, vectors[i]); err != nil {
				return "", err
			}
			stored++
		}
		return fmt.Sprintf("embedded %d mentions", stored), nil
	})
	return report, nil
}

// ConsolidateDaily clusters each (country, date) unit's mentions, arbitrates
// ambiguous clusters, and applies the outcomes to the canonical registry.
func (p *Pipeline) ConsolidateDaily(ctx context.Context, country, from, to string) (*Report, error) {
	if p.Arbiter == nil {
		return nil, fmt.Errorf("consolidate-daily requires an arbiter")
	}
	report := newReport("consolidate-daily")
	units, err := p.mentionUnits(ctx, country, from, to)
	if err != nil {
		return nil, err
	}

	p.runUnits(ctx, report, units, func(ctx context.Context, unit string) (string, error) {
		unitCountry, unitDate := splitUnit(unit)
		return p.consolidateUnit(ctx, unitCountry, unitDate)
	})
	return report, nil
}

func (p *Pipeline) consolidateUnit(ctx context.Context, country, date string) (string, error) {
	mentions, err := p.Store.ListMentions(ctx, country, date)
	if err != nil {
		return "", err
	}

	// Self-directed activity is not tracked as an external event.
	var external []*store.Mention
	for _, m := range mentions {
		if isSelfDirected(m) {
			continue
		}
		external = append(external, m)
	}
	if len(external) == 0 {
		return "no external mentions", nil
	}

	ids := make([]string, len(external))
	for i, m := range external {
		ids[i] = m.ID
	}
	vectors, err := p.Store.GetMentionEmbeddings(ctx, ids)
	if err != nil {
		return "", err
	}

	// Mentions without a stored vector are excluded from this run and
	// picked up once the embed stage has covered them.
	var points []cluster.Point
	excluded := 0
	byID := make(map[string]*store.Mention, len(external))
	for _, m := range external {
		byID[m.ID] = m
		v, ok := vectors[m.ID]
		if !ok {
			excluded++
			continue
		}
		points = append(points, cluster.Point{
			MentionID:  m.ID,
			Text:       m.Content,
			SourceDocs: m.SourceDocs,
			Vector:     v,
		})
	}
	if len(points) == 0 {
		return fmt.Sprintf("0 clustered, %d awaiting embeddings", excluded), nil
	}

	candidates, err := cluster.Run(points, cluster.Params{
		MaxDistance: p.Tunables.ClusterMaxDistance,
		MinSize:     p.Tunables.ClusterMinSize,
		BatchSize:   p.Tunables.ArbiterBatchSize,
	})
	if err != nil {
		return "", err
	}

	if p.DryRun {
		return fmt.Sprintf("would save %d clusters from %d mentions", len(candidates), len(points)), nil
	}

	var pending []*store.Cluster
	for _, c := range candidates {
		saved := &store.Cluster{
			Country:     country,
			Date:        date,
			BatchNumber: c.BatchNumber,
			Name:        c.Name,
			Centroid:    c.Centroid,
			MemberIDs:   c.MemberIDs,
			MemberTexts: c.MemberTexts,
		}
		id, err := p.Store.SaveCluster(ctx, saved)
		if err != nil {
			return "", fmt.Errorf("saving cluster %q: %w", c.Name, err)
		}
		saved.ID = id

		stored, err := p.Store.GetCluster(ctx, id)
		if err != nil {
			return "", err
		}
		if stored != nil && stored.Confirmed {
			continue // already arbitrated on a previous run
		}
		pending = append(pending, saved)
	}

	reg := registry.New(p.Store, p.Embedder)
	applied, flagged := 0, 0

	// Trivial clusters resolve without a model call.
	var ambiguous []*store.Cluster
	for _, cl := range pending {
		distinct := cluster.DistinctTexts(cluster.Candidate{MemberTexts: cl.MemberTexts})
		if len(distinct) > 1 {
			ambiguous = append(ambiguous, cl)
			continue
		}
		outcome := arbiter.AutoConfirm(cl.Name, cl.MemberTexts)
		res, err := reg.Apply(ctx, cl, outcome, clusterMentions(cl, byID))
		if err != nil {
			return "", err
		}
		applied += res.RecordsUpserted
	}

	// Arbitrate the rest in deterministic batches.
	sort.Slice(ambiguous, func(i, j int) bool {
		if ambiguous[i].BatchNumber != ambiguous[j].BatchNumber {
			return ambiguous[i].BatchNumber < ambiguous[j].BatchNumber
		}
		return ambiguous[i].Name < ambiguous[j].Name
	})
	for start := 0; start < len(ambiguous); start += p.Tunables.ArbiterBatchSize {
		end := start + p.Tunables.ArbiterBatchSize
		if end > len(ambiguous) {
			end = len(ambiguous)
		}
		batch := ambiguous[start:end]

		inputs := make([]arbiter.Input, len(batch))
		for i, cl := range batch {
			inputs[i] = arbiter.Input{
				ClusterID:   cl.ID,
				Name:        cl.Name,
				MemberTexts: cluster.DistinctTexts(cluster.Candidate{MemberTexts: cl.MemberTexts}),
			}
		}
		outcomes, err := p.Arbiter.Arbitrate(ctx, inputs)
		if err != nil {
			return "", fmt.Errorf("arbitrating batch of %d clusters: %w", len(batch), err)
		}
		for i, cl := range batch {
			res, err := reg.Apply(ctx, cl, outcomes[i], clusterMentions(cl, byID))
			if err != nil {
				return "", err
			}
			applied += res.RecordsUpserted
			if res.Flagged {
				flagged++
			}
		}
	}

	detail := fmt.Sprintf("%d clusters, %d records upserted", len(candidates), applied)
	if flagged > 0 {
		detail += fmt.Sprintf(", %d flagged for review", flagged)
	}
	if excluded > 0 {
		detail += fmt.Sprintf(", %d awaiting embeddings", excluded)
	}
	return detail, nil
}

// LinkEvents runs temporal consolidation, one country per unit.
func (p *Pipeline) LinkEvents(ctx context.Context, country string) (*Report, error) {
	report := newReport("link")
	countries, err := p.countries(ctx, country)
	if err != nil {
		return nil, err
	}

	p.runUnits(ctx, report, countries, func(ctx context.Context, unit string) (string, error) {
		rep, err := consolidate.Run(ctx, p.Store, unit, consolidate.Params{
			LinkThreshold: p.Tunables.LinkThreshold,
			DryRun:        p.DryRun,
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d scanned, %d linked, %d without vectors", rep.Scanned, rep.Linked, rep.NoVector), nil
	})
	return report, nil
}

// RollupPeriods regenerates period groups, one country per unit.
func (p *Pipeline) RollupPeriods(ctx context.Context, country, from, to string) (*Report, error) {
	report := newReport("rollup")
	countries, err := p.countries(ctx, country)
	if err != nil {
		return nil, err
	}

	p.runUnits(ctx, report, countries, func(ctx context.Context, unit string) (string, error) {
		rep, err := rollup.Run(ctx, p.Store, unit, from, to, rollup.Params{
			MinEvidence: p.Tunables.RollupMinEvidence,
			DryRun:      p.DryRun,
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d masters: %d daily, %d weekly, %d monthly, %d yearly groups",
			rep.Masters, rep.Groups["daily"], rep.Groups["weekly"], rep.Groups["monthly"], rep.Groups["yearly"]), nil
	})
	return report, nil
}

// mentionUnits enumerates "country|date" units that have mentions.
func (p *Pipeline) mentionUnits(ctx context.Context, country, from, to string) ([]string, error) {
	days, err := p.Store.ListMentionDays(ctx, country, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing mention days: %w", err)
	}
	units := make([]string, len(days))
	for i, d := range days {
		units[i] = d.Country + "|" + d.Date
	}
	return units, nil
}

// countries resolves the country filter to a unit list, deriving the full
// set from imported mentions when the filter is empty.
func (p *Pipeline) countries(ctx context.Context, country string) ([]string, error) {
	if country != "" {
		return []string{country}, nil
	}
	days, err := p.Store.ListMentionDays(ctx, "", "", "")
	if err != nil {
		return nil, fmt.Errorf("listing countries: %w", err)
	}
	seen := make(map[string]bool)
	var countries []string
	for _, d := range days {
		if !seen[d.Country] {
			seen[d.Country] = true
			countries = append(countries, d.Country)
		}
	}
	sort.Strings(countries)
	return countries, nil
}

func splitUnit(unit string) (country, date string) {
	for i := len(unit) - 1; i >= 0; i-- {
		if unit[i] == '|' {
			return unit[:i], unit[i+1:]
		}
	}
	return unit, ""
}

func isSelfDirected(m *store.Mention) bool {
	if len(m.Recipients) == 0 {
		return false
	}
	for _, r := range m.Recipients {
		if r != m.Country {
			return false
		}
	}
	return true
}

func clusterMentions(cl *store.Cluster, byID map[string]*store.Mention) []*store.Mention {
	var mentions []*store.Mention
	for _, id := range cl.MemberIDs {
		if m, ok := byID[id]; ok {
			mentions = append(mentions, m)
		}
	}
	return mentions
}
