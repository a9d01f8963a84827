// Package rollup aggregates master-event daily records into weekly, monthly
// and yearly period groups.
//
// Weekly and coarser groups are gated on minimum evidence: a master event
// observed on fewer distinct days than the threshold inside the period
// produces no group at that granularity. When the weekly gate leaves a month
// with no qualifying weeks but the month still holds enough daily evidence,
// the monthly group is built directly from the daily records instead of being
// dropped; the same carry-forward applies from monthly to yearly. Every group
// carries the full union of its constituent source documents.
package rollup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/inkwellnews/storyline/internal/store"
)

// Params are the tunables for one rollup run.
type Params struct {
	// MinEvidence is the minimum number of distinct lower-period buckets a
	// master event needs inside a window to produce a weekly or coarser
	// group. Daily groups are not gated.
	MinEvidence int
	// DryRun computes the groups without replacing stored rollups.
	DryRun bool
}

// Report summarizes one rollup run over one country and window.
type Report struct {
	Country        string
	From, To       string
	Masters        int
	Groups         map[string]int // period type -> groups produced
	Gated          map[string]int // period type -> masters dropped by the evidence gate
	CarriedForward int            // monthly/yearly groups built from daily fallback
	DryRun         bool
}

// Run regenerates period groups for one country's masters inside [from, to].
// Periods partially overlapping the window are built from the evidence inside
// it; re-running over the same window replaces them wholesale, so widening
// the window later self-corrects.
func Run(ctx context.Context, s store.Store, country, from, to string, params Params) (*Report, error) {
	if params.MinEvidence < 1 {
		return nil, fmt.Errorf("minimum evidence must be at least 1, got %d", params.MinEvidence)
	}
	if !store.ValidDate(from) || !store.ValidDate(to) {
		return nil, fmt.Errorf("invalid rollup window [%s, %s]", from, to)
	}
	if from > to {
		return nil, fmt.Errorf("rollup window start %s after end %s", from, to)
	}

	masters, err := s.ListEvents(ctx, store.EventListOpts{Country: country, MastersOnly: true})
	if err != nil {
		return nil, fmt.Errorf("listing masters for %s: %w", country, err)
	}

	report := &Report{
		Country: country, From: from, To: to,
		Groups: map[string]int{}, Gated: map[string]int{},
		DryRun: params.DryRun,
	}

	var daily, weekly, monthly, yearly []*store.PeriodGroup
	for _, master := range masters {
		records, err := s.ListRecordsForMaster(ctx, master.ID, from, to)
		if err != nil {
			return nil, fmt.Errorf("listing records for master %d: %w", master.ID, err)
		}
		if len(records) == 0 {
			continue
		}
		report.Masters++

		d := dailyGroups(master.ID, records)
		w := aggregate(d, "weekly", weekBounds, params.MinEvidence, report)
		m := aggregateWithFallback(w, d, "monthly", monthBounds, params.MinEvidence, report)
		y := aggregateWithFallback(m, d, "yearly", yearBounds, params.MinEvidence, report)

		daily = append(daily, d...)
		weekly = append(weekly, w...)
		monthly = append(monthly, m...)
		yearly = append(yearly, y...)
	}

	report.Groups["daily"] = len(daily)
	report.Groups["weekly"] = len(weekly)
	report.Groups["monthly"] = len(monthly)
	report.Groups["yearly"] = len(yearly)

	if params.DryRun {
		return report, nil
	}

	fromT := mustParse(from)
	toT := mustParse(to)
	stages := []struct {
		periodType string
		start, end string
		groups     []*store.PeriodGroup
	}{
		{"daily", from, to, daily},
		{"weekly", format(startOf(fromT, weekBounds)), format(endOf(toT, weekBounds)), weekly},
		{"monthly", format(startOf(fromT, monthBounds)), format(endOf(toT, monthBounds)), monthly},
		{"yearly", format(startOf(fromT, yearBounds)), format(endOf(toT, yearBounds)), yearly},
	}
	for _, stage := range stages {
		if err := s.ReplacePeriodGroups(ctx, country, stage.periodType, stage.start, stage.end, stage.groups); err != nil {
			return nil, fmt.Errorf("replacing %s groups: %w", stage.periodType, err)
		}
	}

	return report, nil
}

// dailyGroups folds a master's records into one group per date. The master
// and its children may each contribute a record on the same day.
func dailyGroups(masterID int64, records []*store.DailyRecord) []*store.PeriodGroup {
	byDate := make(map[string]*store.PeriodGroup)
	for _, rec := range records {
		g, ok := byDate[rec.Date]
		if !ok {
			g = &store.PeriodGroup{
				PeriodType:    "daily",
				PeriodStart:   rec.Date,
				PeriodEnd:     rec.Date,
				MasterEventID: masterID,
			}
			byDate[rec.Date] = g
		}
		g.RecordCount++
		g.SourceDocs = unionDocs(g.SourceDocs, rec.SourceDocs)
	}

	groups := make([]*store.PeriodGroup, 0, len(byDate))
	for _, g := range byDate {
		groups = append(groups, g)
	}
	sortGroups(groups)
	return groups
}

type boundsFunc func(t time.Time) (start, end time.Time)

// aggregate folds lower-period groups into the coarser period, applying the
// minimum-evidence gate per (master, period) bucket.
func aggregate(lower []*store.PeriodGroup, periodType string, bounds boundsFunc, minEvidence int, report *Report) []*store.PeriodGroup {
	buckets := bucketize(lower, periodType, bounds)

	var groups []*store.PeriodGroup
	for _, b := range buckets {
		if b.constituents < minEvidence {
			report.Gated[periodType]++
			continue
		}
		groups = append(groups, b.group)
	}
	sortGroups(groups)
	return groups
}

// aggregateWithFallback is aggregate plus the carry-forward policy: when the
// lower granularity's gate left a (master, period) bucket with no constituent
// groups at all, the bucket is rebuilt from daily evidence, still subject to
// this period's own gate. Evidence is never silently lost to a cascade of
// gates.
func aggregateWithFallback(lower, daily []*store.PeriodGroup, periodType string, bounds boundsFunc, minEvidence int, report *Report) []*store.PeriodGroup {
	lowerBuckets := bucketize(lower, periodType, bounds)
	dailyBuckets := bucketize(daily, periodType, bounds)

	var groups []*store.PeriodGroup
	for key, db := range dailyBuckets {
		if lb, ok := lowerBuckets[key]; ok {
			if lb.constituents < minEvidence {
				report.Gated[periodType]++
				continue
			}
			groups = append(groups, lb.group)
			continue
		}
		// No lower-period group survived its gate in this bucket; fall back
		// to the daily evidence directly.
		if db.constituents < minEvidence {
			report.Gated[periodType]++
			continue
		}
		groups = append(groups, db.group)
		report.CarriedForward++
	}
	sortGroups(groups)
	return groups
}

type bucket struct {
	group        *store.PeriodGroup
	constituents int
}

func bucketize(lower []*store.PeriodGroup, periodType string, bounds boundsFunc) map[string]*bucket {
	buckets := make(map[string]*bucket)
	for _, lg := range lower {
		start, end := bounds(mustParse(lg.PeriodStart))
		key := fmt.Sprintf("%d|%s", lg.MasterEventID, format(start))
		b, ok := buckets[key]
		if !ok {
			b = &bucket{group: &store.PeriodGroup{
				PeriodType:    periodType,
				PeriodStart:   format(start),
				PeriodEnd:     format(end),
				MasterEventID: lg.MasterEventID,
			}}
			buckets[key] = b
		}
		b.constituents++
		b.group.RecordCount += lg.RecordCount
		b.group.SourceDocs = unionDocs(b.group.SourceDocs, lg.SourceDocs)
	}
	return buckets
}

// weekBounds returns the ISO week containing t: Monday through Sunday.
func weekBounds(t time.Time) (time.Time, time.Time) {
	offset := (int(t.Weekday()) + 6) % 7 // Monday = 0
	start := t.AddDate(0, 0, -offset)
	return start, start.AddDate(0, 0, 6)
}

func monthBounds(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, -1)
}

func yearBounds(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(1, 0, -1)
}

func startOf(t time.Time, bounds boundsFunc) time.Time {
	start, _ := bounds(t)
	return start
}

func endOf(t time.Time, bounds boundsFunc) time.Time {
	_, end := bounds(t)
	return end
}

func mustParse(date string) time.Time {
	t, err := time.Parse(store.DateLayout, date)
	if err != nil {
		panic(fmt.Sprintf("invalid stored date %q: %v", date, err))
	}
	return t
}

func format(t time.Time) string {
	return t.Format(store.DateLayout)
}

func unionDocs(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := make([]string, 0, len(a)+len(b))
	for _, d := range a {
		if d != "" && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for _, d := range b {
		if d != "" && !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

func sortGroups(groups []*store.PeriodGroup) {
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].PeriodStart != groups[j].PeriodStart {
			return groups[i].PeriodStart < groups[j].PeriodStart
		}
		return groups[i].MasterEventID < groups[j].MasterEventID
	})
}
