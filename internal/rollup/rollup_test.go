package rollup

import (
	"context"
	"testing"

	"github.com/inkwellnews/storyline/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedMaster(t *testing.T, s store.Store, name string, days map[string][]string) int64 {
	t.Helper()
	return seedMasterIn(t, s, "China", name, days)
}

func seedMasterIn(t *testing.T, s store.Store, country, name string, days map[string][]string) int64 {
	t.Helper()
	ctx := context.Background()

	first, last := "", ""
	for date := range days {
		if first == "" || date < first {
			first = date
		}
		if last == "" || date > last {
			last = date
		}
	}

	id, _, err := s.CreateEvent(ctx, &store.Event{
		Country: country, Name: name, NameKey: name,
		FirstSeen: first, LastSeen: last,
	})
	if err != nil {
		t.Fatalf("CreateEvent %s: %v", name, err)
	}
	for date, docs := range days {
		if err := s.UpsertDailyRecord(ctx, &store.DailyRecord{
			EventID: id, Date: date, SourceDocs: docs, Headline: name,
		}); err != nil {
			t.Fatalf("UpsertDailyRecord %s/%s: %v", name, date, err)
		}
	}
	return id
}

func params() Params {
	return Params{MinEvidence: 2}
}

func TestRunWeeklyGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Two days in the same ISO week (Mon 2024-08-12 .. Sun 2024-08-18).
	sustained := seedMaster(t, s, "sustained", map[string][]string{
		"2024-08-13": {"xinhua-1"},
		"2024-08-15": {"reuters-1"},
	})
	// One day only: daily group yes, weekly group no.
	oneOff := seedMaster(t, s, "one-off", map[string][]string{
		"2024-08-14": {"afp-1"},
	})

	report, err := Run(ctx, s, "China", "2024-08-12", "2024-08-18", params())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Groups["daily"] != 3 {
		t.Errorf("daily groups = %d, want 3", report.Groups["daily"])
	}
	if report.Groups["weekly"] != 1 {
		t.Errorf("weekly groups = %d, want 1", report.Groups["weekly"])
	}

	weekly, err := s.ListPeriodGroups(ctx, "China", "weekly", "2024-08-12", "2024-08-18")
	if err != nil {
		t.Fatalf("ListPeriodGroups: %v", err)
	}
	if len(weekly) != 1 {
		t.Fatalf("stored weekly groups = %d, want 1", len(weekly))
	}
	g := weekly[0]
	if g.MasterEventID != sustained {
		t.Errorf("weekly group master = %d, want %d (not %d)", g.MasterEventID, sustained, oneOff)
	}
	if g.PeriodStart != "2024-08-12" || g.PeriodEnd != "2024-08-18" {
		t.Errorf("weekly bounds = [%s, %s]", g.PeriodStart, g.PeriodEnd)
	}
	if len(g.SourceDocs) != 2 {
		t.Errorf("weekly docs = %v, want union of both days", g.SourceDocs)
	}
}

func TestRunMonthlyFromWeekly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Two qualifying weeks inside August.
	seedMaster(t, s, "story", map[string][]string{
		"2024-08-05": {"xinhua-1"},
		"2024-08-07": {"reuters-1"},
		"2024-08-13": {"xinhua-2"},
		"2024-08-15": {"afp-1"},
	})

	report, err := Run(ctx, s, "China", "2024-08-01", "2024-08-31", params())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Groups["weekly"] != 2 {
		t.Errorf("weekly groups = %d, want 2", report.Groups["weekly"])
	}
	if report.Groups["monthly"] != 1 {
		t.Errorf("monthly groups = %d, want 1", report.Groups["monthly"])
	}
	if report.CarriedForward != 0 {
		t.Errorf("carried forward = %d, want 0", report.CarriedForward)
	}

	monthly, err := s.ListPeriodGroups(ctx, "China", "monthly", "2024-08-01", "2024-08-31")
	if err != nil {
		t.Fatalf("ListPeriodGroups: %v", err)
	}
	if len(monthly) != 1 {
		t.Fatalf("stored monthly groups = %d", len(monthly))
	}
	// Monotonicity: the monthly doc set is the union of the weekly sets.
	if len(monthly[0].SourceDocs) != 4 {
		t.Errorf("monthly docs = %v, want all 4", monthly[0].SourceDocs)
	}
}

func TestRunMonthlyCarryForward(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// One observed day per week across three weeks: the weekly gate drops
	// every week, but the month still has three daily buckets, so the
	// monthly group is built from daily evidence instead of being lost.
	seedMaster(t, s, "sparse", map[string][]string{
		"2024-08-05": {"xinhua-1"},
		"2024-08-14": {"reuters-1"},
		"2024-08-21": {"afp-1"},
	})

	report, err := Run(ctx, s, "China", "2024-08-01", "2024-08-31", params())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Groups["weekly"] != 0 {
		t.Errorf("weekly groups = %d, want 0", report.Groups["weekly"])
	}
	if report.Groups["monthly"] != 1 {
		t.Errorf("monthly groups = %d, want 1", report.Groups["monthly"])
	}
	if report.CarriedForward == 0 {
		t.Error("monthly group should be marked as carried forward")
	}

	monthly, err := s.ListPeriodGroups(ctx, "China", "monthly", "2024-08-01", "2024-08-31")
	if err != nil {
		t.Fatalf("ListPeriodGroups: %v", err)
	}
	if len(monthly) != 1 {
		t.Fatalf("stored monthly groups = %d", len(monthly))
	}
	if len(monthly[0].SourceDocs) != 3 {
		t.Errorf("carried-forward docs = %v, want all 3 days", monthly[0].SourceDocs)
	}
}

func TestRunSingleDayProducesNoCoarseGroups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMaster(t, s, "single", map[string][]string{
		"2024-08-14": {"xinhua-1"},
	})

	report, err := Run(ctx, s, "China", "2024-08-01", "2024-08-31", params())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Groups["daily"] != 1 {
		t.Errorf("daily groups = %d, want 1", report.Groups["daily"])
	}
	for _, pt := range []string{"weekly", "monthly", "yearly"} {
		if report.Groups[pt] != 0 {
			t.Errorf("%s groups = %d, want 0 for a single-day master", pt, report.Groups[pt])
		}
	}
}

func TestRunIncludesChildRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	master := seedMaster(t, s, "master", map[string][]string{
		"2024-08-13": {"xinhua-1"},
	})
	child := seedMaster(t, s, "child", map[string][]string{
		"2024-08-15": {"reuters-1"},
	})
	if err := s.SetMasterEvent(ctx, child, master); err != nil {
		t.Fatalf("SetMasterEvent: %v", err)
	}

	report, err := Run(ctx, s, "China", "2024-08-12", "2024-08-18", params())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// The child's record counts toward the master's weekly evidence.
	if report.Groups["weekly"] != 1 {
		t.Errorf("weekly groups = %d, want 1 via the child's evidence", report.Groups["weekly"])
	}

	weekly, err := s.ListPeriodGroups(ctx, "China", "weekly", "2024-08-12", "2024-08-18")
	if err != nil {
		t.Fatalf("ListPeriodGroups: %v", err)
	}
	if len(weekly) != 1 || weekly[0].MasterEventID != master {
		t.Fatalf("weekly groups = %+v", weekly)
	}
	if len(weekly[0].SourceDocs) != 2 {
		t.Errorf("weekly docs = %v, want master + child docs", weekly[0].SourceDocs)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMaster(t, s, "story", map[string][]string{
		"2024-08-13": {"xinhua-1"},
		"2024-08-15": {"reuters-1"},
	})

	if _, err := Run(ctx, s, "China", "2024-08-01", "2024-08-31", params()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if _, err := Run(ctx, s, "China", "2024-08-01", "2024-08-31", params()); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	// Two days in one week: two daily groups, one weekly group, and nothing
	// coarser (a single week fails the monthly gate).
	wants := map[string]int{"daily": 2, "weekly": 1, "monthly": 0, "yearly": 0}
	for pt, want := range wants {
		groups, err := s.ListPeriodGroups(ctx, "China", pt, "2024-01-01", "2024-12-31")
		if err != nil {
			t.Fatalf("ListPeriodGroups %s: %v", pt, err)
		}
		if len(groups) != want {
			t.Errorf("%s groups after re-run = %d, want %d", pt, len(groups), want)
		}
	}
}

func TestRunPreservesOtherCountriesGroups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chinaMaster := seedMasterIn(t, s, "China", "belt forum", map[string][]string{
		"2024-03-04": {"xinhua-1"},
		"2024-03-06": {"xinhua-2"},
	})
	russiaMaster := seedMasterIn(t, s, "Russia", "grain deal", map[string][]string{
		"2024-03-05": {"tass-1"},
		"2024-03-07": {"tass-2"},
	})

	// One country per run over the same window, like the pipeline does.
	if _, err := Run(ctx, s, "China", "2024-03-01", "2024-03-31", params()); err != nil {
		t.Fatalf("China Run failed: %v", err)
	}
	if _, err := Run(ctx, s, "Russia", "2024-03-01", "2024-03-31", params()); err != nil {
		t.Fatalf("Russia Run failed: %v", err)
	}

	daily, err := s.ListPeriodGroups(ctx, "", "daily", "2024-03-01", "2024-03-31")
	if err != nil {
		t.Fatalf("ListPeriodGroups: %v", err)
	}
	byMaster := map[int64]int{}
	for _, g := range daily {
		byMaster[g.MasterEventID]++
	}
	if byMaster[chinaMaster] != 2 {
		t.Errorf("China daily groups = %d after Russia's run, want 2", byMaster[chinaMaster])
	}
	if byMaster[russiaMaster] != 2 {
		t.Errorf("Russia daily groups = %d, want 2", byMaster[russiaMaster])
	}

	weekly, err := s.ListPeriodGroups(ctx, "", "weekly", "2024-03-01", "2024-03-31")
	if err != nil {
		t.Fatalf("ListPeriodGroups weekly: %v", err)
	}
	if len(weekly) != 2 {
		t.Errorf("weekly groups across countries = %d, want 2", len(weekly))
	}
}

func TestRunDryRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMaster(t, s, "story", map[string][]string{
		"2024-08-13": {"xinhua-1"},
		"2024-08-15": {"reuters-1"},
	})

	report, err := Run(ctx, s, "China", "2024-08-01", "2024-08-31", Params{MinEvidence: 2, DryRun: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Groups["daily"] != 2 {
		t.Errorf("dry run daily groups = %d, want 2", report.Groups["daily"])
	}

	stored, err := s.ListPeriodGroups(ctx, "China", "daily", "2024-08-01", "2024-08-31")
	if err != nil {
		t.Fatalf("ListPeriodGroups: %v", err)
	}
	if len(stored) != 0 {
		t.Error("dry run must not persist groups")
	}
}

func TestWeekBounds(t *testing.T) {
	// 2024-08-14 is a Wednesday.
	start, end := weekBounds(mustParse("2024-08-14"))
	if format(start) != "2024-08-12" || format(end) != "2024-08-18" {
		t.Errorf("week = [%s, %s], want [2024-08-12, 2024-08-18]", format(start), format(end))
	}
	// Sunday belongs to the week started the previous Monday.
	start, end = weekBounds(mustParse("2024-08-18"))
	if format(start) != "2024-08-12" || format(end) != "2024-08-18" {
		t.Errorf("sunday week = [%s, %s]", format(start), format(end))
	}
}
