package consolidate

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

func seedEvent(t *testing.T, s store.Store, name, first, last string, articles int, vector []float32) int64 {
	t.Helper()
	id, _, err := s.CreateEvent(context.Background(), &store.Event{
		Country:      "China",
		Name:         name,
		NameKey:      name,
		FirstSeen:    first,
		LastSeen:     last,
		ArticleCount: articles,
		NameVector:   vector,
	})
	if err != nil {
		t.Fatalf("CreateEvent %s: %v", name, err)
	}
	return id
}

func defaultParams() Params {
	return Params{LinkThreshold: 0.85}
}

func TestRunLinksRecurringEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Announcement on Aug 15 with 2 articles, execution on Sep 1 with 5:
	// similar vectors, the better-covered event becomes the master.
	announce := seedEvent(t, s, "China announces forum for September", "2024-08-15", "2024-08-15", 2, []float32{1, 0.1, 0})
	begin := seedEvent(t, s, "China's forum begins in Beijing", "2024-09-01", "2024-09-01", 5, []float32{1, 0.15, 0})

	report, err := Run(ctx, s, "China", defaultParams())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Linked != 1 {
		t.Fatalf("linked = %d, want 1", report.Linked)
	}

	child, err := s.GetEvent(ctx, announce)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if child.MasterEventID == nil || *child.MasterEventID != begin {
		t.Errorf("announcement master = %v, want %d", child.MasterEventID, begin)
	}
	master, err := s.GetEvent(ctx, begin)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if master.MasterEventID != nil {
		t.Error("the better-covered event must stay a master")
	}
}

func TestRunBelowThresholdDoesNotLink(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := seedEvent(t, s, "border crossing opens", "2024-08-15", "2024-08-15", 2, []float32{1, 0, 0})
	b := seedEvent(t, s, "grain deal signed", "2024-08-20", "2024-08-20", 3, []float32{0, 1, 0})

	report, err := Run(ctx, s, "China", defaultParams())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Linked != 0 {
		t.Errorf("linked = %d, want 0 for dissimilar events", report.Linked)
	}

	for _, id := range []int64{a, b} {
		e, err := s.GetEvent(ctx, id)
		if err != nil {
			t.Fatalf("GetEvent: %v", err)
		}
		if e.MasterEventID != nil {
			t.Errorf("event %d should stay unlinked", id)
		}
	}
}

func TestRunOutsideWindowDoesNotLink(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedEvent(t, s, "annual forum 2023", "2023-01-10", "2023-01-10", 2, []float32{1, 0.1, 0})
	seedEvent(t, s, "annual forum 2024", "2024-06-01", "2024-06-01", 3, []float32{1, 0.1, 0})

	report, err := Run(ctx, s, "China", Params{LinkThreshold: 0.85, WindowDays: 180})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Linked != 0 {
		t.Errorf("events a year apart linked despite the window: %d", report.Linked)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	child := seedEvent(t, s, "announce", "2024-08-15", "2024-08-15", 2, []float32{1, 0.1, 0})
	master := seedEvent(t, s, "begin", "2024-09-01", "2024-09-01", 5, []float32{1, 0.15, 0})

	if _, err := Run(ctx, s, "China", defaultParams()); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	report, err := Run(ctx, s, "China", defaultParams())
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if report.Linked != 0 {
		t.Errorf("re-run created %d new links, want 0", report.Linked)
	}

	got, err := s.GetEvent(ctx, child)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.MasterEventID == nil || *got.MasterEventID != master {
		t.Error("re-run must not unlink an existing pair")
	}
}

func TestRunResolvesTransitivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Three sightings of the same story. Whatever order links commit in,
	// the result must be a one-level forest under the most-covered event.
	a := seedEvent(t, s, "story day one", "2024-08-01", "2024-08-01", 1, []float32{1, 0.10, 0})
	b := seedEvent(t, s, "story day two", "2024-08-10", "2024-08-10", 3, []float32{1, 0.12, 0})
	c := seedEvent(t, s, "story day three", "2024-08-20", "2024-08-20", 6, []float32{1, 0.14, 0})

	if _, err := Run(ctx, s, "China", defaultParams()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	events, err := s.ListEvents(ctx, store.EventListOpts{Country: "China"})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	masters := 0
	for _, e := range events {
		if e.MasterEventID == nil {
			masters++
			continue
		}
		parent, err := s.GetEvent(ctx, *e.MasterEventID)
		if err != nil {
			t.Fatalf("GetEvent parent: %v", err)
		}
		if parent.MasterEventID != nil {
			t.Errorf("event %d points at child %d: chain deeper than one level", e.ID, parent.ID)
		}
	}
	if masters != 1 {
		t.Errorf("expected a single master for %v, got %d", []int64{a, b, c}, masters)
	}
}

func TestRunEntityOverlapChangesRanking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(name string, articles int, vector []float32, entities []string) int64 {
		t.Helper()
		id, _, err := s.CreateEvent(ctx, &store.Event{
			Country: "China", Name: name, NameKey: name,
			FirstSeen: "2024-08-15", LastSeen: "2024-08-15",
			ArticleCount: articles, NameVector: vector, Entities: entities,
		})
		if err != nil {
			t.Fatalf("CreateEvent %s: %v", name, err)
		}
		return id
	}

	// Both candidates clear the similarity gate. The closer name shares no
	// recipients with the subject; the slightly farther one shares two, and
	// the consistency term must make it win.
	subject := mk("aid convoy reaches border", 1, []float32{1, 0, 0}, []string{"Egypt", "Sudan"})
	closer := mk("convoy crosses border", 2, []float32{0.99, 0.141, 0}, []string{"Kenya"})
	shared := mk("relief convoy at border", 5, []float32{0.9, 0.436, 0}, []string{"Egypt", "Sudan", "Kenya"})

	if _, err := Run(ctx, s, "China", defaultParams()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got, err := s.GetEvent(ctx, subject)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.MasterEventID == nil {
		t.Fatal("subject did not link at all")
	}
	if *got.MasterEventID == closer {
		t.Fatalf("subject linked to the higher-similarity candidate %d; recipient overlap should favor %d", closer, shared)
	}
	if *got.MasterEventID != shared {
		t.Errorf("subject master = %d, want %d", *got.MasterEventID, shared)
	}
}

func TestEntityConsistency(t *testing.T) {
	if got := entityConsistency(nil, []string{"Egypt"}); got != 0.75 {
		t.Errorf("missing entities = %f, want neutral 0.75", got)
	}
	if got := entityConsistency([]string{"Egypt"}, []string{"Kenya"}); got != 0.5 {
		t.Errorf("disjoint entities = %f, want 0.5", got)
	}
	if got := entityConsistency([]string{"Egypt", "Sudan"}, []string{"Egypt", "Sudan"}); got != 1 {
		t.Errorf("identical entities = %f, want 1", got)
	}
}

func TestRunDryRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	child := seedEvent(t, s, "announce", "2024-08-15", "2024-08-15", 2, []float32{1, 0.1, 0})
	seedEvent(t, s, "begin", "2024-09-01", "2024-09-01", 5, []float32{1, 0.15, 0})

	report, err := Run(ctx, s, "China", Params{LinkThreshold: 0.85, DryRun: true})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Linked != 1 || len(report.Links) != 1 {
		t.Fatalf("dry run should report the intended link, got %+v", report)
	}

	got, err := s.GetEvent(ctx, child)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.MasterEventID != nil {
		t.Error("dry run must not commit links")
	}
}

func TestRunSkipsEventsWithoutVectors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedEvent(t, s, "no vector", "2024-08-15", "2024-08-15", 2, nil)
	seedEvent(t, s, "has vector", "2024-09-01", "2024-09-01", 5, []float32{1, 0, 0})

	report, err := Run(ctx, s, "China", defaultParams())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.NoVector != 1 {
		t.Errorf("no-vector count = %d, want 1", report.NoVector)
	}
	if report.Linked != 0 {
		t.Errorf("linked = %d, want 0", report.Linked)
	}
}

func TestDateGapDays(t *testing.T) {
	a := &store.Event{FirstSeen: "2024-08-01", LastSeen: "2024-08-05"}
	b := &store.Event{FirstSeen: "2024-08-10", LastSeen: "2024-08-12"}
	gap, ok := dateGapDays(a, b)
	if !ok || gap != 5 {
		t.Errorf("gap = %d/%v, want 5", gap, ok)
	}

	overlap := &store.Event{FirstSeen: "2024-08-03", LastSeen: "2024-08-20"}
	gap, ok = dateGapDays(a, overlap)
	if !ok || gap != 0 {
		t.Errorf("overlapping gap = %d/%v, want 0", gap, ok)
	}
}
