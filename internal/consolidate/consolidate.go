// Package consolidate links canonical events that recur across dates into a
// single master identity.
//
// Two events link when the cosine similarity of their name vectors clears the
// configured threshold; candidates are then ranked by a combined score that
// folds in time decay and entity overlap. The hierarchy is a one-level
// forest: the event with more supporting articles becomes the master and
// links always re-point through an existing master rather than forming
// chains. Re-running over an already-linked corpus is a no-op.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/inkwellnews/storyline/internal/store"
)

// Params are the tunables for one consolidation run.
type Params struct {
	// LinkThreshold is the minimum name-vector cosine similarity for two
	// events to be link candidates.
	LinkThreshold float64
	// WindowDays bounds how far apart two events' date ranges may sit.
	// Zero means the default of 180 days.
	WindowDays int
	// DryRun reports intended links without committing them.
	DryRun bool
}

// Link describes one intended or committed master/child link.
type Link struct {
	ChildID    int64
	ChildName  string
	MasterID   int64
	MasterName string
	Similarity float64
	Score      float64
}

// Report summarizes one consolidation run over one country.
type Report struct {
	Country    string
	Scanned    int
	Linked     int
	NoVector   int
	NoMatch    int
	DryRun     bool
	Links      []Link
	PairErrors []string
}

const defaultWindowDays = 180

// Run consolidates one country's events. Hierarchy violations on individual
// pairs are collected in the report and do not abort the run.
func Run(ctx context.Context, s store.Store, country string, params Params) (*Report, error) {
	if params.LinkThreshold <= 0 || params.LinkThreshold > 1 {
		return nil, fmt.Errorf("link threshold must be in (0, 1], got %g", params.LinkThreshold)
	}
	if params.WindowDays == 0 {
		params.WindowDays = defaultWindowDays
	}
	if params.WindowDays < 0 {
		return nil, fmt.Errorf("window days cannot be negative, got %d", params.WindowDays)
	}

	events, err := s.ListEvents(ctx, store.EventListOpts{Country: country})
	if err != nil {
		return nil, fmt.Errorf("listing events for %s: %w", country, err)
	}

	report := &Report{Country: country, DryRun: params.DryRun, Scanned: len(events)}
	byID := make(map[int64]*store.Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}

	for _, e := range events {
		if e.MasterEventID != nil {
			continue // existing links are never revisited
		}
		if len(e.NameVector) == 0 {
			report.NoVector++
			continue
		}

		best := bestCandidate(e, events, params)
		if best == nil {
			report.NoMatch++
			continue
		}

		link := resolveLink(e, best.event, byID)
		if link == nil {
			continue // pair already share a master
		}
		link.Similarity = best.similarity
		link.Score = best.score

		if !params.DryRun {
			if err := s.SetMasterEvent(ctx, link.ChildID, link.MasterID); err != nil {
				if errors.Is(err, store.ErrHierarchyViolation) {
					log.Printf("skipping link %d -> %d: %v", link.ChildID, link.MasterID, err)
					report.PairErrors = append(report.PairErrors, err.Error())
					continue
				}
				return nil, fmt.Errorf("linking event %d under %d: %w", link.ChildID, link.MasterID, err)
			}
		}
		// Keep the in-memory view current (in dry runs too) so later
		// iterations resolve transitivity against links already decided.
		child := byID[link.ChildID]
		master := link.MasterID
		child.MasterEventID = &master
		report.Links = append(report.Links, *link)
		report.Linked++
	}

	return report, nil
}

type candidate struct {
	event      *store.Event
	similarity float64
	score      float64
}

// bestCandidate finds the highest-scoring link partner for e, or nil. The
// similarity threshold gates candidacy; the combined score ranks survivors.
func bestCandidate(e *store.Event, events []*store.Event, params Params) *candidate {
	var best *candidate
	for _, other := range events {
		if other.ID == e.ID || len(other.NameVector) == 0 {
			continue
		}
		gap, ok := dateGapDays(e, other)
		if !ok || gap > params.WindowDays {
			continue
		}

		sim := store.CosineSimilarity(e.NameVector, other.NameVector)
		if sim < params.LinkThreshold {
			continue
		}

		score := sim * timeDecay(gap) * entityConsistency(e.Entities, other.Entities)
		if best == nil || score > best.score ||
			(score == best.score && other.ID < best.event.ID) {
			best = &candidate{event: other, similarity: sim, score: score}
		}
	}
	return best
}

// resolveLink decides direction and resolves transitivity: the event with
// more articles is the master, and if the chosen master is itself a child its
// root master is used instead so the forest stays one level deep. Returns nil
// when the pair already resolve to the same master.
func resolveLink(a, b *store.Event, byID map[int64]*store.Event) *Link {
	master, child := a, b
	if moreAuthoritative(b, a) {
		master, child = b, a
	}

	root := master
	if master.MasterEventID != nil {
		if m, ok := byID[*master.MasterEventID]; ok {
			root = m
		}
	}
	if child.MasterEventID != nil && *child.MasterEventID == root.ID {
		return nil
	}
	if child.ID == root.ID {
		return nil
	}

	return &Link{
		ChildID:    child.ID,
		ChildName:  child.Name,
		MasterID:   root.ID,
		MasterName: root.Name,
	}
}

func moreAuthoritative(a, b *store.Event) bool {
	if a.ArticleCount != b.ArticleCount {
		return a.ArticleCount > b.ArticleCount
	}
	if a.FirstSeen != b.FirstSeen {
		return a.FirstSeen < b.FirstSeen
	}
	return a.ID < b.ID
}

// dateGapDays is the distance in days between two events' sighting ranges;
// overlapping ranges have gap zero.
func dateGapDays(a, b *store.Event) (int, bool) {
	aFirst, err1 := time.Parse(store.DateLayout, a.FirstSeen)
	aLast, err2 := time.Parse(store.DateLayout, a.LastSeen)
	bFirst, err3 := time.Parse(store.DateLayout, b.FirstSeen)
	bLast, err4 := time.Parse(store.DateLayout, b.LastSeen)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return 0, false
	}

	if aLast.Before(bFirst) {
		return int(bFirst.Sub(aLast).Hours() / 24), true
	}
	if bLast.Before(aFirst) {
		return int(aFirst.Sub(bLast).Hours() / 24), true
	}
	return 0, true
}

// timeDecay favors temporally close events: 1.0 at zero gap, halving roughly
// every 60 days.
func timeDecay(gapDays int) float64 {
	return math.Exp(-float64(gapDays) / 90)
}

// entityConsistency maps entity overlap into [0.5, 1] so that events without
// extracted entities are not penalized, only un-boosted.
func entityConsistency(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.75
	}
	aSet := make(map[string]struct{}, len(a))
	for _, e := range a {
		aSet[e] = struct{}{}
	}
	bSet := make(map[string]struct{}, len(b))
	for _, e := range b {
		bSet[e] = struct{}{}
	}
	inter := 0
	for e := range bSet {
		if _, ok := aSet[e]; ok {
			inter++
		}
	}
	union := len(aSet) + len(bSet) - inter
	if union == 0 {
		return 0.5
	}
	return 0.5 + 0.5*float64(inter)/float64(union)
}

// SortLinks orders links for stable report output.
func SortLinks(links []Link) {
	sort.Slice(links, func(i, j int) bool {
		if links[i].MasterID != links[j].MasterID {
			return links[i].MasterID < links[j].MasterID
		}
		return links[i].ChildID < links[j].ChildID
	})
}
