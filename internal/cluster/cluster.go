// Package cluster groups same-day, same-country event mentions into
// candidate clusters by embedding similarity.
//
// The algorithm is density-based over cosine distance: a mention joins a
// cluster when it sits within MaxDistance of a core point, and a cluster
// needs at least MinSize members to form. Mentions that fail the density
// test are not dropped; each becomes its own singleton candidate so no
// mention ever falls out of the pipeline here.
package cluster

import (
	"fmt"
	"sort"
	"strings"

	"github.com/inkwellnews/storyline/internal/store"
)

// Params are the tunables for one clustering run.
type Params struct {
	// MaxDistance is the maximum cosine distance (1 - cosine similarity)
	// between a point and a core point for the two to be density-reachable.
	MaxDistance float64
	// MinSize is the minimum number of mentions to form a dense cluster.
	// Points that cannot reach MinSize neighbors become singletons.
	MinSize int
	// BatchSize caps how many clusters are assigned to one arbiter batch.
	BatchSize int
}

// Point is one mention plus its embedding, ready for clustering.
type Point struct {
	MentionID  string
	Text       string
	SourceDocs []string
	Vector     []float32
}

// Candidate is one clustered grouping before arbitration.
type Candidate struct {
	Name        string // representative member text, closest to centroid
	BatchNumber int
	Centroid    []float32
	MemberIDs   []string
	MemberTexts []string
	Singleton   bool // formed by density fallback, skips arbitration when texts collapse to one
}

const (
	labelUnvisited = 0
	labelNoise     = -1
)

// Run clusters the given points. The input must already be filtered to one
// (country, date) pair with self-directed mentions removed. Returns an error
// if a non-empty input produces zero clusters, which the singleton fallback
// makes impossible unless there is a defect.
func Run(points []Point, params Params) ([]Candidate, error) {
	if params.MaxDistance <= 0 || params.MaxDistance >= 1 {
		return nil, fmt.Errorf("max distance must be in (0, 1), got %g", params.MaxDistance)
	}
	if params.MinSize < 1 {
		return nil, fmt.Errorf("min cluster size must be at least 1, got %d", params.MinSize)
	}
	if params.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", params.BatchSize)
	}
	if len(points) == 0 {
		return nil, nil
	}
	for i, p := range points {
		if len(p.Vector) == 0 {
			return nil, fmt.Errorf("point %d (%s) has no embedding", i, p.MentionID)
		}
		if len(p.Vector) != len(points[0].Vector) {
			return nil, fmt.Errorf("point %d (%s) has dimension %d, expected %d",
				i, p.MentionID, len(p.Vector), len(points[0].Vector))
		}
	}

	// Sort input by mention id so neighbor expansion order, and therefore
	// cluster numbering, is stable across runs.
	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MentionID < sorted[j].MentionID })

	labels := dbscan(sorted, params.MaxDistance, params.MinSize)

	byLabel := make(map[int][]int)
	var noise []int
	for i, label := range labels {
		if label == labelNoise {
			noise = append(noise, i)
			continue
		}
		byLabel[label] = append(byLabel[label], i)
	}

	var candidates []Candidate
	labelOrder := make([]int, 0, len(byLabel))
	for label := range byLabel {
		labelOrder = append(labelOrder, label)
	}
	sort.Ints(labelOrder)
	for _, label := range labelOrder {
		candidates = append(candidates, buildCandidate(sorted, byLabel[label], false))
	}
	for _, i := range noise {
		candidates = append(candidates, buildCandidate(sorted, []int{i}, true))
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("clustering produced zero clusters from %d mentions", len(points))
	}

	assignBatches(candidates, params.BatchSize)
	return candidates, nil
}

// dbscan labels each point with a cluster number, or labelNoise for points
// that cannot reach minSize neighbors within maxDistance of a core point.
func dbscan(points []Point, maxDistance float64, minSize int) []int {
	labels := make([]int, len(points))
	nextLabel := 0

	for i := range points {
		if labels[i] != labelUnvisited {
			continue
		}
		neighbors := regionQuery(points, i, maxDistance)
		if len(neighbors) < minSize {
			labels[i] = labelNoise
			continue
		}

		nextLabel++
		labels[i] = nextLabel

		// Expand the cluster from the seed's neighborhood. The queue may
		// grow as new core points are discovered.
		queue := append([]int(nil), neighbors...)
		for qi := 0; qi < len(queue); qi++ {
			j := queue[qi]
			if labels[j] == labelNoise {
				labels[j] = nextLabel // border point, density-reachable
				continue
			}
			if labels[j] != labelUnvisited {
				continue
			}
			labels[j] = nextLabel
			jNeighbors := regionQuery(points, j, maxDistance)
			if len(jNeighbors) >= minSize {
				queue = append(queue, jNeighbors...)
			}
		}
	}
	return labels
}

// regionQuery returns the indices within maxDistance of points[i], including
// i itself, in index order.
func regionQuery(points []Point, i int, maxDistance float64) []int {
	var neighbors []int
	for j := range points {
		if cosineDistance(points[i].Vector, points[j].Vector) <= maxDistance {
			neighbors = append(neighbors, j)
		}
	}
	return neighbors
}

func cosineDistance(a, b []float32) float64 {
	return 1 - store.CosineSimilarity(a, b)
}

// buildCandidate assembles a Candidate from member indices: centroid is the
// mean of member vectors, name is the member text closest to the centroid
// with the lexicographically smallest text winning ties.
func buildCandidate(points []Point, members []int, singleton bool) Candidate {
	dims := len(points[members[0]].Vector)
	centroid := make([]float32, dims)
	for _, m := range members {
		for d, v := range points[m].Vector {
			centroid[d] += v
		}
	}
	for d := range centroid {
		centroid[d] /= float32(len(members))
	}

	name := points[members[0]].Text
	best := cosineDistance(points[members[0]].Vector, centroid)
	for _, m := range members[1:] {
		dist := cosineDistance(points[m].Vector, centroid)
		if dist < best || (dist == best && points[m].Text < name) {
			best = dist
			name = points[m].Text
		}
	}

	c := Candidate{
		Name:      strings.TrimSpace(name),
		Centroid:  centroid,
		Singleton: singleton,
	}
	for _, m := range members {
		c.MemberIDs = append(c.MemberIDs, points[m].MentionID)
		c.MemberTexts = append(c.MemberTexts, points[m].Text)
	}
	return c
}

// assignBatches numbers clusters into fixed-size arbiter batches. Ordering
// is size descending then name ascending, so re-running on unchanged input
// yields the same batch assignment.
func assignBatches(candidates []Candidate, batchSize int) {
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ca, cb := candidates[order[a]], candidates[order[b]]
		if len(ca.MemberIDs) != len(cb.MemberIDs) {
			return len(ca.MemberIDs) > len(cb.MemberIDs)
		}
		return ca.Name < cb.Name
	})
	for rank, idx := range order {
		candidates[idx].BatchNumber = rank/batchSize + 1
	}
}

// DistinctTexts returns the de-duplicated member texts of a candidate,
// compared after trimming and lowercasing. A candidate with exactly one
// distinct text skips arbitration.
func DistinctTexts(c Candidate) []string {
	seen := make(map[string]bool)
	var distinct []string
	for _, text := range c.MemberTexts {
		key := strings.ToLower(strings.TrimSpace(text))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		distinct = append(distinct, strings.TrimSpace(text))
	}
	return distinct
}
