// Package registry turns confirmed arbiter groupings into canonical events
// and per-day mention records.
//
// All writes here are idempotent: event creation is first-writer-wins on the
// normalized name key, daily records upsert on (event, date) with document
// union, and processed clusters are marked confirmed so re-runs skip them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode"

	"github.com/inkwellnews/storyline/internal/arbiter"
	"github.com/inkwellnews/storyline/internal/embed"
	"github.com/inkwellnews/storyline/internal/store"
)

// NearDupThreshold is the minimum name similarity for an arbiter grouping to
// reuse an existing canonical event instead of creating a new one.
const NearDupThreshold = 0.90

// Registry applies arbiter outcomes to the store.
type Registry struct {
	store    store.Store
	embedder embed.Embedder // may be nil; new events then carry no name vector
}

// New creates a registry. The embedder is used to vectorize canonical names
// of newly created events for later temporal consolidation; pass nil to skip.
func New(s store.Store, embedder embed.Embedder) *Registry {
	return &Registry{store: s, embedder: embedder}
}

// Result reports what one cluster's application changed.
type Result struct {
	EventsCreated   int
	EventsReused    int
	RecordsUpserted int
	Flagged         bool
	Skipped         bool // outcome was Failed; cluster left unconfirmed
	Deferred        bool // a grouping hit a transient error; cluster left unconfirmed
	Errors          []string
}

// errBadGrouping marks grouping failures that are deterministic data
// problems; re-running the cluster would fail the same way.
var errBadGrouping = errors.New("bad grouping")

// Apply processes one arbiter outcome for one cluster. mentions are the
// cluster's member mentions, used to recover source documents and recipient
// entities per grouping. A Failed outcome leaves the cluster unconfirmed so
// the next run retries it. Deterministic data problems in a grouping are
// collected in Result.Errors and block only that grouping; a transient store
// failure instead leaves the whole cluster unconfirmed, since confirming it
// would drop the grouping's record for good.
func (r *Registry) Apply(ctx context.Context, cl *store.Cluster, outcome arbiter.Outcome, mentions []*store.Mention) (*Result, error) {
	res := &Result{}

	if outcome.Kind == arbiter.Failed {
		log.Printf("arbitration failed for cluster %d (%s/%s): %s", cl.ID, cl.Country, cl.Date, outcome.Reason)
		res.Skipped = true
		return res, nil
	}
	if len(outcome.Groups) == 0 {
		return nil, fmt.Errorf("outcome for cluster %d has no groups", cl.ID)
	}

	byText := mentionsByText(mentions)

	for _, group := range outcome.Groups {
		if err := r.applyGroup(ctx, cl, group, byText, res); err != nil {
			log.Printf("skipping grouping %q for cluster %d: %v", group.CanonicalName, cl.ID, err)
			res.Errors = append(res.Errors, err.Error())
			if !errors.Is(err, errBadGrouping) && !errors.Is(err, store.ErrEmptyEvidence) {
				res.Deferred = true
			}
		}
	}

	// Flagging and confirmation both wait until every grouping either applied
	// or failed deterministically; a deferred cluster is re-applied from
	// scratch on the next run, and the writes above are idempotent.
	if res.Deferred {
		log.Printf("cluster %d left unconfirmed after transient errors; the next run retries it", cl.ID)
		return res, nil
	}

	if outcome.Kind == arbiter.FallbackMerged {
		flag := &store.ReviewFlag{
			ClusterID: cl.ID,
			Reason:    fmt.Sprintf("conservative merge of cluster %q: %s", cl.Name, outcome.Reason),
		}
		if _, err := r.store.AddReviewFlag(ctx, flag); err != nil {
			return nil, fmt.Errorf("flagging cluster %d for review: %w", cl.ID, err)
		}
		res.Flagged = true
	}

	if err := r.store.MarkClusterConfirmed(ctx, cl.ID); err != nil {
		return nil, fmt.Errorf("confirming cluster %d: %w", cl.ID, err)
	}
	return res, nil
}

func (r *Registry) applyGroup(ctx context.Context, cl *store.Cluster, group arbiter.Group, byText map[string][]*store.Mention, res *Result) error {
	docs := groupSourceDocs(group, byText)
	if len(docs) == 0 {
		return fmt.Errorf("grouping %q resolved to zero source documents: %w", group.CanonicalName, errBadGrouping)
	}
	entities := groupRecipients(group, byText)

	eventID, created, err := r.findOrCreateEvent(ctx, cl.Country, cl.Date, group.CanonicalName, entities)
	if err != nil {
		return err
	}
	if created {
		res.EventsCreated++
	} else {
		res.EventsReused++
	}
	// The sighting runs for created events too so the article count reflects
	// the first day's evidence, not just later reuses.
	if err := r.store.RecordEventSighting(ctx, &store.Sighting{
		EventID:   eventID,
		ClusterID: cl.ID,
		Date:      cl.Date,
		Articles:  len(docs),
		AltName:   group.CanonicalName,
		Entities:  entities,
	}); err != nil {
		return fmt.Errorf("recording sighting: %w", err)
	}

	record := &store.DailyRecord{
		EventID:        eventID,
		Date:           cl.Date,
		SourceDocs:     docs,
		Headline:       group.CanonicalName,
		MentionContext: group.LifecycleStage,
	}
	if err := r.store.UpsertDailyRecord(ctx, record); err != nil {
		return fmt.Errorf("upserting daily record: %w", err)
	}
	res.RecordsUpserted++
	return nil
}

// findOrCreateEvent resolves a canonical name to an event id: exact key match
// first, then a near-duplicate scan over the country's events, then creation.
// Creation races resolve via the store's conflict-safe insert.
func (r *Registry) findOrCreateEvent(ctx context.Context, country, date, name string, entities []string) (int64, bool, error) {
	key := NameKey(name)
	if key == "" {
		return 0, false, fmt.Errorf("canonical name %q normalizes to empty key: %w", name, errBadGrouping)
	}

	existing, err := r.store.FindEventByKey(ctx, country, key)
	if err != nil {
		return 0, false, err
	}
	if existing != nil {
		return existing.ID, false, nil
	}

	candidates, err := r.store.ListEvents(ctx, store.EventListOpts{Country: country})
	if err != nil {
		return 0, false, fmt.Errorf("scanning events for near-duplicates: %w", err)
	}
	var best *store.Event
	bestSim := 0.0
	for _, e := range candidates {
		sim := NameSimilarity(name, e.Name)
		if sim >= NearDupThreshold && sim > bestSim {
			best = e
			bestSim = sim
		}
	}
	if best != nil {
		return best.ID, false, nil
	}

	event := &store.Event{
		Country:   country,
		Name:      name,
		NameKey:   key,
		FirstSeen: date,
		LastSeen:  date,
		Entities:  entities,
	}
	if r.embedder != nil {
		vector, err := r.embedder.Embed(ctx, name)
		if err != nil {
			// Consolidation skips events without vectors; the name can be
			// re-embedded on a later run.
			log.Printf("embedding canonical name %q failed, creating event without vector: %v", name, err)
		} else {
			event.NameVector = vector
		}
	}

	id, created, err := r.store.CreateEvent(ctx, event)
	if err != nil {
		return 0, false, fmt.Errorf("creating event %q: %w", name, err)
	}
	return id, created, nil
}

// mentionsByText indexes mentions by normalized text so arbiter group members
// can be traced back to their source documents.
func mentionsByText(mentions []*store.Mention) map[string][]*store.Mention {
	byText := make(map[string][]*store.Mention)
	for _, m := range mentions {
		key := normalizeText(m.Content)
		byText[key] = append(byText[key], m)
	}
	return byText
}

func groupSourceDocs(group arbiter.Group, byText map[string][]*store.Mention) []string {
	seen := make(map[string]bool)
	var docs []string
	for _, member := range group.Members {
		for _, m := range byText[normalizeText(member)] {
			for _, doc := range m.SourceDocs {
				if doc == "" || seen[doc] {
					continue
				}
				seen[doc] = true
				docs = append(docs, doc)
			}
		}
	}
	return docs
}

// groupRecipients unions the recipients of the grouping's member mentions.
// They become the event's entities and feed the entity-consistency term of
// temporal consolidation.
func groupRecipients(group arbiter.Group, byText map[string][]*store.Mention) []string {
	seen := make(map[string]bool)
	var recipients []string
	for _, member := range group.Members {
		for _, m := range byText[normalizeText(member)] {
			for _, rcpt := range m.Recipients {
				rcpt = strings.TrimSpace(rcpt)
				if rcpt == "" || seen[rcpt] {
					continue
				}
				seen[rcpt] = true
				recipients = append(recipients, rcpt)
			}
		}
	}
	return recipients
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// NameKey normalizes an event name for exact-match lookup: lowercase, letters
// and digits only, separators collapsed to single spaces.
func NameKey(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	lastSpace := false
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r), r == '-', r == '_', r == '/':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// NameSimilarity scores two event names in [0, 1] as the better of token
// Jaccard overlap and normalized Levenshtein over their normalized keys.
func NameSimilarity(a, b string) float64 {
	aKey := NameKey(a)
	bKey := NameKey(b)
	if aKey == "" || bKey == "" {
		return 0
	}
	if aKey == bKey {
		return 1
	}
	j := tokenJaccard(aKey, bKey)
	l := normalizedLevenshtein(aKey, bKey)
	if j > l {
		return j
	}
	return l
}

func tokenJaccard(a, b string) float64 {
	aSet := map[string]struct{}{}
	for _, t := range strings.Fields(a) {
		aSet[t] = struct{}{}
	}
	bSet := map[string]struct{}{}
	for _, t := range strings.Fields(b) {
		bSet[t] = struct{}{}
	}
	if len(aSet) == 0 && len(bSet) == 0 {
		return 1
	}
	inter := 0
	for t := range aSet {
		if _, ok := bSet[t]; ok {
			inter++
		}
	}
	union := len(aSet) + len(bSet) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func normalizedLevenshtein(a, b string) float64 {
	ar := []rune(a)
	br := []rune(b)
	if len(ar) == 0 && len(br) == 0 {
		return 1
	}
	maxLen := len(ar)
	if len(br) > maxLen {
		maxLen = len(br)
	}
	if maxLen == 0 {
		return 0
	}
	d := make([][]int, len(ar)+1)
	for i := range d {
		d[i] = make([]int, len(br)+1)
	}
	for i := 0; i <= len(ar); i++ {
		d[i][0] = i
	}
	for j := 0; j <= len(br); j++ {
		d[0][j] = j
	}
	for i := 1; i <= len(ar); i++ {
		for j := 1; j <= len(br); j++ {
			cost := 0
			if ar[i-1] != br[j-1] {
				cost = 1
			}
			del := d[i-1][j] + 1
			ins := d[i][j-1] + 1
			sub := d[i-1][j-1] + cost
			d[i][j] = minInt(del, minInt(ins, sub))
		}
	}
	dist := d[len(ar)][len(br)]
	return 1 - float64(dist)/float64(maxLen)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
