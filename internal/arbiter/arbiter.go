// Package arbiter resolves ambiguous same-day clusters into named canonical
// groupings using a language-model call.
//
// The model decides, for a cluster of similar mention texts, whether the
// members describe one real-world event at different lifecycle stages or
// genuinely different events that were clustered by surface similarity. The
// result is a tagged outcome: Confirmed with validated groups, FallbackMerged
// when retries exhaust and the whole cluster is conservatively treated as one
// group, or Failed when the call itself could not complete.
package arbiter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const systemPrompt = `You are an event deduplication arbiter for a news monitoring system. You receive clusters of short event descriptions that were grouped together by text similarity. Your job is to decide which descriptions refer to the same real-world event and which are different events.

Follow these four steps for every cluster:
1. IDENTIFY: for each description, identify the core activity, the actors involved, and the context (location, institution, counterpart).
2. LIFECYCLE: recognize lifecycle-stage language. "Announces", "plans", "prepares", "begins", "continues", "concludes", "aftermath" applied to the same activity are evidence of ONE event seen at different stages, not different events.
3. DISTINGUISH INSTANCES: same topic is not same event. "First summit" vs "second summit", or the 2024 edition vs the 2025 edition of a forum, are SEPARATE events even when the wording is nearly identical.
4. VALIDATE: for each group you form, check that all its members would plausibly appear on a single timeline of one event. If a member would not, move it to its own group.

OUTPUT RULES:
- Every input description must appear in exactly one group. Never drop a description. Never invent one.
- Copy member texts EXACTLY as given, character for character.
- Each group needs: a canonical name (the clearest, most complete description of the event), the member texts, a one-sentence justification, and a lifecycle stage label from: announcement, preparation, execution, continuation, conclusion.
- Return ONLY JSON matching the schema, no additional text.

JSON SCHEMA:
{
  "clusters": [
    {
      "cluster_index": 0,
      "groups": [
        {
          "canonical_name": "China opens border crossing at Mehran",
          "members": ["China opens border crossing at Mehran", "Mehran border crossing opens for pilgrims"],
          "justification": "Both describe the same border crossing opening on the same day.",
          "lifecycle_stage": "execution"
        }
      ]
    }
  ]
}`

// Group is one named canonical grouping returned by the arbiter.
type Group struct {
	CanonicalName  string   `json:"canonical_name"`
	Members        []string `json:"members"`
	Justification  string   `json:"justification"`
	LifecycleStage string   `json:"lifecycle_stage"`
}

// Verdict is the arbiter's answer for one cluster.
type Verdict struct {
	ClusterIndex int     `json:"cluster_index"`
	Groups       []Group `json:"groups"`
}

type arbiterResponse struct {
	Clusters []Verdict `json:"clusters"`
}

// OutcomeKind tags how a cluster's arbitration resolved.
type OutcomeKind int

const (
	// Confirmed means the model returned a structurally valid grouping.
	Confirmed OutcomeKind = iota
	// FallbackMerged means retries exhausted on structural failures and the
	// whole cluster was conservatively treated as one group. The caller must
	// flag it for human review.
	FallbackMerged
	// Failed means the call itself could not complete (transport failure
	// after retries). The caller skips the cluster this run.
	Failed
)

func (k OutcomeKind) String() string {
	switch k {
	case Confirmed:
		return "confirmed"
	case FallbackMerged:
		return "fallback_merged"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of arbitrating one cluster.
type Outcome struct {
	Kind   OutcomeKind
	Groups []Group // set for Confirmed and FallbackMerged
	Reason string  // set for FallbackMerged and Failed
}

// Input is one cluster submitted for arbitration.
type Input struct {
	ClusterID   int64
	Name        string
	MemberTexts []string // distinct texts, two or more
}

// Arbiter decides groupings for clusters of similar mention texts.
type Arbiter interface {
	Arbitrate(ctx context.Context, inputs []Input) ([]Outcome, error)
}

// LLMArbiter implements Arbiter over an OpenAI-compatible chat endpoint.
type LLMArbiter struct {
	client *ChatClient
	// structuralRetries bounds re-asks when the model returns unparseable
	// or invalid output. Transport retries are handled inside ChatClient.
	structuralRetries int
}

// NewLLMArbiter creates an arbiter over the given chat client.
func NewLLMArbiter(client *ChatClient) *LLMArbiter {
	return &LLMArbiter{client: client, structuralRetries: 2}
}

// AutoConfirm returns the trivial outcome for a cluster with one distinct
// text: a single group named by that text, no model call.
func AutoConfirm(name string, memberTexts []string) Outcome {
	return Outcome{
		Kind: Confirmed,
		Groups: []Group{{
			CanonicalName:  name,
			Members:        memberTexts,
			Justification:  "single distinct member text",
			LifecycleStage: "execution",
		}},
	}
}

// Arbitrate submits one batch of clusters and returns one Outcome per input,
// in input order. A structurally invalid response is retried a bounded number
// of times; clusters still invalid after that fall back to a conservative
// merge. A transport failure after the client's own retries marks every
// cluster in the batch Failed rather than erroring the whole run.
func (a *LLMArbiter) Arbitrate(ctx context.Context, inputs []Input) ([]Outcome, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	for i, in := range inputs {
		if len(in.MemberTexts) == 0 {
			return nil, fmt.Errorf("cluster %d (%s) has no member texts", i, in.Name)
		}
	}

	var verdicts []Verdict
	var lastErr error
	for attempt := 0; attempt <= a.structuralRetries; attempt++ {
		content, err := a.client.Complete(ctx, systemPrompt, buildUserPrompt(inputs))
		if err != nil {
			outcomes := make([]Outcome, len(inputs))
			for i := range outcomes {
				outcomes[i] = Outcome{Kind: Failed, Reason: err.Error()}
			}
			return outcomes, nil
		}

		verdicts, lastErr = parseVerdicts(content, len(inputs))
		if lastErr == nil {
			break
		}
		verdicts = nil
	}

	outcomes := make([]Outcome, len(inputs))
	for i, in := range inputs {
		if verdicts == nil {
			outcomes[i] = fallback(in, fmt.Sprintf("structurally invalid response: %v", lastErr))
			continue
		}
		verdict := verdicts[i]
		if err := validateVerdict(verdict, in.MemberTexts); err != nil {
			outcomes[i] = fallback(in, err.Error())
			continue
		}
		outcomes[i] = Outcome{Kind: Confirmed, Groups: verdict.Groups}
	}
	return outcomes, nil
}

func buildUserPrompt(inputs []Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Arbitrate these %d clusters:\n", len(inputs))
	for i, in := range inputs {
		fmt.Fprintf(&b, "\nCluster %d:\n", i)
		for _, text := range in.MemberTexts {
			fmt.Fprintf(&b, "- %s\n", text)
		}
	}
	b.WriteString("\nReturn JSON matching the schema with one entry per cluster, cluster_index matching the numbering above.")
	return b.String()
}

// parseVerdicts parses the response and checks batch-level shape: one verdict
// per input cluster, indexed correctly. Per-cluster member validation happens
// separately so one bad cluster does not sink its batch-mates.
func parseVerdicts(content string, want int) ([]Verdict, error) {
	var resp arbiterResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &resp); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(resp.Clusters) != want {
		return nil, fmt.Errorf("expected %d cluster verdicts, got %d", want, len(resp.Clusters))
	}

	ordered := make([]Verdict, want)
	seen := make(map[int]bool)
	for _, v := range resp.Clusters {
		if v.ClusterIndex < 0 || v.ClusterIndex >= want {
			return nil, fmt.Errorf("cluster_index %d out of range [0, %d)", v.ClusterIndex, want)
		}
		if seen[v.ClusterIndex] {
			return nil, fmt.Errorf("duplicate cluster_index %d", v.ClusterIndex)
		}
		seen[v.ClusterIndex] = true
		ordered[v.ClusterIndex] = v
	}
	return ordered, nil
}

// validateVerdict enforces the mention-completeness contract: every input
// member text assigned to exactly one group, none dropped, none invented.
func validateVerdict(v Verdict, memberTexts []string) error {
	if len(v.Groups) == 0 {
		return fmt.Errorf("verdict has no groups")
	}

	want := make(map[string]int)
	for _, text := range memberTexts {
		want[normalizeText(text)]++
	}

	got := make(map[string]int)
	for _, g := range v.Groups {
		if strings.TrimSpace(g.CanonicalName) == "" {
			return fmt.Errorf("group has empty canonical name")
		}
		if len(g.Members) == 0 {
			return fmt.Errorf("group %q has no members", g.CanonicalName)
		}
		for _, m := range g.Members {
			got[normalizeText(m)]++
		}
	}

	for text, n := range want {
		if got[text] < n {
			return fmt.Errorf("member text dropped from output: %q", text)
		}
		if got[text] > n {
			return fmt.Errorf("member text duplicated in output: %q", text)
		}
	}
	for text := range got {
		if want[text] == 0 {
			return fmt.Errorf("output invented member text: %q", text)
		}
	}
	return nil
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func fallback(in Input, reason string) Outcome {
	return Outcome{
		Kind: FallbackMerged,
		Groups: []Group{{
			CanonicalName:  in.Name,
			Members:        in.MemberTexts,
			Justification:  "conservative merge after arbitration failure",
			LifecycleStage: "execution",
		}},
		Reason: reason,
	}
}
