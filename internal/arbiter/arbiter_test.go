package arbiter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newTestArbiter wires an LLMArbiter to a canned chat endpoint. The handler
// receives the attempt number (1-based) and returns the assistant content.
func newTestArbiter(t *testing.T, handler func(attempt int) (status int, content string)) *LLMArbiter {
	t.Helper()
	attempt := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt++
		status, content := handler(attempt)
		if status != 200 {
			w.WriteHeader(status)
			fmt.Fprint(w, content)
			return
		}
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	client, err := NewChatClient(&ChatConfig{
		Provider:    "custom",
		Model:       "test-model",
		Endpoint:    srv.URL,
		MaxRetries:  1,
		TimeoutSecs: 5,
	})
	if err != nil {
		t.Fatalf("NewChatClient failed: %v", err)
	}
	return NewLLMArbiter(client)
}

func verdictJSON(verdicts []Verdict) string {
	data, _ := json.Marshal(arbiterResponse{Clusters: verdicts})
	return string(data)
}

func TestArbitrateConfirmed(t *testing.T) {
	input := Input{
		ClusterID: 1,
		Name:      "China announces forum",
		MemberTexts: []string{
			"China announces forum for September",
			"China's forum begins in Beijing",
		},
	}
	response := verdictJSON([]Verdict{{
		ClusterIndex: 0,
		Groups: []Group{{
			CanonicalName:  "China's forum in Beijing",
			Members:        input.MemberTexts,
			Justification:  "Announcement and execution of the same forum.",
			LifecycleStage: "execution",
		}},
	}})

	a := newTestArbiter(t, func(int) (int, string) { return 200, response })
	outcomes, err := a.Arbitrate(context.Background(), []Input{input})
	if err != nil {
		t.Fatalf("Arbitrate failed: %v", err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(outcomes))
	}
	if outcomes[0].Kind != Confirmed {
		t.Fatalf("outcome = %s, want confirmed", outcomes[0].Kind)
	}
	if len(outcomes[0].Groups) != 1 {
		t.Errorf("expected 1 group, got %d", len(outcomes[0].Groups))
	}
}

func TestArbitrateSplitsDistinctInstances(t *testing.T) {
	// Same-topic-different-instance: arbiter reports two groups and the
	// caller must pass both through intact.
	input := Input{
		ClusterID:   2,
		Name:        "First China-Egypt summit",
		MemberTexts: []string{"First China-Egypt summit", "Second China-Egypt summit"},
	}
	response := verdictJSON([]Verdict{{
		ClusterIndex: 0,
		Groups: []Group{
			{CanonicalName: "First China-Egypt summit", Members: []string{"First China-Egypt summit"}, Justification: "first instance", LifecycleStage: "execution"},
			{CanonicalName: "Second China-Egypt summit", Members: []string{"Second China-Egypt summit"}, Justification: "second instance", LifecycleStage: "execution"},
		},
	}})

	a := newTestArbiter(t, func(int) (int, string) { return 200, response })
	outcomes, err := a.Arbitrate(context.Background(), []Input{input})
	if err != nil {
		t.Fatalf("Arbitrate failed: %v", err)
	}
	if outcomes[0].Kind != Confirmed {
		t.Fatalf("outcome = %s, want confirmed", outcomes[0].Kind)
	}
	if len(outcomes[0].Groups) != 2 {
		t.Errorf("expected 2 groups, got %d", len(outcomes[0].Groups))
	}
}

func TestArbitrateDroppedMemberFallsBack(t *testing.T) {
	input := Input{
		ClusterID:   3,
		Name:        "summit",
		MemberTexts: []string{"text one", "text two"},
	}
	// Response always drops "text two": structurally invalid on every
	// attempt, so the cluster falls back to a conservative merge.
	bad := verdictJSON([]Verdict{{
		ClusterIndex: 0,
		Groups:       []Group{{CanonicalName: "summit", Members: []string{"text one"}, LifecycleStage: "execution"}},
	}})

	calls := 0
	a := newTestArbiter(t, func(int) (int, string) {
		calls++
		return 200, bad
	})
	outcomes, err := a.Arbitrate(context.Background(), []Input{input})
	if err != nil {
		t.Fatalf("Arbitrate failed: %v", err)
	}
	if outcomes[0].Kind != FallbackMerged {
		t.Fatalf("outcome = %s, want fallback_merged", outcomes[0].Kind)
	}
	if calls < 2 {
		t.Errorf("expected bounded retries before fallback, got %d calls", calls)
	}
	got := outcomes[0].Groups
	if len(got) != 1 || len(got[0].Members) != 2 {
		t.Errorf("fallback must merge the whole cluster, got %+v", got)
	}
	if outcomes[0].Reason == "" {
		t.Error("fallback outcome should carry a reason")
	}
}

func TestArbitrateInvalidJSONFallsBack(t *testing.T) {
	input := Input{ClusterID: 4, Name: "x", MemberTexts: []string{"a", "b"}}
	a := newTestArbiter(t, func(int) (int, string) { return 200, "not json at all" })

	outcomes, err := a.Arbitrate(context.Background(), []Input{input})
	if err != nil {
		t.Fatalf("Arbitrate failed: %v", err)
	}
	if outcomes[0].Kind != FallbackMerged {
		t.Errorf("outcome = %s, want fallback_merged", outcomes[0].Kind)
	}
}

func TestArbitrateTransportFailure(t *testing.T) {
	input := Input{ClusterID: 5, Name: "x", MemberTexts: []string{"a", "b"}}
	a := newTestArbiter(t, func(int) (int, string) { return 500, "internal error" })

	outcomes, err := a.Arbitrate(context.Background(), []Input{input})
	if err != nil {
		t.Fatalf("transport failure must not error the batch: %v", err)
	}
	if outcomes[0].Kind != Failed {
		t.Errorf("outcome = %s, want failed", outcomes[0].Kind)
	}
}

func TestArbitrateBatchOrdering(t *testing.T) {
	inputs := []Input{
		{ClusterID: 1, Name: "first", MemberTexts: []string{"a1", "a2"}},
		{ClusterID: 2, Name: "second", MemberTexts: []string{"b1", "b2"}},
	}
	// Verdicts arrive out of order; outcomes must still align with inputs.
	response := verdictJSON([]Verdict{
		{ClusterIndex: 1, Groups: []Group{{CanonicalName: "second event", Members: []string{"b1", "b2"}, LifecycleStage: "execution"}}},
		{ClusterIndex: 0, Groups: []Group{{CanonicalName: "first event", Members: []string{"a1", "a2"}, LifecycleStage: "execution"}}},
	})

	a := newTestArbiter(t, func(int) (int, string) { return 200, response })
	outcomes, err := a.Arbitrate(context.Background(), inputs)
	if err != nil {
		t.Fatalf("Arbitrate failed: %v", err)
	}
	if outcomes[0].Groups[0].CanonicalName != "first event" {
		t.Errorf("outcome 0 = %q, want the first cluster's verdict", outcomes[0].Groups[0].CanonicalName)
	}
	if outcomes[1].Groups[0].CanonicalName != "second event" {
		t.Errorf("outcome 1 = %q, want the second cluster's verdict", outcomes[1].Groups[0].CanonicalName)
	}
}

func TestAutoConfirm(t *testing.T) {
	outcome := AutoConfirm("repeated text", []string{"repeated text", "repeated text"})
	if outcome.Kind != Confirmed {
		t.Fatalf("kind = %s, want confirmed", outcome.Kind)
	}
	if len(outcome.Groups) != 1 || outcome.Groups[0].CanonicalName != "repeated text" {
		t.Errorf("groups = %+v", outcome.Groups)
	}
}

func TestValidateVerdict(t *testing.T) {
	members := []string{"a", "b"}

	cases := []struct {
		name    string
		verdict Verdict
		wantErr bool
	}{
		{
			name: "valid",
			verdict: Verdict{Groups: []Group{
				{CanonicalName: "g1", Members: []string{"a"}},
				{CanonicalName: "g2", Members: []string{"b"}},
			}},
		},
		{
			name:    "dropped member",
			verdict: Verdict{Groups: []Group{{CanonicalName: "g", Members: []string{"a"}}}},
			wantErr: true,
		},
		{
			name:    "duplicated member",
			verdict: Verdict{Groups: []Group{{CanonicalName: "g", Members: []string{"a", "a", "b"}}}},
			wantErr: true,
		},
		{
			name:    "invented member",
			verdict: Verdict{Groups: []Group{{CanonicalName: "g", Members: []string{"a", "b", "c"}}}},
			wantErr: true,
		},
		{
			name:    "no groups",
			verdict: Verdict{},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateVerdict(tc.verdict, members)
			if tc.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseChatFlag(t *testing.T) {
	cfg, err := ParseChatFlag("openrouter/google/gemini-2.0-flash-exp:free")
	if err != nil {
		t.Fatalf("ParseChatFlag failed: %v", err)
	}
	if cfg.Provider != "openrouter" {
		t.Errorf("provider = %q", cfg.Provider)
	}
	if cfg.Model != "google/gemini-2.0-flash-exp:free" {
		t.Errorf("model = %q", cfg.Model)
	}

	if _, err := ParseChatFlag("nomodel"); err == nil {
		t.Error("flag without slash should error")
	}
	if _, err := ParseChatFlag("unknownprov/model"); err == nil {
		t.Error("unknown provider should error")
	}
}
