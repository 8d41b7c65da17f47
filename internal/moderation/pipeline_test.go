package moderation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// stubTier returns a fixed outcome and counts its calls.
type stubTier struct {
	name    string
	outcome Outcome
	delay   time.Duration
	calls   atomic.Int32
}

func (s *stubTier) Name() string { return s.name }

func (s *stubTier) Evaluate(ctx context.Context, _ Input) Outcome {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	return s.outcome
}

func TestPipeline_ShortCircuitsOnCleanClassifier(t *testing.T) {
	classifier := &stubTier{name: TierClassifier, outcome: Decided(Verdict{Severity: SeveritySafe, Action: ActionNone})}
	rules := &stubTier{name: TierRules, outcome: Decided(Verdict{Severity: SeverityCritical, Action: ActionImmediateBanAndIP})}
	p := NewPipeline([]Tier{classifier, rules}, nil, zerolog.Nop())

	d := p.Moderate(context.Background(), Input{UserID: "u1", Content: "kids for sale"})
	if !d.Verdict.Approved {
		t.Error("clean classifier verdict should be approved")
	}
	if d.Verdict.Tier != TierClassifier {
		t.Errorf("tier = %q, want classifier", d.Verdict.Tier)
	}
	if rules.calls.Load() != 0 {
		t.Errorf("rules tier called %d times, want 0", rules.calls.Load())
	}
}

func TestPipeline_CascadesToFallback(t *testing.T) {
	classifier := &stubTier{name: TierClassifier, outcome: NoVerdict()}
	rules := &stubTier{name: TierRules, outcome: NoVerdict()}
	p := NewPipeline([]Tier{classifier, rules}, nil, zerolog.Nop())

	d := p.Moderate(context.Background(), Input{UserID: "u1", Content: "kill yourself"})
	if d.Verdict.Tier != TierFallback {
		t.Fatalf("tier = %q, want fallback", d.Verdict.Tier)
	}
	if d.Verdict.Approved || d.Verdict.Severity != SeverityCritical {
		t.Errorf("unexpected verdict %+v", d.Verdict)
	}
	if d.Enforcement.Type != EnforcePermanentBanAndIP {
		t.Errorf("enforcement = %s, want permanent_ban_ip_ban", d.Enforcement.Type)
	}
	if classifier.calls.Load() != 1 || rules.calls.Load() != 1 {
		t.Error("each tier should be consulted once")
	}
}

func TestPipeline_CompletesWithinTierTimeouts(t *testing.T) {
	// A classifier that hangs and a rule engine that never answers.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)

	classifier := NewClassifier(ClassifierConfig{URL: srv.URL, Timeout: 100 * time.Millisecond}, srv.Client(), zerolog.Nop())
	rules := startHelperBridge(t, "silent", 150*time.Millisecond, time.Second)
	p := NewPipeline([]Tier{classifier, rules}, nil, zerolog.Nop())

	start := time.Now()
	d := p.Moderate(context.Background(), Input{UserID: "u1", Content: "hello"})
	elapsed := time.Since(start)

	if d.Verdict.Tier != TierFallback || !d.Verdict.Approved {
		t.Errorf("unexpected verdict %+v", d.Verdict)
	}
	// Bounded by the sum of both tier timeouts plus scheduling slack.
	if elapsed > 250*time.Millisecond+500*time.Millisecond {
		t.Errorf("moderation took %v", elapsed)
	}
}

func TestPipeline_ExitedRuleEngineFallsThroughImmediately(t *testing.T) {
	// The engine exits on start and is not respawned within the test.
	rules := startHelperBridge(t, "exit", 5*time.Second, time.Minute)
	waitFor(t, func() bool { return !rules.Running() }, 5*time.Second)

	if _, err := rules.Request(context.Background(), Input{Content: "x"}); !errors.Is(err, ErrBridgeUnavailable) {
		t.Fatalf("err = %v, want ErrBridgeUnavailable", err)
	}

	p := NewPipeline([]Tier{rules}, nil, zerolog.Nop())
	start := time.Now()
	d := p.Moderate(context.Background(), Input{UserID: "u1", Content: "kill yourself"})
	elapsed := time.Since(start)

	if d.Verdict.Tier != TierFallback || d.Verdict.Severity != SeverityCritical {
		t.Errorf("unexpected verdict %+v", d.Verdict)
	}
	// Well under the 5s rule timeout: no wait on a dead engine.
	if elapsed > time.Second {
		t.Errorf("moderation took %v", elapsed)
	}
}

func TestPipeline_EscalationUsesPriorOffenses(t *testing.T) {
	escalate := &stubTier{name: TierRules, outcome: Decided(Verdict{Severity: SeverityHigh, Action: ActionEscalate})}
	p := NewPipeline([]Tier{escalate}, NewMemoryCounter(), zerolog.Nop())

	want := []Enforcement{
		{Type: EnforceMute, Duration: 3600000},
		{Type: EnforceTempBan, Duration: 86400000},
		{Type: EnforceTempBan, Duration: 604800000},
		{Type: EnforcePermanentBan},
	}
	for n, w := range want {
		d := p.Moderate(context.Background(), Input{UserID: "u1", Content: "x"})
		if d.Verdict.PriorOffenseCount != n {
			t.Errorf("message %d: prior = %d, want %d", n, d.Verdict.PriorOffenseCount, n)
		}
		if d.Enforcement != w {
			t.Errorf("message %d: enforcement = %+v, want %+v", n, d.Enforcement, w)
		}
		if d.Verdict.Approved {
			t.Errorf("message %d: escalated verdict must not be approved", n)
		}
	}
}

func TestPipeline_SafeAndLowDoNotCount(t *testing.T) {
	counter := NewMemoryCounter()
	low := &stubTier{name: TierRules, outcome: Decided(Verdict{Severity: SeverityLow, Action: ActionNone})}
	p := NewPipeline([]Tier{low}, counter, zerolog.Nop())

	for i := 0; i < 5; i++ {
		p.Moderate(context.Background(), Input{UserID: "u1", Content: "x"})
	}
	if got := counter.Offenses(context.Background(), "u1"); got != 0 {
		t.Errorf("offenses = %d, want 0", got)
	}
}

func TestPipeline_ThirdWarningEscalates(t *testing.T) {
	counter := NewMemoryCounter()
	warn := &stubTier{name: TierRules, outcome: Decided(Verdict{Severity: SeverityMedium, Action: ActionWarning})}
	p := NewPipeline([]Tier{warn}, counter, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d := p.Moderate(ctx, Input{UserID: "u1", Content: "x"})
		if d.Enforcement.Type != EnforceWarning || !d.Verdict.Approved {
			t.Fatalf("warning %d: got %+v", i+1, d)
		}
	}

	d := p.Moderate(ctx, Input{UserID: "u1", Content: "x"})
	if d.Verdict.Action != ActionEscalate || d.Verdict.Approved {
		t.Fatalf("third warning should escalate, got %+v", d.Verdict)
	}
	if !containsFlag(d.Verdict.Flags, FlagRepeatedWarnings) {
		t.Errorf("flags = %v", d.Verdict.Flags)
	}
	// Two prior warnings were offenses, so the ladder starts at a 7 day ban.
	if d.Enforcement.Type != EnforceTempBan || d.Enforcement.Duration != 604800000 {
		t.Errorf("enforcement = %+v", d.Enforcement)
	}

	// The warning counter starts over.
	d = p.Moderate(ctx, Input{UserID: "u1", Content: "x"})
	if d.Enforcement.Type != EnforceWarning {
		t.Errorf("fourth warning enforcement = %s, want warning", d.Enforcement.Type)
	}
}

func TestPipeline_SafeContextDoxxingNotCritical(t *testing.T) {
	p := NewPipeline(nil, nil, zerolog.Nop())

	d := p.Moderate(context.Background(), Input{UserID: "u1", Content: "lol I'll post your home address jk"})
	if d.Verdict.Severity == SeverityCritical || d.Verdict.Action == ActionEscalate {
		t.Errorf("safe-context doxxing escalated: %+v", d.Verdict)
	}
	if !d.Verdict.Approved {
		t.Error("suppressed doxxing should be approved")
	}

	d = p.Moderate(context.Background(), Input{UserID: "u2", Content: "I'll post your home address"})
	if d.Verdict.Action != ActionEscalate || d.Verdict.Approved {
		t.Errorf("plain doxxing should escalate: %+v", d.Verdict)
	}
}

func TestNewPipeline_AppendsFallback(t *testing.T) {
	p := NewPipeline([]Tier{&stubTier{name: "x", outcome: NoVerdict()}}, nil, zerolog.Nop())
	if len(p.tiers) != 2 {
		t.Fatalf("tiers = %d, want 2", len(p.tiers))
	}
	if _, ok := p.tiers[1].(*Fallback); !ok {
		t.Errorf("last tier is %T, want *Fallback", p.tiers[1])
	}

	fb := NewFallback(nil)
	p = NewPipeline([]Tier{fb}, nil, zerolog.Nop())
	if len(p.tiers) != 1 {
		t.Errorf("existing fallback should not be duplicated")
	}
}
