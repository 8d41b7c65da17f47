package moderation

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const (
	helperEnv     = "HEARTH_RULE_ENGINE_HELPER"
	helperModeEnv = "HEARTH_RULE_ENGINE_MODE"
)

// TestHelperRuleEngine is not a real test. The bridge tests re-exec the test
// binary with helperEnv set so this function acts as the rule engine.
func TestHelperRuleEngine(t *testing.T) {
	if os.Getenv(helperEnv) == "" {
		return
	}
	runHelperEngine(os.Getenv(helperModeEnv))
	os.Exit(0)
}

func runHelperEngine(mode string) {
	if mode == "exit" {
		os.Exit(0)
	}
	filter := NewFilter()
	scanner := bufio.NewScanner(os.Stdin)
	out := json.NewEncoder(os.Stdout)

	answer := func(req RuleRequest) {
		f := filter.Evaluate(req.Content)
		_ = out.Encode(RuleResponse{
			ID:       req.ID,
			Severity: string(f.Severity),
			Reason:   f.Reason,
			Action:   string(f.Action),
			Score:    f.Score,
			Flags:    f.Flags,
		})
	}

	var held []RuleRequest
	for scanner.Scan() {
		var req RuleRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		switch mode {
		case "silent":
		case "crash":
			os.Exit(3)
		case "late":
			time.Sleep(300 * time.Millisecond)
			answer(req)
		case "reverse":
			// Hold requests in pairs and answer the second one first.
			held = append(held, req)
			if len(held) == 2 {
				answer(held[1])
				answer(held[0])
				held = nil
			}
		default:
			answer(req)
		}
	}
}

func startHelperBridge(t *testing.T, mode string, timeout, backoff time.Duration) *RuleBridge {
	t.Helper()
	b := NewRuleBridge(BridgeConfig{
		Command:        os.Args[0],
		Args:           []string{"-test.run=^TestHelperRuleEngine$"},
		Env:            []string{helperEnv + "=1", helperModeEnv + "=" + mode},
		Timeout:        timeout,
		RespawnBackoff: backoff,
	}, zerolog.Nop())
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func waitFor(t *testing.T, cond func() bool, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRuleBridge_Evaluate(t *testing.T) {
	b := startHelperBridge(t, "echo", 5*time.Second, time.Second)

	v, ok := b.Evaluate(context.Background(), Input{UserID: "u1", Content: "kids for sale"}).Verdict()
	if !ok {
		t.Fatal("expected a verdict")
	}
	if v.Tier != TierRules || v.Severity != SeverityCritical || v.Action != ActionImmediateBanAndIP {
		t.Errorf("unexpected verdict %+v", v)
	}

	v, ok = b.Evaluate(context.Background(), Input{UserID: "u1", Content: "good morning"}).Verdict()
	if !ok || v.Severity != SeveritySafe {
		t.Errorf("expected safe verdict, got %+v %v", v, ok)
	}
	if b.Pending() != 0 {
		t.Errorf("pending = %d, want 0", b.Pending())
	}
}

func TestRuleBridge_OutOfOrderAnswers(t *testing.T) {
	b := startHelperBridge(t, "reverse", 5*time.Second, time.Second)

	type result struct {
		content string
		resp    RuleResponse
		err     error
	}
	results := make(chan result, 2)
	for _, content := range []string{"you idiot", "hello there"} {
		content := content
		go func() {
			resp, err := b.Request(context.Background(), Input{Content: content})
			results <- result{content, resp, err}
		}()
	}

	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("Request(%q): %v", r.content, r.err)
		}
		want := string(SeveritySafe)
		if r.content == "you idiot" {
			want = string(SeverityMedium)
		}
		if r.resp.Severity != want {
			t.Errorf("Request(%q) severity = %s, want %s", r.content, r.resp.Severity, want)
		}
	}
}

func TestRuleBridge_TimeoutEvictsAndDiscardsLate(t *testing.T) {
	b := startHelperBridge(t, "late", 100*time.Millisecond, time.Second)

	start := time.Now()
	_, err := b.Request(context.Background(), Input{Content: "hello"})
	if !errors.Is(err, ErrBridgeTimeout) {
		t.Fatalf("err = %v, want ErrBridgeTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("request took %v", elapsed)
	}
	if b.Pending() != 0 {
		t.Errorf("timed-out request still pending")
	}

	// The late answer arrives and is dropped without disturbing the bridge.
	time.Sleep(400 * time.Millisecond)
	if !b.Running() {
		t.Error("bridge should still be running")
	}
}

func TestRuleBridge_ContextCancel(t *testing.T) {
	b := startHelperBridge(t, "silent", 5*time.Second, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := b.Request(ctx, Input{Content: "x"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if b.Pending() != 0 {
		t.Errorf("cancelled request still pending")
	}
}

func TestRuleBridge_ExitRejectsPendingAndRespawns(t *testing.T) {
	b := startHelperBridge(t, "crash", 5*time.Second, 50*time.Millisecond)

	_, err := b.Request(context.Background(), Input{Content: "x"})
	if !errors.Is(err, ErrBridgeClosed) {
		t.Fatalf("err = %v, want ErrBridgeClosed", err)
	}

	// The crashed engine comes back after the backoff.
	waitFor(t, b.Running, 5*time.Second)
}

func TestRuleBridge_Close(t *testing.T) {
	b := startHelperBridge(t, "silent", 5*time.Second, 50*time.Millisecond)

	errs := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), Input{Content: "x"})
		errs <- err
	}()
	waitFor(t, func() bool { return b.Pending() == 1 }, 2*time.Second)

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := <-errs; !errors.Is(err, ErrBridgeClosed) {
		t.Errorf("pending err = %v, want ErrBridgeClosed", err)
	}
	if _, err := b.Request(context.Background(), Input{Content: "x"}); !errors.Is(err, ErrBridgeClosed) {
		t.Errorf("err after close = %v, want ErrBridgeClosed", err)
	}
	if b.Running() {
		t.Error("bridge must not respawn after Close")
	}
	if _, ok := b.Evaluate(context.Background(), Input{Content: "x"}).Verdict(); ok {
		t.Error("closed bridge must yield no verdict")
	}
}

func TestRuleBridge_StartFailure(t *testing.T) {
	b := NewRuleBridge(BridgeConfig{Command: "/nonexistent/rulesengine"}, zerolog.Nop())
	if err := b.Start(); err == nil {
		b.Close()
		t.Fatal("expected start error")
	}
	if _, ok := b.Evaluate(context.Background(), Input{Content: "x"}).Verdict(); ok {
		t.Error("unstarted bridge must yield no verdict")
	}
}
