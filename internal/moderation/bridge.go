package moderation

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hearth/gateway/internal/metrics"
)

var (
	// ErrBridgeClosed is returned for requests outstanding when the rule
	// engine exits, and for every request after Close.
	ErrBridgeClosed = errors.New("moderation: rule engine closed")

	// ErrBridgeUnavailable is returned while the rule engine is restarting.
	ErrBridgeUnavailable = errors.New("moderation: rule engine unavailable")

	// ErrBridgeTimeout is returned when the rule engine does not answer in time.
	ErrBridgeTimeout = errors.New("moderation: rule engine timed out")

	// ErrBridgeBusy is returned when the request queue is full.
	ErrBridgeBusy = errors.New("moderation: rule engine queue full")
)

// Bridge defaults.
const (
	DefaultRuleTimeout    = 3 * time.Second
	DefaultRespawnBackoff = 2 * time.Second
	defaultQueueSize      = 1024
)

// BridgeConfig configures the rule engine subprocess.
type BridgeConfig struct {
	Command        string
	Args           []string
	Env            []string // appended to the parent environment
	Timeout        time.Duration
	RespawnBackoff time.Duration
	QueueSize      int
}

type bridgeResult struct {
	resp RuleResponse
	err  error
}

// bridgeProcess is one incarnation of the rule engine.
type bridgeProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	exited chan struct{}
}

// RuleBridge is the second tier of the cascade. It keeps a rule engine
// subprocess running and exchanges newline-delimited JSON with it. Every
// request carries a unique id and the engine echoes it back, so answers
// may arrive in any order. Unanswered requests are evicted after the
// per-request timeout; answers that arrive later are discarded.
type RuleBridge struct {
	config BridgeConfig
	logger zerolog.Logger

	mu       sync.Mutex
	pending  map[string]chan bridgeResult
	requests chan []byte
	proc     *bridgeProcess
	running  bool
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRuleBridge creates a RuleBridge. Call Start to launch the engine.
func NewRuleBridge(config BridgeConfig, logger zerolog.Logger) *RuleBridge {
	if config.Timeout <= 0 {
		config.Timeout = DefaultRuleTimeout
	}
	if config.RespawnBackoff < 0 {
		config.RespawnBackoff = DefaultRespawnBackoff
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaultQueueSize
	}
	return &RuleBridge{
		config:  config,
		logger:  logger,
		pending: make(map[string]chan bridgeResult),
		done:    make(chan struct{}),
	}
}

// Start launches the rule engine and supervises it until Close. If the
// engine exits it is respawned after RespawnBackoff.
func (b *RuleBridge) Start() error {
	proc, err := b.spawn()
	if err != nil {
		return err
	}
	b.wg.Add(1)
	go b.supervise(proc)
	return nil
}

// Running reports whether an engine process is currently accepting requests.
func (b *RuleBridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Name implements Tier.
func (b *RuleBridge) Name() string { return TierRules }

// Evaluate implements Tier. Any bridge failure yields NoVerdict.
func (b *RuleBridge) Evaluate(ctx context.Context, in Input) Outcome {
	resp, err := b.Request(ctx, in)
	if err != nil {
		b.logger.Warn().Err(err).Str("user_id", in.UserID).Msg("rule engine gave no verdict")
		return NoVerdict()
	}
	if resp.Error != "" {
		b.logger.Warn().Str("error", resp.Error).Str("user_id", in.UserID).Msg("rule engine reported an error")
		return NoVerdict()
	}

	severity := ParseSeverity(resp.Severity)
	action := ParseAction(resp.Action)
	if resp.Action == "" {
		action = defaultAction(severity)
	}
	reason := resp.Reason
	if reason == "" {
		reason = "no policy match"
	}
	return Decided(Verdict{
		Severity: severity,
		Reason:   reason,
		Action:   action,
		Tier:     TierRules,
		Flags:    resp.Flags,
		Score:    resp.Score,
	})
}

// Request sends one message to the rule engine and waits for the matching
// answer, the per-request timeout, or ctx, whichever comes first.
func (b *RuleBridge) Request(ctx context.Context, in Input) (RuleResponse, error) {
	id := uuid.NewString()
	line, err := json.Marshal(RuleRequest{ID: id, UserID: in.UserID, Content: in.Content})
	if err != nil {
		return RuleResponse{}, fmt.Errorf("moderation: encode rule request: %w", err)
	}
	line = append(line, '\n')

	ch := make(chan bridgeResult, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return RuleResponse{}, ErrBridgeClosed
	}
	if !b.running {
		b.mu.Unlock()
		return RuleResponse{}, ErrBridgeUnavailable
	}
	requests := b.requests
	b.pending[id] = ch
	b.mu.Unlock()

	select {
	case requests <- line:
	default:
		b.forget(id)
		return RuleResponse{}, ErrBridgeBusy
	}

	timer := time.NewTimer(b.config.Timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-timer.C:
		b.forget(id)
		return RuleResponse{}, ErrBridgeTimeout
	case <-ctx.Done():
		b.forget(id)
		return RuleResponse{}, ctx.Err()
	}
}

// Pending returns the number of requests awaiting an answer.
func (b *RuleBridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close stops the engine and disables respawning. Outstanding requests fail
// with ErrBridgeClosed.
func (b *RuleBridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	proc := b.proc
	b.mu.Unlock()

	close(b.done)
	if proc != nil && proc.cmd.Process != nil {
		_ = proc.cmd.Process.Kill()
	}
	b.wg.Wait()
	return nil
}

func (b *RuleBridge) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *RuleBridge) spawn() (*bridgeProcess, error) {
	cmd := exec.Command(b.config.Command, b.config.Args...)
	cmd.Env = append(os.Environ(), b.config.Env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("moderation: rule engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("moderation: rule engine stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("moderation: start rule engine %s: %w", b.config.Command, err)
	}

	proc := &bridgeProcess{cmd: cmd, stdin: stdin, stdout: stdout, exited: make(chan struct{})}
	requests := make(chan []byte, b.config.QueueSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, ErrBridgeClosed
	}
	b.proc = proc
	b.requests = requests
	b.running = true
	b.mu.Unlock()

	go b.writeLoop(proc, requests)

	b.logger.Info().Int("pid", cmd.Process.Pid).Str("command", b.config.Command).Msg("rule engine started")
	return proc, nil
}

// writeLoop feeds queued requests to the engine's stdin until it exits.
func (b *RuleBridge) writeLoop(proc *bridgeProcess, requests <-chan []byte) {
	for {
		select {
		case line := <-requests:
			if _, err := proc.stdin.Write(line); err != nil {
				b.logger.Warn().Err(err).Msg("rule engine write failed")
				return
			}
		case <-proc.exited:
			return
		}
	}
}

// supervise serves proc until it exits, then respawns until Close.
func (b *RuleBridge) supervise(proc *bridgeProcess) {
	defer b.wg.Done()

	for {
		b.serve(proc)

		for {
			select {
			case <-b.done:
				return
			case <-time.After(b.config.RespawnBackoff):
			}

			next, err := b.spawn()
			if errors.Is(err, ErrBridgeClosed) {
				return
			}
			if err != nil {
				b.logger.Error().Err(err).Msg("rule engine respawn failed")
				continue
			}
			metrics.RuleEngineRestarts.Inc()
			proc = next
			break
		}
	}
}

// serve reads answers until the engine closes stdout, then reaps the
// process and fails everything still pending.
func (b *RuleBridge) serve(proc *bridgeProcess) {
	scanner := bufio.NewScanner(proc.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		b.resolve(line)
	}
	if err := scanner.Err(); err != nil {
		b.logger.Warn().Err(err).Msg("rule engine read failed")
	}

	waitErr := proc.cmd.Wait()
	close(proc.exited)
	_ = proc.stdin.Close()

	b.mu.Lock()
	b.running = false
	b.proc = nil
	pending := b.pending
	b.pending = make(map[string]chan bridgeResult)
	closed := b.closed
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- bridgeResult{err: ErrBridgeClosed}
	}

	if !closed {
		b.logger.Error().Err(waitErr).Int("pending", len(pending)).Msg("rule engine exited")
	}
}

func (b *RuleBridge) resolve(line []byte) {
	var resp RuleResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		b.logger.Warn().Err(err).Msg("malformed rule engine output")
		return
	}

	b.mu.Lock()
	ch, ok := b.pending[resp.ID]
	delete(b.pending, resp.ID)
	b.mu.Unlock()

	if !ok {
		b.logger.Debug().Str("id", resp.ID).Msg("discarding late rule engine answer")
		return
	}
	ch <- bridgeResult{resp: resp}
}
