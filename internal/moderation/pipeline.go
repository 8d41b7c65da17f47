package moderation

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearth/gateway/internal/metrics"
)

// FlagRepeatedWarnings marks a warning that was escalated because the author
// kept accumulating warnings.
const FlagRepeatedWarnings = "repeated_warnings"

// Pipeline runs a message through the tiers in order and stops at the first
// verdict. A Fallback tier is always last, so Moderate never returns without
// a verdict.
type Pipeline struct {
	tiers    []Tier
	offenses OffenseCounter
	logger   zerolog.Logger
}

// NewPipeline creates a Pipeline over tiers. If the last tier is not a
// *Fallback, a default one is appended. A nil offenses counter keeps history
// in process memory.
func NewPipeline(tiers []Tier, offenses OffenseCounter, logger zerolog.Logger) *Pipeline {
	if len(tiers) == 0 {
		tiers = []Tier{NewFallback(nil)}
	} else if _, ok := tiers[len(tiers)-1].(*Fallback); !ok {
		tiers = append(tiers, NewFallback(nil))
	}
	if offenses == nil {
		offenses = NewMemoryCounter()
	}
	return &Pipeline{tiers: tiers, offenses: offenses, logger: logger}
}

// Moderate decides whether in may be delivered and what enforcement its
// author receives. The escalation policy applies the same way whichever
// tier produced the verdict.
func (p *Pipeline) Moderate(ctx context.Context, in Input) Decision {
	start := time.Now()
	defer func() {
		metrics.ModerationLatency.Observe(time.Since(start).Seconds())
	}()

	v := p.evaluate(ctx, in)
	prior := p.offenses.Offenses(ctx, in.UserID)

	if v.Action == ActionWarning {
		if p.offenses.RecordWarning(ctx, in.UserID) >= WarningEscalationThreshold {
			v.Action = ActionEscalate
			v.Flags = append(v.Flags, FlagRepeatedWarnings)
			p.offenses.ResetWarnings(ctx, in.UserID)
		}
	}

	v.PriorOffenseCount = prior
	v.Approved = Approve(v)
	if countsAsOffense(v) {
		p.offenses.RecordOffense(ctx, in.UserID)
	}

	d := Decision{Verdict: v, Enforcement: EnforcementFor(v.Action, prior)}

	metrics.ModerationVerdicts.WithLabelValues(v.Tier, string(v.Severity)).Inc()
	if !v.Approved || d.Enforcement.Type != EnforceNone {
		p.logger.Info().
			Str("user_id", in.UserID).
			Str("tier", v.Tier).
			Str("severity", string(v.Severity)).
			Str("action", string(v.Action)).
			Str("enforcement", string(d.Enforcement.Type)).
			Int("prior_offenses", prior).
			Bool("approved", v.Approved).
			Msg("moderation verdict")
	}
	return d
}

func (p *Pipeline) evaluate(ctx context.Context, in Input) Verdict {
	for _, tier := range p.tiers {
		if v, ok := tier.Evaluate(ctx, in).Verdict(); ok {
			if v.Tier == "" {
				v.Tier = tier.Name()
			}
			return v
		}
		p.logger.Debug().Str("tier", tier.Name()).Msg("no verdict, trying next tier")
	}
	// The trailing Fallback always decides.
	return Verdict{Severity: SeveritySafe, Reason: "no verdict", Action: ActionNone, Tier: TierFallback}
}
