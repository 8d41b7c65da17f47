package moderation

import "context"

// Fallback is the last tier of the cascade. It runs the keyword Filter in
// process and always reaches a verdict, so the pipeline never ends without
// one.
type Fallback struct {
	filter *Filter
}

// NewFallback returns a fallback tier over filter. A nil filter uses the
// default categories without spam checks.
func NewFallback(filter *Filter) *Fallback {
	if filter == nil {
		filter = NewFilter(WithoutSpamChecks())
	}
	return &Fallback{filter: filter}
}

// Name implements Tier.
func (f *Fallback) Name() string { return TierFallback }

// Evaluate implements Tier.
func (f *Fallback) Evaluate(_ context.Context, in Input) Outcome {
	return Decided(f.filter.Evaluate(in.Content).verdict(TierFallback))
}

func (f Finding) verdict(tier string) Verdict {
	reason := f.Reason
	if reason == "" {
		reason = "no policy match"
	}
	return Verdict{
		Severity: f.Severity,
		Reason:   reason,
		Action:   f.Action,
		Tier:     tier,
		Flags:    f.Flags,
		Score:    f.Score,
	}
}
