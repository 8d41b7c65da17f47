package moderation

import "context"

// Severity grades how harmful a message is.
type Severity string

const (
	SeveritySafe     Severity = "safe"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Above reports whether s is strictly more severe than other.
func (s Severity) Above(other Severity) bool {
	return s.rank() > other.rank()
}

// ParseSeverity maps free-form input onto a Severity; unknown values are safe.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	default:
		return SeveritySafe
	}
}

// Action is the enforcement recommended by a tier.
type Action string

const (
	ActionNone              Action = "none"
	ActionWarning           Action = "warning"
	ActionAccountRiskFlag   Action = "account_risk_flag"
	ActionEscalate          Action = "escalate"
	ActionImmediateBanAndIP Action = "immediate_ban_and_ip_ban"
)

// ParseAction maps free-form input onto an Action; unknown values are none.
func ParseAction(s string) Action {
	switch Action(s) {
	case ActionWarning, ActionAccountRiskFlag, ActionEscalate, ActionImmediateBanAndIP:
		return Action(s)
	default:
		return ActionNone
	}
}

// defaultAction is used when a tier reports a severity without an action.
func defaultAction(s Severity) Action {
	switch s {
	case SeverityCritical:
		return ActionImmediateBanAndIP
	case SeverityHigh:
		return ActionEscalate
	case SeverityMedium:
		return ActionWarning
	default:
		return ActionNone
	}
}

// Tier names.
const (
	TierClassifier = "classifier"
	TierRules      = "rules"
	TierFallback   = "fallback"
)

// Verdict is the outcome of moderating one message.
type Verdict struct {
	Severity          Severity `json:"severity"`
	Reason            string   `json:"reason"`
	Action            Action   `json:"action"`
	Approved          bool     `json:"approved"`
	PriorOffenseCount int      `json:"prior_offense_count"`
	Tier              string   `json:"tier"`
	Flags             []string `json:"flags,omitempty"`
	Score             float64  `json:"score"`
}

// Outcome is what a single tier returns: either a decided Verdict or no
// verdict, in which case the pipeline moves on to the next tier.
type Outcome struct {
	verdict *Verdict
}

// Decided wraps a verdict.
func Decided(v Verdict) Outcome {
	return Outcome{verdict: &v}
}

// NoVerdict tells the pipeline to try the next tier.
func NoVerdict() Outcome {
	return Outcome{}
}

// Verdict returns the decided verdict, if any.
func (o Outcome) Verdict() (Verdict, bool) {
	if o.verdict == nil {
		return Verdict{}, false
	}
	return *o.verdict, true
}

// Input is a message submitted for moderation.
type Input struct {
	UserID    string `json:"user_id"`
	GuildID   string `json:"guild_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	Content   string `json:"content"`
}

// Tier is one stage of the moderation cascade.
type Tier interface {
	Name() string
	Evaluate(ctx context.Context, in Input) Outcome
}

// EnforcementType is the concrete measure applied to a user.
type EnforcementType string

const (
	EnforceNone              EnforcementType = "none"
	EnforceWarning           EnforcementType = "warning"
	EnforceAccountRiskFlag   EnforcementType = "account_risk_flag"
	EnforceMute              EnforcementType = "mute"
	EnforceTempBan           EnforcementType = "temp_ban"
	EnforcePermanentBan      EnforcementType = "permanent_ban"
	EnforcePermanentBanAndIP EnforcementType = "permanent_ban_ip_ban"
)

// Enforcement is the measure derived from a verdict. Duration is in
// milliseconds and only set for time-boxed measures.
type Enforcement struct {
	Type     EnforcementType `json:"type"`
	Duration int64           `json:"duration,omitempty"`
}

// Bans reports whether the enforcement bans the user.
func (e Enforcement) Bans() bool {
	switch e.Type {
	case EnforceTempBan, EnforcePermanentBan, EnforcePermanentBanAndIP:
		return true
	}
	return false
}

// Decision is the pipeline result handed to the message handler.
type Decision struct {
	Verdict     Verdict     `json:"verdict"`
	Enforcement Enforcement `json:"enforcement"`
}

// RuleRequest is one line written to the rule engine's stdin.
type RuleRequest struct {
	ID      string `json:"id"`
	UserID  string `json:"user_id,omitempty"`
	Content string `json:"content"`
}

// RuleResponse is one line read from the rule engine's stdout.
type RuleResponse struct {
	ID       string   `json:"id"`
	Severity string   `json:"severity"`
	Reason   string   `json:"reason,omitempty"`
	Action   string   `json:"action,omitempty"`
	Score    float64  `json:"score,omitempty"`
	Flags    []string `json:"flags,omitempty"`
	Error    string   `json:"error,omitempty"`
}
