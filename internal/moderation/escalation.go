package moderation

import "time"

// WarningEscalationThreshold is the number of accumulated warnings after
// which a further warning is treated as an escalation.
const WarningEscalationThreshold = 3

// Escalation ladder for repeat offenders.
const (
	firstOffenseMute  = time.Hour
	secondOffenseBan  = 24 * time.Hour
	thirdOffenseBan   = 7 * 24 * time.Hour
	permanentBanAfter = 3
)

// EnforcementFor maps an action and the author's prior offense count to a
// concrete enforcement. Only escalate depends on history:
//
//	0 prior offenses  -> 1h mute
//	1 prior offense   -> 24h ban
//	2 prior offenses  -> 7d ban
//	3 or more         -> permanent ban
func EnforcementFor(action Action, priorOffenses int) Enforcement {
	switch action {
	case ActionImmediateBanAndIP:
		return Enforcement{Type: EnforcePermanentBanAndIP}
	case ActionWarning:
		return Enforcement{Type: EnforceWarning}
	case ActionAccountRiskFlag:
		return Enforcement{Type: EnforceAccountRiskFlag}
	case ActionEscalate:
		switch {
		case priorOffenses >= permanentBanAfter:
			return Enforcement{Type: EnforcePermanentBan}
		case priorOffenses == 2:
			return Enforcement{Type: EnforceTempBan, Duration: thirdOffenseBan.Milliseconds()}
		case priorOffenses == 1:
			return Enforcement{Type: EnforceTempBan, Duration: secondOffenseBan.Milliseconds()}
		default:
			return Enforcement{Type: EnforceMute, Duration: firstOffenseMute.Milliseconds()}
		}
	default:
		return Enforcement{Type: EnforceNone}
	}
}

// Approve reports whether a message with this verdict may be delivered.
// Warnings and risk flags still let the message through.
func Approve(v Verdict) bool {
	if v.Severity == SeverityCritical {
		return false
	}
	switch v.Action {
	case ActionEscalate, ActionImmediateBanAndIP:
		return false
	}
	return true
}

// countsAsOffense reports whether a verdict adds to the author's offense
// history. Safe and low verdicts never do.
func countsAsOffense(v Verdict) bool {
	return v.Severity.Above(SeverityLow)
}
