package moderation

import (
	"regexp"
	"strings"
)

// Spam signals reported in Finding.Flags after CategorySpam.
const (
	SignalURL       = "url"
	SignalPhone     = "phone"
	SignalCharFlood = "char_flood"
	SignalWordFlood = "word_flood"
)

// Flood thresholds: the longest run of one character, and of one word.
const (
	charFloodRun = 5
	wordFloodRun = 3
)

var (
	// Scheme or www prefixed links, or a bare domain on a common TLD that is
	// followed by a path. Version strings and decimals have no path.
	linkPattern = regexp.MustCompile(`(?i)(?:\b(?:https?://|www\.)\S+|\b[\w-]+(?:\.[\w-]+)*\.(?:com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// At least eight digits in two or three groups, optionally with a
	// country code or a parenthesized area code, standing on its own.
	phoneNumberPattern = regexp.MustCompile(`(?:^|\s)\+?(?:\d{1,3}[-. ]?)?(?:\(\d{2,4}\)|\d{2,4})[-. ]?\d{3,4}[-. ]?\d{3,4}(?:$|[\s?!.,])`)
)

// spamSignals lists the heuristics in reporting order.
var spamSignals = []struct {
	name   string
	detect func(text string) bool
}{
	{SignalURL, linkPattern.MatchString},
	{SignalPhone, phoneNumberPattern.MatchString},
	{SignalCharFlood, func(text string) bool {
		// Whitespace runs are collapsed so spacing alone never counts.
		return longestRun([]rune(strings.Join(strings.Fields(text), " "))) >= charFloodRun
	}},
	{SignalWordFlood, func(text string) bool {
		return longestRun(strings.Fields(strings.ToLower(text))) >= wordFloodRun
	}},
}

// detectSpam reports a low-severity spam finding when any heuristic fires.
// Term is the first signal; Flags carry every signal that fired, and the
// score grows with their number.
func detectSpam(text string) (Finding, bool) {
	var fired []string
	for _, s := range spamSignals {
		if s.detect(text) {
			fired = append(fired, s.name)
		}
	}
	if len(fired) == 0 {
		return Finding{}, false
	}

	score := severityScores[SeverityLow] * float64(len(fired))
	if limit := severityScores[SeverityMedium]; score > limit {
		score = limit
	}
	return Finding{
		Severity: SeverityLow,
		Action:   ActionNone,
		Reason:   CategorySpam,
		Term:     fired[0],
		Flags:    append([]string{CategorySpam}, fired...),
		Score:    score,
	}, true
}

// longestRun returns the length of the longest run of equal adjacent items.
func longestRun[T comparable](items []T) int {
	best, run := 0, 0
	for i, item := range items {
		if i > 0 && item == items[i-1] {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}
