// Package moderation screens chat messages before they are delivered. A
// message passes through a cascade of tiers (an external classifier, a rule
// engine subprocess and an in-process keyword evaluator) and the first tier
// that reaches a verdict decides. The verdict is then combined with the
// author's offense history into an enforcement.
package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

// Category groups blocklist terms that share a severity and action. When
// Suppressible is set, a safe-context marker in the same message (a joke,
// roleplay, a hypothetical) downgrades a match to SafeSeverity/SafeAction.
//
// Terms match whole words or phrases after normalization. Patterns are
// regular expressions run against the raw text, for entries that are only
// harmful next to a concrete value such as a number or an address.
type Category struct {
	Name         string   `json:"name"`
	Severity     Severity `json:"severity"`
	Action       Action   `json:"action"`
	Suppressible bool     `json:"suppressible,omitempty"`
	SafeSeverity Severity `json:"safe_severity,omitempty"`
	SafeAction   Action   `json:"safe_action,omitempty"`
	Terms        []string `json:"terms"`
	Patterns     []string `json:"patterns,omitempty"`
}

// Category names.
const (
	CategorySevereHarm  = "severe_harm"
	CategoryTrafficking = "trafficking"
	CategoryDoxxing     = "doxxing"
	CategoryHarassment  = "harassment"
	CategorySpam        = "spam"
)

// FlagSafeContext is added to a finding whose severity was downgraded.
const FlagSafeContext = "safe_context"

// DefaultCategories is the built-in blocklist, most severe first.
func DefaultCategories() []Category {
	return []Category{
		{
			Name:     CategorySevereHarm,
			Severity: SeverityCritical,
			Action:   ActionImmediateBanAndIP,
			Terms: []string{
				"kys", "kill yourself", "go kill yourself", "hang yourself",
				"shoot up the school", "school shooting plan", "bomb threat",
				"make a pipe bomb", "i will kill you", "behead",
			},
		},
		{
			Name:     CategoryTrafficking,
			Severity: SeverityCritical,
			Action:   ActionImmediateBanAndIP,
			Terms: []string{
				"child for sale", "kids for sale", "selling kids", "buy a child",
				"underage escort", "trafficking ring", "sell your organs",
				"girls for sale",
			},
		},
		{
			Name:         CategoryDoxxing,
			Severity:     SeverityHigh,
			Action:       ActionEscalate,
			Suppressible: true,
			SafeSeverity: SeverityLow,
			SafeAction:   ActionNone,
			Terms: []string{
				"dox", "doxx", "doxxed", "doxxing", "home address",
				"leaked address",
			},
			Patterns: []string{
				// street number after "lives at"
				`(?i)\b(?:lives|living|stays)\s+at\s+\d+\s+[a-z]`,
				// an SSN-shaped number, labelled or not
				`(?i)\b(?:ssn|social\s+security(?:\s+number)?)\b\D{0,12}\d{3}[- ]?\d{2}[- ]?\d{4}\b`,
				`\b\d{3}-\d{2}-\d{4}\b`,
				`(?i)\bip(?:\s+address)?\s+is\s+\d{1,3}(?:\.\d{1,3}){3}\b`,
				// someone else's full name
				`(?i:\b(?:his|her|their|your)\s+(?:real|legal|full)\s+name\s+is)\s+[A-Z][a-z]+\s+[A-Z][a-z]+`,
			},
		},
		{
			Name:         CategoryHarassment,
			Severity:     SeverityMedium,
			Action:       ActionWarning,
			Suppressible: true,
			SafeSeverity: SeverityLow,
			SafeAction:   ActionNone,
			Terms: []string{
				"idiot", "moron", "loser", "worthless", "pathetic",
				"nobody likes you", "shut up", "go away freak", "you are trash",
			},
		},
	}
}

// DefaultSafeMarkers are phrases that mark a message as non-literal.
var DefaultSafeMarkers = []string{
	"jk", "just kidding", "joking", "joke", "lol", "lmao", "haha",
	"hypothetically", "hypothetical", "roleplay", "rp", "in character",
	"in game", "fictional", "for a story",
}

// severityScores maps a severity to the confidence reported with findings
// produced by keyword matching.
var severityScores = map[Severity]float64{
	SeveritySafe:     0,
	SeverityLow:      0.25,
	SeverityMedium:   0.5,
	SeverityHigh:     0.8,
	SeverityCritical: 1,
}

// Finding is the result of evaluating text against a Filter.
type Finding struct {
	Severity Severity
	Action   Action
	Reason   string
	Term     string
	Flags    []string
	Score    float64
}

// Flagged reports whether anything matched.
func (f Finding) Flagged() bool {
	return f.Severity != SeveritySafe
}

type compiledCategory struct {
	Category
	words    map[string]struct{}
	phrases  []string
	patterns []*regexp.Regexp
}

// Filter matches text against categorized blocklists. It is read-only after
// construction and safe for concurrent use.
type Filter struct {
	categories []compiledCategory
	markers    compiledCategory
	spam       bool
}

// FilterOption customizes a Filter.
type FilterOption func(*Filter)

// WithoutSpamChecks disables URL, phone and flood detection.
func WithoutSpamChecks() FilterOption {
	return func(f *Filter) { f.spam = false }
}

// WithSafeMarkers replaces the safe-context marker list.
func WithSafeMarkers(markers []string) FilterOption {
	return func(f *Filter) { f.markers = compile(Category{Terms: markers}) }
}

// NewFilter returns a Filter loaded with DefaultCategories.
func NewFilter(opts ...FilterOption) *Filter {
	return NewFilterWithCategories(DefaultCategories(), opts...)
}

// NewFilterWithCategories returns a Filter over the given categories. Order
// only breaks ties between categories of equal severity. It panics if a
// category pattern does not compile.
func NewFilterWithCategories(categories []Category, opts ...FilterOption) *Filter {
	f := &Filter{
		markers: compile(Category{Terms: DefaultSafeMarkers}),
		spam:    true,
	}
	for _, c := range categories {
		f.categories = append(f.categories, compile(c))
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// compile splits a category's terms into single words and multi-word
// phrases, both normalized to lowercase token form, and compiles its
// patterns.
func compile(c Category) compiledCategory {
	cc := compiledCategory{Category: c, words: make(map[string]struct{})}
	for _, p := range c.Patterns {
		cc.patterns = append(cc.patterns, regexp.MustCompile(p))
	}
	for _, term := range c.Terms {
		tokens := tokenizePlain(term)
		switch len(tokens) {
		case 0:
		case 1:
			cc.words[tokens[0]] = struct{}{}
		default:
			cc.phrases = append(cc.phrases, strings.Join(tokens, " "))
		}
	}
	return cc
}

// Evaluate matches text against every category and returns the most severe
// finding. Safe-context markers downgrade suppressible categories only.
// Spam heuristics are consulted when no category matched.
func (f *Filter) Evaluate(text string) Finding {
	views := textViews(text)
	safe := f.markers.match(text, views) != ""

	var (
		best    Finding
		matched bool
		flags   []string
	)
	for _, c := range f.categories {
		term := c.match(text, views)
		if term == "" {
			continue
		}
		flags = append(flags, c.Name)

		cand := Finding{
			Severity: c.Severity,
			Action:   c.Action,
			Reason:   c.Name,
			Term:     term,
		}
		if cand.Action == "" {
			cand.Action = defaultAction(cand.Severity)
		}
		if safe && c.Suppressible {
			cand.Severity = c.SafeSeverity
			cand.Action = c.SafeAction
			if cand.Action == "" {
				cand.Action = defaultAction(cand.Severity)
			}
		}
		if !matched || cand.Severity.Above(best.Severity) {
			best = cand
			matched = true
		}
	}

	if matched {
		if safe && !containsFlag(flags, FlagSafeContext) {
			flags = append(flags, FlagSafeContext)
		}
		best.Flags = flags
		best.Score = severityScores[best.Severity]
		return best
	}

	if f.spam {
		if finding, ok := detectSpam(text); ok {
			return finding
		}
	}

	return Finding{Severity: SeveritySafe, Action: ActionNone}
}

// match returns the first term of c found in any view, or the text matched
// by the first pattern that fires, or "".
func (c *compiledCategory) match(text string, views []textView) string {
	for _, v := range views {
		for _, tok := range v.tokens {
			if _, ok := c.words[tok]; ok {
				return tok
			}
		}
		for _, p := range c.phrases {
			if strings.Contains(v.joined, " "+p+" ") {
				return p
			}
		}
	}
	for _, re := range c.patterns {
		if m := re.FindString(text); m != "" {
			return strings.ToLower(strings.TrimSpace(m))
		}
	}
	return ""
}

// textView is one tokenization of the input, with the tokens also joined
// and space-padded for phrase lookups.
type textView struct {
	tokens []string
	joined string
}

func newView(tokens []string) textView {
	return textView{tokens: tokens, joined: " " + strings.Join(tokens, " ") + " "}
}

// textViews returns the plain view and, when it differs, the leet-decoded
// view of text.
func textViews(text string) []textView {
	plain := tokenizePlain(text)
	leet := tokenizeLeet(text)
	views := []textView{newView(plain)}
	if strings.Join(plain, " ") != strings.Join(leet, " ") {
		views = append(views, newView(leet))
	}
	return views
}

// leetMap folds common character substitutions back to letters.
var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// normalizeLeet lowercases text and replaces leet substitutions.
func normalizeLeet(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if m, ok := leetMap[r]; ok {
			r = m
		}
		b.WriteRune(r)
	}
	return b.String()
}

// tokenizePlain lowercases text and splits it on anything that is not a
// letter or digit.
func tokenizePlain(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// tokenizeLeet decodes leet substitutions before splitting, so "1d10t"
// yields "idiot".
func tokenizeLeet(text string) []string {
	return tokenizePlain(normalizeLeet(text))
}

func containsFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}
