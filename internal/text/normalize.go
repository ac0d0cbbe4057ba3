package text

import (
	"maps"
	"regexp"
	"slices"
	"strings"
)

// Typographic characters folded by Normalizer.
const (
	emDash       = "—"
	enDash       = "–"
	figureDash   = "‒"
	ellipsis     = "..."
	ellipsisChar = "…"
)

const (
	// tokenPattern matches URLs and email addresses.
	tokenPattern  = `https?://\S+|[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`
	numberPattern = `\d+(?:\.\d+)?`
	placeholder   = "\x00"
)

// abbreviations maps an abbreviation, without its period, to its expansion.
var abbreviations = map[string]string{
	"Mr":   "Mister",
	"Mrs":  "Missus",
	"Ms":   "Miss",
	"Dr":   "Doctor",
	"St":   "Saint",
	"Co":   "Company",
	"Ltd":  "Limited",
	"Corp": "Corporation",
	"Inc":  "Incorporated",
}

var (
	tokenRegexp  = regexp.MustCompile(tokenPattern)
	numberRegexp = regexp.MustCompile(numberPattern)
)

// abbreviationRegexp matches whole words only, so "TeleCo." is left alone.
var abbreviationRegexp = regexp.MustCompile(
	`\b(` + strings.Join(slices.Sorted(maps.Keys(abbreviations)), "|") + `)\.`,
)

// Normalizer folds typographic punctuation to ASCII so that engines trained
// on plain text see consistent input. Optionally it expands abbreviations and
// spells out numbers; URLs and email addresses are left as they are.
type Normalizer struct {
	typography    *strings.Replacer
	abbreviations bool
	spellNumbers  bool
}

// NormalizerOption configures a Normalizer.
type NormalizerOption func(*Normalizer)

// WithAbbreviations expands common English abbreviations such as "Dr.".
// Expanding them also keeps their periods from ending a sentence.
func WithAbbreviations() NormalizerOption {
	return func(n *Normalizer) {
		n.abbreviations = true
	}
}

// WithSpelledNumbers spells out integers up to 999999 and simple decimals.
func WithSpelledNumbers() NormalizerOption {
	return func(n *Normalizer) {
		n.spellNumbers = true
	}
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(opts ...NormalizerOption) *Normalizer {
	normalizer := &Normalizer{
		typography: strings.NewReplacer(
			emDash, "-",
			enDash, "-",
			figureDash, "-",
			ellipsisChar, ellipsis,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
			" ", " ",
		),
	}

	for _, opt := range opts {
		opt(normalizer)
	}

	return normalizer
}

// Normalize returns input with typographic punctuation folded and whitespace
// normalized.
func (n *Normalizer) Normalize(input string) string {
	output := n.typography.Replace(input)

	if n.abbreviations || n.spellNumbers {
		var tokens []string

		output, tokens = protectTokens(output)

		if n.abbreviations {
			output = abbreviationRegexp.ReplaceAllStringFunc(output, expandAbbreviation)
		}

		if n.spellNumbers {
			output = numberRegexp.ReplaceAllStringFunc(output, spellNumber)
		}

		output = restoreTokens(output, tokens)
	}

	return NormalizeWhitespace(output)
}

func expandAbbreviation(match string) string {
	return abbreviations[strings.TrimSuffix(match, ".")]
}

// protectTokens swaps URLs and emails for a placeholder that no later
// rewrite matches. Tokens are returned in order of appearance.
func protectTokens(input string) (string, []string) {
	input = strings.ReplaceAll(input, placeholder, "")
	tokens := tokenRegexp.FindAllString(input, -1)

	return tokenRegexp.ReplaceAllLiteralString(input, placeholder), tokens
}

func restoreTokens(input string, tokens []string) string {
	var builder strings.Builder

	for index, part := range strings.Split(input, placeholder) {
		if index > 0 && index <= len(tokens) {
			builder.WriteString(tokens[index-1])
		}

		builder.WriteString(part)
	}

	return builder.String()
}
