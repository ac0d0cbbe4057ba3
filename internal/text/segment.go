// Package text partitions input text into bounded-size synthesis segments and
// applies the optional typographic normalization that precedes it.
//
// Sentence detection is a heuristic: a sentence ends at '.', '!' or '?'
// followed by whitespace. Abbreviations such as "Dr. Smith" and decimals
// followed by a space are split like any other boundary.
package text

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrInvalidLimit indicates a non-positive segment limit.
var ErrInvalidLimit = errors.New("max segment chars must be positive")

// Segment is one ordered unit of input text. Content length is counted in
// characters (runes), not bytes.
type Segment struct {
	Index   int
	Content string
}

// NormalizeWhitespace collapses every whitespace run to one space and trims
// both ends.
func NormalizeWhitespace(input string) string {
	return strings.Join(strings.Fields(input), " ")
}

// SplitSentences splits whitespace-normalized text at sentence boundaries.
func SplitSentences(normalized string) []string {
	var (
		sentences []string
		start     int
		previous  rune
	)

	for offset, char := range normalized {
		if char == ' ' && isSentenceEnd(previous) {
			sentences = append(sentences, normalized[start:offset])
			start = offset + 1
		}

		previous = char
	}

	if start < len(normalized) {
		sentences = append(sentences, normalized[start:])
	}

	return sentences
}

// Split partitions input into segments of at most maxChars characters.
// Consecutive sentences are packed greedily, joined by single spaces. A
// sentence longer than maxChars is cut into slices of exactly maxChars
// characters (the last slice may be shorter) without regard to words.
func Split(input string, maxChars int) ([]Segment, error) {
	if maxChars <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidLimit, maxChars)
	}

	normalized := NormalizeWhitespace(input)
	if normalized == "" {
		return []Segment{}, nil
	}

	packer := segmentPacker{maxChars: maxChars}

	for _, sentence := range SplitSentences(normalized) {
		packer.add(sentence)
	}

	packer.flush()

	return packer.segments, nil
}

type segmentPacker struct {
	maxChars   int
	segments   []Segment
	current    []string
	currentLen int
}

func (p *segmentPacker) add(sentence string) {
	length := utf8.RuneCountInString(sentence)

	joined := p.currentLen + length
	if p.currentLen > 0 {
		joined++
	}

	if joined <= p.maxChars {
		p.current = append(p.current, sentence)
		p.currentLen = joined

		return
	}

	p.flush()

	if length > p.maxChars {
		for _, slice := range hardSplit(sentence, p.maxChars) {
			p.emit(slice)
		}

		return
	}

	p.current = []string{sentence}
	p.currentLen = length
}

func (p *segmentPacker) flush() {
	if len(p.current) == 0 {
		return
	}

	p.emit(strings.Join(p.current, " "))
	p.current = nil
	p.currentLen = 0
}

func (p *segmentPacker) emit(content string) {
	p.segments = append(p.segments, Segment{Index: len(p.segments), Content: content})
}

func hardSplit(sentence string, maxChars int) []string {
	runes := []rune(sentence)
	slices := make([]string, 0, (len(runes)+maxChars-1)/maxChars)

	for start := 0; start < len(runes); start += maxChars {
		end := min(start+maxChars, len(runes))
		slices = append(slices, string(runes[start:end]))
	}

	return slices
}

func isSentenceEnd(char rune) bool {
	return char == '.' || char == '!' || char == '?'
}
