package text_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/book-expert/narration-service/internal/text"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contents(segments []text.Segment) []string {
	out := make([]string, 0, len(segments))
	for _, segment := range segments {
		out = append(out, segment.Content)
	}

	return out
}

func sentenceOf(length int, letter string) string {
	return strings.Repeat(letter, length-1) + "."
}

func TestSplit_SingleSegment(t *testing.T) {
	t.Parallel()

	segments, err := text.Split("Hello world. This is a test.", 500)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, 0, segments[0].Index)
	assert.Equal(t, "Hello world. This is a test.", segments[0].Content)
}

func TestSplit_EmptyInput(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "   ", "\n\t \r\n"} {
		segments, err := text.Split(input, 500)
		require.NoError(t, err)
		assert.Empty(t, segments)
	}
}

func TestSplit_InvalidLimit(t *testing.T) {
	t.Parallel()

	_, err := text.Split("Hello.", 0)
	require.ErrorIs(t, err, text.ErrInvalidLimit)
}

func TestSplit_ThreeLongSentences(t *testing.T) {
	t.Parallel()

	sentences := []string{sentenceOf(300, "a"), sentenceOf(300, "b"), sentenceOf(300, "c")}

	segments, err := text.Split(strings.Join(sentences, " "), 500)
	require.NoError(t, err)
	assert.Equal(t, sentences, contents(segments))

	for index, segment := range segments {
		assert.Equal(t, index, segment.Index)
	}
}

func TestSplit_GreedyPacking(t *testing.T) {
	t.Parallel()

	input := "One two. Three four! Five six? Seven."

	segments, err := text.Split(input, 20)
	require.NoError(t, err)
	assert.Equal(t, []string{"One two. Three four!", "Five six? Seven."}, contents(segments))
}

func TestSplit_RoundTrip(t *testing.T) {
	t.Parallel()

	input := "  The quick brown fox.\n\nJumps over   the lazy dog!  Does it?\tYes. " +
		"It does, every single time. Dr. Smith agrees."

	for _, limit := range []int{30, 45, 80, 1000} {
		segments, err := text.Split(input, limit)
		require.NoError(t, err)

		for _, segment := range segments {
			assert.LessOrEqual(t, utf8.RuneCountInString(segment.Content), limit)
			assert.NotEmpty(t, segment.Content)
		}

		assert.Equal(t, text.NormalizeWhitespace(input), strings.Join(contents(segments), " "))
	}
}

func TestSplit_HardSplitsOverlongSentence(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 23) + "."
	input := "Short one. " + long + " Tail."

	segments, err := text.Split(input, 10)
	require.NoError(t, err)

	got := contents(segments)
	require.Equal(t, []string{"Short one.", "xxxxxxxxxx", "xxxxxxxxxx", "xxx.", "Tail."}, got)
	assert.Equal(t, long, strings.Join(got[1:4], ""))
}

func TestSplit_CountsCharactersNotBytes(t *testing.T) {
	t.Parallel()

	// Each Devanagari letter is three bytes in UTF-8.
	sentence := strings.Repeat("क", 9) + "।"

	segments, err := text.Split(sentence, 10)
	require.NoError(t, err)
	require.Len(t, segments, 1)

	segments, err = text.Split(sentence, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"कककक", "कककक", "क।"}, contents(segments))
}

func TestSplitSentences(t *testing.T) {
	t.Parallel()

	got := text.SplitSentences("Pi is 3.14 exactly. Really? Yes!")
	assert.Equal(t, []string{"Pi is 3.14 exactly.", "Really?", "Yes!"}, got)
}

func TestNormalizer(t *testing.T) {
	t.Parallel()

	normalizer := text.NewNormalizer()

	got := normalizer.Normalize("“Wait” — she said…  it’s   fine.")
	assert.Equal(t, `"Wait" - she said... it's fine.`, got)
}
