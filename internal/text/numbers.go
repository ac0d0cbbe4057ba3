package text

import (
	"strconv"
	"strings"
)

// MaxSpelledNumber is the largest integer spelled out by WithSpelledNumbers.
const MaxSpelledNumber = 999999

var (
	ones = []string{
		"zero", "one", "two", "three", "four", "five",
		"six", "seven", "eight", "nine",
	}
	teens = []string{
		"ten", "eleven", "twelve", "thirteen", "fourteen",
		"fifteen", "sixteen", "seventeen", "eighteen", "nineteen",
	}
	tens = []string{
		"", "", "twenty", "thirty", "forty", "fifty",
		"sixty", "seventy", "eighty", "ninety",
	}
)

// spellNumber spells a match of numberPattern. The fractional part is read
// digit by digit. Numbers out of range are returned unchanged.
func spellNumber(match string) string {
	whole, fraction, hasFraction := strings.Cut(match, ".")

	number, err := strconv.Atoi(whole)
	if err != nil || number > MaxSpelledNumber {
		return match
	}

	words := IntegerToWords(number)
	if !hasFraction {
		return words
	}

	digits := make([]string, 0, len(fraction))
	for _, digit := range fraction {
		digits = append(digits, ones[digit-'0'])
	}

	return words + " point " + strings.Join(digits, " ")
}

// IntegerToWords returns the English words of 0 <= number <= MaxSpelledNumber,
// or the decimal digits for anything else.
func IntegerToWords(number int) string {
	if number < 0 || number > MaxSpelledNumber {
		return strconv.Itoa(number)
	}

	if number == 0 {
		return ones[0]
	}

	var parts []string

	if thousands := number / 1000; thousands > 0 {
		parts = append(parts, underThousand(thousands)+" thousand")
	}

	if rest := number % 1000; rest > 0 {
		parts = append(parts, underThousand(rest))
	}

	return strings.Join(parts, " ")
}

func underThousand(number int) string {
	var parts []string

	if hundreds := number / 100; hundreds > 0 {
		parts = append(parts, ones[hundreds]+" hundred")
	}

	if rest := number % 100; rest > 0 {
		parts = append(parts, underHundred(rest))
	}

	return strings.Join(parts, " ")
}

func underHundred(number int) string {
	switch {
	case number < 10:
		return ones[number]
	case number < 20:
		return teens[number-10]
	case number%10 == 0:
		return tens[number/10]
	default:
		return tens[number/10] + " " + ones[number%10]
	}
}
