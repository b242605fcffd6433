package util

import (
	"strconv"
	"strings"
	"unicode"
)

// KeywordBetweenDelimiters reports whether keyword appears between the first
// occurrence of startDelim and the next occurrence of endDelim in text.
// The keyword match is case-insensitive; the delimiters are matched exactly.
// Used to scope searches to one section of a listing description, e.g.
// looking for "clearance" between "You Have" and "Nice If You Have".
func KeywordBetweenDelimiters(text, keyword, startDelim, endDelim string) bool {
	start := strings.Index(text, startDelim)
	if start == -1 {
		return false
	}

	rest := text[start+len(startDelim):]
	end := strings.Index(rest, endDelim)
	if end == -1 {
		return false
	}

	between := rest[:end]
	return strings.Contains(strings.ToLower(between), strings.ToLower(keyword))
}

// TruncateBetween trims text to the span after the last occurrence of
// startSubstr and before the first occurrence of endSubstr that follows it.
// Missing substrings leave the corresponding side untouched.
func TruncateBetween(text, startSubstr, endSubstr string) string {
	result := text

	if idx := strings.LastIndex(result, startSubstr); idx != -1 {
		result = result[idx+len(startSubstr):]
	}
	if idx := strings.Index(result, endSubstr); idx != -1 {
		result = result[:idx]
	}

	return result
}

// ParseSalaryRange extracts the low and high ends of a salary string such
// as "$80,000 - $100,000", "80k to 100k" or "AU$95,000 p.a.". A single
// amount fills both ends; text with no amount returns zeros.
func ParseSalaryRange(text string) (int, int) {
	amounts := parseAmounts(text)
	if len(amounts) == 0 {
		return 0, 0
	}
	return amounts[0], amounts[len(amounts)-1]
}

// parseAmounts scans text for monetary amounts, tolerating thousands
// separators, decimal fractions and a k/K shorthand multiplier.
func parseAmounts(text string) []int {
	var amounts []int
	runes := []rune(text)

	for i := 0; i < len(runes); i++ {
		if !unicode.IsDigit(runes[i]) {
			continue
		}

		var digits strings.Builder
		j := i
		for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == ',' || runes[j] == '.') {
			if runes[j] != ',' {
				digits.WriteRune(runes[j])
			}
			j++
		}

		value, err := strconv.ParseFloat(strings.TrimSuffix(digits.String(), "."), 64)
		if err == nil {
			if j < len(runes) && (runes[j] == 'k' || runes[j] == 'K') {
				value *= 1000
				j++
			}
			amounts = append(amounts, int(value))
		}
		i = j
	}

	return amounts
}
