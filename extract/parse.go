package extract

import (
	"strconv"
	"strings"
	"unicode"
)

// ParsePrice pulls a numeric price out of display text such as "£1,299.00",
// "$432", "1.299,00 €", or "Now: 59.95". It reports false when the text
// contains no usable number.
func ParsePrice(text string) (float64, bool) {
	run := firstNumericRun(text)
	if run == "" {
		return 0, false
	}

	run = normalizeSeparators(run)
	value, err := strconv.ParseFloat(run, 64)
	if err != nil {
		return 0, false
	}
	if value <= 0 {
		return 0, false
	}
	return value, true
}

// firstNumericRun returns the first maximal substring of digits and
// separator characters that contains at least one digit.
func firstNumericRun(text string) string {
	start := -1
	for i, r := range text {
		if unicode.IsDigit(r) {
			start = i
			break
		}
	}
	if start < 0 {
		return ""
	}

	end := start
	for end < len(text) {
		c := text[end]
		if c >= '0' && c <= '9' || c == '.' || c == ',' {
			end++
			continue
		}
		// A space joins the run only as a digit-grouping separator
		// ("1 299"), never between two distinct numbers ("432 1699").
		if c == ' ' && isGroupingSpace(text, end) {
			end++
			continue
		}
		break
	}

	run := strings.TrimRight(text[start:end], ". ,")
	return strings.ReplaceAll(run, " ", "")
}

func isGroupingSpace(text string, at int) bool {
	if at == 0 || !isDigit(text[at-1]) {
		return false
	}
	for i := at + 1; i <= at+3; i++ {
		if i >= len(text) || !isDigit(text[i]) {
			return false
		}
	}
	// Exactly three digits in the group.
	if at+4 < len(text) && isDigit(text[at+4]) {
		return false
	}
	return true
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// normalizeSeparators converts European and thousands-grouped notations to
// plain decimal form. The last separator is the decimal point only when at
// most two digits follow it.
func normalizeSeparators(run string) string {
	lastDot := strings.LastIndexByte(run, '.')
	lastComma := strings.LastIndexByte(run, ',')

	decimal := lastDot
	if lastComma > decimal {
		decimal = lastComma
	}
	if decimal >= 0 && len(run)-decimal-1 > 2 {
		// Three or more trailing digits: it is a thousands separator.
		decimal = -1
	}

	var b strings.Builder
	for i := 0; i < len(run); i++ {
		c := run[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case i == decimal:
			b.WriteByte('.')
		}
	}
	return b.String()
}
