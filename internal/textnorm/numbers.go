package textnorm

import (
	"regexp"
	"strconv"
	"strings"
)

// numberPattern matches integers with an optional minus sign, optional dot
// thousand separators, an optional comma decimal part, and an optional
// percent sign.
var numberPattern = regexp.MustCompile(`-?\d{1,3}(?:\.\d{3})+(?:,\d+)?%?|-?\d+(?:,\d+)?%?`)

var digitWords = []string{
	"không", "một", "hai", "ba", "bốn", "năm", "sáu", "bảy", "tám", "chín",
}

func expandNumbers(text string) string {
	matches := numberPattern.FindAllStringIndex(text, -1)
	if matches == nil {
		return text
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		tok := text[start:end]
		// A minus glued to a preceding number or word is a range or
		// hyphen, not a sign.
		if strings.HasPrefix(tok, "-") && start > 0 && !isNumberBoundary(text[start-1]) {
			start++
			tok = tok[1:]
		}
		b.WriteString(text[last:start])
		b.WriteString(expandNumberToken(tok))
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

func isNumberBoundary(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '('
}

func expandNumberToken(tok string) string {
	percent := strings.HasSuffix(tok, "%")
	tok = strings.TrimSuffix(tok, "%")
	negative := strings.HasPrefix(tok, "-")
	tok = strings.TrimPrefix(tok, "-")

	intPart := tok
	var decPart string
	if i := strings.IndexByte(tok, ','); i >= 0 {
		intPart, decPart = tok[:i], tok[i+1:]
	}
	intPart = strings.ReplaceAll(intPart, ".", "")

	// Leading zeros mark phone-style digit strings; overflow means the
	// number is too long to verbalize. Both read digit by digit.
	var out string
	if len(intPart) > 1 && intPart[0] == '0' {
		out = digitsToWords(intPart)
	} else if n, err := strconv.ParseInt(intPart, 10, 64); err != nil {
		out = digitsToWords(intPart)
	} else {
		out = numberToWords(n)
	}
	if negative {
		out = "âm " + out
	}
	if decPart != "" {
		out += " phẩy " + digitsToWords(decPart)
	}
	if percent {
		out += " phần trăm"
	}
	return out
}

func digitsToWords(digits string) string {
	words := make([]string, 0, len(digits))
	for _, r := range digits {
		if r < '0' || r > '9' {
			continue
		}
		words = append(words, digitWords[r-'0'])
	}
	return strings.Join(words, " ")
}

// numberToWords renders a non-negative integer in spoken Vietnamese. Values
// above 999 billion fall back to digit-by-digit reading.
func numberToWords(n int64) string {
	if n == 0 {
		return digitWords[0]
	}
	if n >= 1_000_000_000_000 {
		return digitsToWords(strconv.FormatInt(n, 10))
	}

	type scale struct {
		value int64
		word  string
	}
	scales := []scale{
		{1_000_000_000, "tỷ"},
		{1_000_000, "triệu"},
		{1_000, "nghìn"},
	}

	var parts []string
	rest := n
	started := false
	for _, s := range scales {
		group := rest / s.value
		rest %= s.value
		if group == 0 {
			continue
		}
		parts = append(parts, threeDigits(group, started), s.word)
		started = true
	}
	if rest > 0 {
		parts = append(parts, threeDigits(rest, started))
	}
	return strings.Join(parts, " ")
}

// threeDigits renders a 0-999 group. inner marks a group preceded by a higher
// scale, which forces the hundreds digit to be spoken even when zero.
func threeDigits(n int64, inner bool) string {
	hundreds := n / 100
	tens := (n % 100) / 10
	units := n % 10

	var parts []string
	if hundreds > 0 || (inner && n > 0) {
		parts = append(parts, digitWords[hundreds], "trăm")
	}

	switch {
	case tens == 0 && units == 0:
	case tens == 0:
		if len(parts) > 0 {
			parts = append(parts, "lẻ")
		}
		parts = append(parts, digitWords[units])
	case tens == 1:
		parts = append(parts, "mười")
		if units == 5 {
			parts = append(parts, "lăm")
		} else if units > 0 {
			parts = append(parts, digitWords[units])
		}
	default:
		parts = append(parts, digitWords[tens], "mươi")
		switch units {
		case 0:
		case 1:
			parts = append(parts, "mốt")
		case 5:
			parts = append(parts, "lăm")
		default:
			parts = append(parts, digitWords[units])
		}
	}
	return strings.Join(parts, " ")
}
