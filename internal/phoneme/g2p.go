package phoneme

import "strings"

// Rule-based grapheme-to-phoneme conversion for Vietnamese syllables. Used
// when a word is absent from the dictionary. A syllable splits into onset,
// nucleus, and coda; the tone diacritic is lifted off the nucleus and emitted
// as a digit suffix on the nucleus token.

// toneMarks lists the five marked tones per base vowel in the fixed order
// sắc, huyền, hỏi, ngã, nặng. The unmarked tone is 1.
var toneMarks = map[rune]string{
	'a': "áàảãạ",
	'ă': "ắằẳẵặ",
	'â': "ấầẩẫậ",
	'e': "éèẻẽẹ",
	'ê': "ếềểễệ",
	'i': "íìỉĩị",
	'o': "óòỏõọ",
	'ô': "ốồổỗộ",
	'ơ': "ớờởỡợ",
	'u': "úùủũụ",
	'ư': "ứừửữự",
	'y': "ýỳỷỹỵ",
}

var toneOrder = []int{3, 2, 4, 5, 6}

var toneBase map[rune]struct {
	base rune
	tone int
}

func init() {
	toneBase = make(map[rune]struct {
		base rune
		tone int
	})
	for base, marked := range toneMarks {
		for i, r := range []rune(marked) {
			toneBase[r] = struct {
				base rune
				tone int
			}{base, toneOrder[i]}
		}
	}
}

// onsets in longest-first match order.
var onsets = []struct {
	spelling, token string
}{
	{"ngh", "ng"},
	{"ng", "ng"},
	{"nh", "nh"},
	{"gh", "g"},
	{"gi", "z"},
	{"kh", "kh"},
	{"ph", "f"},
	{"qu", "kw"},
	{"th", "th"},
	{"tr", "tr"},
	{"ch", "ch"},
	{"b", "b"},
	{"c", "k"},
	{"d", "z"},
	{"đ", "d"},
	{"g", "g"},
	{"h", "h"},
	{"k", "k"},
	{"l", "l"},
	{"m", "m"},
	{"n", "n"},
	{"p", "p"},
	{"r", "r"},
	{"s", "sh"},
	{"t", "t"},
	{"v", "v"},
	{"x", "s"},
}

// codas in longest-first match order.
var codas = []struct {
	spelling, token string
}{
	{"ch", "k"},
	{"ng", "ng"},
	{"nh", "ng"},
	{"c", "k"},
	{"m", "m"},
	{"n", "n"},
	{"p", "p"},
	{"t", "t"},
}

var vowelTokens = map[rune]string{
	'a': "a", 'ă': "aw", 'â': "aa",
	'e': "e", 'ê': "ee",
	'i': "i", 'y': "i",
	'o': "o", 'ô': "oo", 'ơ': "ow",
	'u': "u", 'ư': "uw",
}

// graphemeToPhoneme converts one lowercase syllable to phoneme tokens. The
// conversion is total: syllables that do not parse fall back to per-letter
// spelling, so the same input always yields the same output.
func graphemeToPhoneme(word string) []string {
	base, tone := stripTone(word)

	rest := base
	var onset string
	for _, o := range onsets {
		if strings.HasPrefix(rest, o.spelling) {
			onset = o.token
			rest = rest[len(o.spelling):]
			break
		}
	}

	var coda string
	for _, c := range codas {
		if strings.HasSuffix(rest, c.spelling) && longerThanSuffix(rest, c.spelling) {
			coda = c.token
			rest = rest[:len(rest)-len(c.spelling)]
			break
		}
	}

	nucleus := nucleusToken(rest)
	if nucleus == "" {
		// "gi" and "qu" swallow the vowel letter in some spellings
		// (gì, quơ); recover it from the onset.
		switch onset {
		case "z":
			nucleus = "i"
		case "kw":
			nucleus = "u"
		default:
			return spellOut(word)
		}
	}

	tokens := make([]string, 0, 3)
	if onset != "" {
		tokens = append(tokens, onset)
	}
	tokens = append(tokens, nucleus+toneSuffix(tone))
	if coda != "" {
		tokens = append(tokens, coda)
	}
	return tokens
}

// longerThanSuffix prevents the single vowel of words like "anh" being eaten
// as a coda when nothing would remain.
func longerThanSuffix(rest, suffix string) bool {
	return len([]rune(rest)) > len([]rune(suffix))
}

func stripTone(word string) (string, int) {
	tone := 1
	var b strings.Builder
	for _, r := range word {
		if tb, ok := toneBase[r]; ok {
			b.WriteRune(tb.base)
			tone = tb.tone
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), tone
}

func toneSuffix(tone int) string {
	return string(rune('0' + tone))
}

func nucleusToken(rest string) string {
	var b strings.Builder
	for _, r := range rest {
		tok, ok := vowelTokens[r]
		if !ok {
			return ""
		}
		b.WriteString(tok)
	}
	return b.String()
}

// spellOut reads a word letter by letter, used for acronyms and syllables
// outside the Vietnamese sound system.
func spellOut(word string) []string {
	tokens := make([]string, 0, len(word))
	for _, r := range word {
		if tb, ok := toneBase[r]; ok {
			r = tb.base
		}
		if tok, ok := vowelTokens[r]; ok {
			tokens = append(tokens, tok+"1")
			continue
		}
		tokens = append(tokens, string(r))
	}
	return tokens
}
