package textnorm

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// ScriptPolicy controls what happens when input contains runes outside the
// configured alphabet.
type ScriptPolicy string

const (
	// ScriptReject fails normalization on the first unsupported rune.
	ScriptReject ScriptPolicy = "reject"
	// ScriptDrop silently removes unsupported runes.
	ScriptDrop ScriptPolicy = "drop"
	// ScriptKeep passes unsupported runes through untouched.
	ScriptKeep ScriptPolicy = "keep"
)

// Pause classifies the prosody pause implied by trailing punctuation.
type Pause int

const (
	PauseNone Pause = iota
	PauseClause
	PauseSentence
)

// UnsupportedScriptError reports input runes outside the configured alphabet
// under the reject policy.
type UnsupportedScriptError struct {
	Rune     rune
	Position int
}

func (e *UnsupportedScriptError) Error() string {
	return fmt.Sprintf("unsupported script: rune %q at position %d", e.Rune, e.Position)
}

// Options configures a Normalizer.
type Options struct {
	ScriptPolicy ScriptPolicy
}

// Normalizer cleans raw text into a form the synthesis pipeline accepts:
// NFC-normalized, whitespace collapsed, numerals and abbreviations expanded
// to Vietnamese words, punctuation retained as pause hints.
type Normalizer struct {
	opts Options
	log  *slog.Logger
}

func New(opts Options, log *slog.Logger) (*Normalizer, error) {
	switch opts.ScriptPolicy {
	case ScriptReject, ScriptDrop, ScriptKeep:
	default:
		return nil, fmt.Errorf("invalid script policy %q", opts.ScriptPolicy)
	}
	return &Normalizer{
		opts: opts,
		log:  log.With(slog.String("component", "textnorm")),
	}, nil
}

// Normalize runs the full normalization pass. Empty output after cleaning is
// reported as an error so jobs never dispatch silence.
func (n *Normalizer) Normalize(raw string) (string, error) {
	text := norm.NFC.String(raw)
	text = stripControl(text)

	text, err := n.applyScriptPolicy(text)
	if err != nil {
		return "", err
	}

	text = expandAbbreviations(text)
	text = expandNumbers(text)
	text = collapseWhitespace(text)
	text = tidyPunctuation(text)

	if text == "" {
		return "", fmt.Errorf("input empty after normalization")
	}
	return text, nil
}

func (n *Normalizer) applyScriptPolicy(text string) (string, error) {
	if n.opts.ScriptPolicy == ScriptKeep {
		return text, nil
	}
	var b strings.Builder
	b.Grow(len(text))
	dropped := 0
	for i, r := range text {
		if supportedRune(r) {
			b.WriteRune(r)
			continue
		}
		if n.opts.ScriptPolicy == ScriptReject {
			return "", &UnsupportedScriptError{Rune: r, Position: i}
		}
		dropped++
	}
	if dropped > 0 {
		n.log.Warn("dropped unsupported runes", slog.Int("count", dropped))
	}
	return b.String(), nil
}

// supportedRune accepts the Vietnamese alphabet (Latin with diacritics),
// digits, whitespace, and the punctuation the pipeline understands.
func supportedRune(r rune) bool {
	if unicode.IsSpace(r) || unicode.IsDigit(r) {
		return true
	}
	if unicode.Is(unicode.Latin, r) {
		return true
	}
	switch r {
	case '.', ',', ';', ':', '!', '?', '…', '-', '\'', '"', '(', ')', '%', '/', '–', '—', '“', '”', '‘', '’':
		return true
	}
	return false
}

func stripControl(text string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, text)
}

func collapseWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// tidyPunctuation removes space before closing punctuation so pause hints
// attach to the preceding word.
func tidyPunctuation(text string) string {
	for _, p := range []string{".", ",", ";", ":", "!", "?", "…"} {
		text = strings.ReplaceAll(text, " "+p, p)
	}
	return text
}

// abbreviations are expanded longest-first so "TP.HCM" resolves before "TP.".
var abbreviations = []struct {
	abbr, expansion string
}{
	{"TP.HCM", "thành phố Hồ Chí Minh"},
	{"TPHCM", "thành phố Hồ Chí Minh"},
	{"UBND", "ủy ban nhân dân"},
	{"THPT", "trung học phổ thông"},
	{"THCS", "trung học cơ sở"},
	{"v.v.", "vân vân"},
	{"TP.", "thành phố"},
	{"Tp.", "thành phố"},
	{"GS.", "giáo sư"},
	{"TS.", "tiến sĩ"},
	{"BS.", "bác sĩ"},
	{"ThS.", "thạc sĩ"},
	{"PGS.", "phó giáo sư"},
	{"VN", "Việt Nam"},
	{"km/h", "ki lô mét trên giờ"},
	{"km", "ki lô mét"},
	{"kg", "ki lô gam"},
	{"ml", "mi li lít"},
	{"mm", "mi li mét"},
	{"cm", "xen ti mét"},
}

func expandAbbreviations(text string) string {
	for _, a := range abbreviations {
		idx := 0
		for {
			pos := strings.Index(text[idx:], a.abbr)
			if pos < 0 {
				break
			}
			pos += idx
			end := pos + len(a.abbr)
			if wordBounded(text, pos, end) {
				text = text[:pos] + a.expansion + text[end:]
				idx = pos + len(a.expansion)
			} else {
				idx = end
			}
		}
	}
	return text
}

// wordBounded reports whether text[start:end] is not glued to adjacent
// letters or digits.
func wordBounded(text string, start, end int) bool {
	if start > 0 {
		prev := []rune(text[:start])
		r := prev[len(prev)-1]
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if end < len(text) {
		r := []rune(text[end:])[0]
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// TrailingPause classifies the pause implied by the final punctuation of a
// segment. The assembler sizes inter-segment silence from this.
func TrailingPause(text string) Pause {
	trimmed := strings.TrimRight(text, " \"')”’")
	if trimmed == "" {
		return PauseNone
	}
	runes := []rune(trimmed)
	switch runes[len(runes)-1] {
	case '.', '!', '?', '…':
		return PauseSentence
	case ',', ';', ':':
		return PauseClause
	}
	return PauseNone
}
