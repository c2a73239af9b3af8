package phoneme

import (
	"log/slog"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"
)

// WordBreak separates the token runs of adjacent words in phonemizer output.
const WordBreak = "_"

// Miss records a word resolved through the rule-based fallback because the
// dictionary had no entry for it.
type Miss struct {
	Word  string
	Index int
}

type Options struct {
	CacheSize int
}

// Phonemizer maps normalized text to phoneme tokens. Dictionary lookups win;
// out-of-vocabulary words go through the grapheme-to-phoneme rules. Results
// are cached per word, keyed by the dictionary version, so output stays
// deterministic for a given word and dictionary.
type Phonemizer struct {
	dict  *Dictionary
	cache *lru.Cache[string, []string]
	log   *slog.Logger
}

func New(dict *Dictionary, opts Options, log *slog.Logger) (*Phonemizer, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, []string](size)
	if err != nil {
		return nil, err
	}
	return &Phonemizer{
		dict:  dict,
		cache: cache,
		log:   log.With(slog.String("component", "phoneme")),
	}, nil
}

// Phonemize converts text to phoneme tokens with WordBreak separators.
// Dictionary misses never fail the call; they are returned for reporting and
// logged at debug level.
func (p *Phonemizer) Phonemize(text string) ([]string, []Miss) {
	words := strings.Fields(text)
	tokens := make([]string, 0, len(words)*4)
	var misses []Miss

	for i, word := range words {
		word = trimPunct(word)
		if word == "" {
			continue
		}
		if len(tokens) > 0 {
			tokens = append(tokens, WordBreak)
		}
		wordTokens, hit := p.wordTokens(word)
		if !hit {
			misses = append(misses, Miss{Word: word, Index: i})
		}
		tokens = append(tokens, wordTokens...)
	}

	if len(misses) > 0 {
		p.log.Warn("dictionary misses resolved via fallback",
			slog.Int("count", len(misses)),
			slog.String("first", misses[0].Word))
	}
	return tokens, misses
}

func (p *Phonemizer) wordTokens(word string) ([]string, bool) {
	lower := strings.ToLower(word)
	if toks, ok := p.dict.Lookup(lower); ok {
		return toks, true
	}
	key := p.dict.Version() + "\x00" + lower
	if toks, ok := p.cache.Get(key); ok {
		return toks, false
	}
	toks := graphemeToPhoneme(lower)
	p.cache.Add(key, toks)
	return toks, false
}

func trimPunct(word string) string {
	return strings.TrimFunc(word, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}
