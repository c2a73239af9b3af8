package phoneme

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strings"
)

// Dictionary maps lowercase words to phoneme token sequences. Entries loaded
// earlier win over later duplicates, so site-specific overrides go first in
// the file.
type Dictionary struct {
	entries map[string][]string
	version string
}

// LoadDictionary reads a dictionary file with one entry per line:
//
//	word<TAB>tok1 tok2 tok3
//
// Blank lines and lines starting with '#' are skipped.
func LoadDictionary(path string) (*Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dictionary: %w", err)
	}
	defer f.Close()

	d := &Dictionary{entries: make(map[string][]string)}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		word, tokens, ok := strings.Cut(text, "\t")
		if !ok {
			word, tokens, ok = strings.Cut(text, " ")
			if !ok {
				return nil, fmt.Errorf("dictionary line %d: missing separator", line)
			}
		}
		word = strings.ToLower(strings.TrimSpace(word))
		fields := strings.Fields(tokens)
		if word == "" || len(fields) == 0 {
			return nil, fmt.Errorf("dictionary line %d: empty entry", line)
		}
		if _, exists := d.entries[word]; exists {
			continue
		}
		d.entries[word] = fields
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dictionary: %w", err)
	}
	d.version = d.fingerprint()
	return d, nil
}

// NewDictionary builds an in-memory dictionary, used by tests and by callers
// that assemble overrides programmatically.
func NewDictionary(entries map[string][]string) *Dictionary {
	d := &Dictionary{entries: make(map[string][]string, len(entries))}
	for w, toks := range entries {
		d.entries[strings.ToLower(w)] = toks
	}
	d.version = d.fingerprint()
	return d
}

// Lookup returns the phoneme tokens for word, or ok=false on a miss.
func (d *Dictionary) Lookup(word string) ([]string, bool) {
	toks, ok := d.entries[strings.ToLower(word)]
	return toks, ok
}

// Len reports the number of entries.
func (d *Dictionary) Len() int { return len(d.entries) }

// Version is a stable fingerprint of the dictionary contents. It keys the
// phoneme cache so a reloaded dictionary never serves stale token sequences.
func (d *Dictionary) Version() string { return d.version }

func (d *Dictionary) fingerprint() string {
	words := make([]string, 0, len(d.entries))
	for w := range d.entries {
		words = append(words, w)
	}
	sort.Strings(words)
	h := fnv.New64a()
	for _, w := range words {
		h.Write([]byte(w))
		h.Write([]byte{0})
		h.Write([]byte(strings.Join(d.entries[w], " ")))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
