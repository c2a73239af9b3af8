package phoneme

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadDictionary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dict.tsv")
	content := "# test dictionary\n" +
		"xin\ts i n\n" +
		"chào\tch ao2\n" +
		"xin\tWRONG OVERRIDE\n" + // duplicates after the first are ignored
		"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	dict, err := LoadDictionary(path)
	if err != nil {
		t.Fatalf("LoadDictionary: %v", err)
	}
	if dict.Len() != 2 {
		t.Fatalf("Len = %d, want 2", dict.Len())
	}
	toks, ok := dict.Lookup("Xin")
	if !ok {
		t.Fatal("Lookup(Xin) miss")
	}
	if !reflect.DeepEqual(toks, []string{"s", "i", "n"}) {
		t.Fatalf("unexpected tokens %v", toks)
	}
	if dict.Version() == "" {
		t.Fatal("empty dictionary version")
	}
}

func TestLoadDictionaryMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dict.tsv")
	if err := os.WriteFile(path, []byte("justoneword\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDictionary(path); err == nil {
		t.Fatal("expected error for malformed line")
	}
}

func TestPhonemizeDictionaryAndFallback(t *testing.T) {
	dict := NewDictionary(map[string][]string{
		"xin":  {"s", "i", "n"},
		"chào": {"ch", "ao2"},
	})
	p, err := New(dict, Options{}, newLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tokens, misses := p.Phonemize("Xin chào bạn.")
	want := []string{"s", "i", "n", WordBreak, "ch", "ao2", WordBreak, "b", "a6", "n"}
	if !reflect.DeepEqual(tokens, want) {
		t.Fatalf("tokens = %v, want %v", tokens, want)
	}
	if len(misses) != 1 || misses[0].Word != "bạn" {
		t.Fatalf("misses = %v, want one miss for bạn", misses)
	}
}

func TestPhonemizeDeterministic(t *testing.T) {
	p, err := New(NewDictionary(nil), Options{CacheSize: 8}, newLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first, _ := p.Phonemize("trời đẹp quá")
	second, _ := p.Phonemize("trời đẹp quá")
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("non-deterministic output: %v vs %v", first, second)
	}
	if len(first) == 0 {
		t.Fatal("no tokens produced")
	}
}

func TestGraphemeToPhoneme(t *testing.T) {
	cases := []struct {
		word string
		want []string
	}{
		{"xin", []string{"s", "i1", "n"}},
		{"chào", []string{"ch", "ao2"}},
		{"gì", []string{"z", "i2"}},
		{"nghệ", []string{"ng", "ee6"}},
		{"quê", []string{"kw", "ee1"}},
		{"anh", []string{"a1", "ng"}},
		{"đẹp", []string{"d", "e6", "p"}},
	}
	for _, tc := range cases {
		if got := graphemeToPhoneme(tc.word); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("graphemeToPhoneme(%q) = %v, want %v", tc.word, got, tc.want)
		}
	}
}
