// Package tokenizer splits text into keyword tokens and detects named
// entities. The built-in rule tokenizer needs no external models: it splits
// on unicode word boundaries, emits character bigrams for CJK runs, and
// detects entities from capitalisation patterns plus caller-registered
// entity lexicons.
//
// The Tokenizer interface keeps the NLP backend pluggable; a model-backed
// implementation can be swapped in without touching the ingestion path.
package tokenizer

import (
	"strings"
	"sync"
	"unicode"
)

// Entity is a detected named entity reference.
type Entity struct {
	// Name is the surface form, normalised (trimmed, original casing kept).
	Name string
	// Kind is a coarse guess: "person", "place", "org", "object",
	// "concept" or "custom". The knowledge graph refines it later.
	Kind string
}

// Tokenizer converts raw text into keyword tokens and entity references.
type Tokenizer interface {
	Tokenize(text string) (tokens []string, entities []Entity)
}

// stopwords are dropped from keyword tokens but still count toward CJK
// bigrams so that short Chinese queries keep enough signal.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "to": {}, "of": {}, "in": {}, "on": {}, "at": {},
	"and": {}, "or": {}, "but": {}, "it": {}, "its": {}, "this": {},
	"that": {}, "with": {}, "for": {}, "as": {}, "by": {}, "from": {},
	"的": {}, "了": {}, "是": {}, "在": {}, "和": {}, "有": {}, "我": {},
	"他": {}, "她": {}, "它": {}, "们": {}, "把": {}, "被": {}, "就": {},
}

// RuleTokenizer is the default zero-dependency tokenizer. Safe for
// concurrent use.
type RuleTokenizer struct {
	mu      sync.RWMutex
	lexicon map[string]string // normalised name -> kind
}

// NewRuleTokenizer creates a RuleTokenizer with an empty entity lexicon.
func NewRuleTokenizer() *RuleTokenizer {
	return &RuleTokenizer{lexicon: make(map[string]string)}
}

// RegisterEntity adds a known entity surface form to the lexicon so that it
// is detected regardless of capitalisation or script.
func (t *RuleTokenizer) RegisterEntity(name, kind string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if kind == "" {
		kind = "custom"
	}
	t.mu.Lock()
	t.lexicon[strings.ToLower(name)] = kind
	t.mu.Unlock()
}

// Tokenize splits text into lowercase keyword tokens and detects entities.
//
// Latin-script words are emitted whole (lowercased, stopwords removed).
// CJK runs are emitted as every individual character plus every adjacent
// bigram, the standard recall-friendly segmentation when no dictionary
// segmenter is available.
func (t *RuleTokenizer) Tokenize(text string) ([]string, []Entity) {
	var tokens []string
	var entities []Entity
	seenTokens := make(map[string]struct{})
	seenEntities := make(map[string]struct{})

	emit := func(tok string) {
		tok = strings.ToLower(tok)
		if tok == "" {
			return
		}
		if _, stop := stopwords[tok]; stop {
			return
		}
		if _, dup := seenTokens[tok]; dup {
			return
		}
		seenTokens[tok] = struct{}{}
		tokens = append(tokens, tok)
	}

	emitEntity := func(name, kind string) {
		key := strings.ToLower(name)
		if _, dup := seenEntities[key]; dup {
			return
		}
		seenEntities[key] = struct{}{}
		entities = append(entities, Entity{Name: name, Kind: kind})
	}

	words := splitWords(text)
	for i, w := range words {
		if isCJK(w.text) {
			runes := []rune(w.text)
			for j, r := range runes {
				emit(string(r))
				if j+1 < len(runes) {
					emit(string(runes[j : j+2]))
				}
			}
			continue
		}
		emit(w.text)

		// Capitalised non-initial latin words are entity candidates;
		// sentence-initial words qualify only when the next word is also
		// capitalised (e.g. "Alice Smith").
		if isCapitalised(w.text) {
			if !w.sentenceStart {
				emitEntity(w.text, "concept")
			} else if i+1 < len(words) && isCapitalised(words[i+1].text) {
				emitEntity(w.text, "concept")
			}
		}
	}

	// Lexicon pass: registered entities match in any script.
	t.mu.RLock()
	lower := strings.ToLower(text)
	for name, kind := range t.lexicon {
		if strings.Contains(lower, name) {
			emitEntity(name, kind)
		}
	}
	t.mu.RUnlock()

	return tokens, entities
}

type word struct {
	text          string
	sentenceStart bool
}

// splitWords cuts text into word units. CJK runs come out as one unit and
// are segmented by the caller.
func splitWords(text string) []word {
	var words []word
	var cur []rune
	var curCJK bool
	sentenceStart := true

	flush := func() {
		if len(cur) > 0 {
			words = append(words, word{text: string(cur), sentenceStart: sentenceStart})
			sentenceStart = false
			cur = cur[:0]
		}
	}

	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cjk := isCJKRune(r)
			if len(cur) > 0 && cjk != curCJK {
				flush()
			}
			curCJK = cjk
			cur = append(cur, r)
		default:
			flush()
			if r == '.' || r == '!' || r == '?' || r == '。' || r == '！' || r == '？' || r == '\n' {
				sentenceStart = true
			}
		}
	}
	flush()
	return words
}

func isCapitalised(s string) bool {
	r := []rune(s)
	return len(r) > 1 && unicode.IsUpper(r[0]) && !unicode.IsUpper(r[1])
}

func isCJKRune(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

func isCJK(s string) bool {
	for _, r := range s {
		return isCJKRune(r)
	}
	return false
}

// Ngrams returns the character n-grams of text after whitespace and
// punctuation stripping. Used by the n-gram index and the raw-text fallback.
func Ngrams(text string, n int) []string {
	var runes []rune
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			runes = append(runes, r)
		}
	}
	if len(runes) < n {
		if len(runes) == 0 {
			return nil
		}
		return []string{string(runes)}
	}
	seen := make(map[string]struct{}, len(runes))
	grams := make([]string, 0, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		g := string(runes[i : i+n])
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		grams = append(grams, g)
	}
	return grams
}
