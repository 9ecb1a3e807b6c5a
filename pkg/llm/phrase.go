package llm

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// PhraseConfig controls how generated text is cut into speakable phrases.
type PhraseConfig struct {
	// MinRunes is the shortest phrase cut at sentence punctuation.
	MinRunes int
	// MaxRunes forces a cut, preferring a clause or word boundary.
	MaxRunes int
	// ClauseWords lets a phrase end at a comma once it has this many words.
	// Zero disables clause cuts.
	ClauseWords int
}

// DefaultPhraseConfig favours short first phrases for low latency.
func DefaultPhraseConfig() PhraseConfig {
	return PhraseConfig{MinRunes: 2, MaxRunes: 160, ClauseWords: 8}
}

var abbreviations = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"sr": true, "jr": true, "vs": true, "etc": true, "inc": true,
	"ltd": true, "corp": true, "co": true, "no": true, "vol": true,
	"fig": true, "e.g": true, "i.e": true, "a.m": true, "p.m": true,
	"u.s": true, "u.k": true, "st": true, "ave": true, "dept": true,
	"approx": true, "min": true, "max": true,
}

// titles are followed by a name, never by a new sentence.
var titles = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"sr": true, "jr": true, "st": true, "rev": true, "gen": true,
	"col": true, "lt": true, "sgt": true, "capt": true,
}

var openNumber = []*regexp.Regexp{
	regexp.MustCompile(`\d+\.\d*$`),
	regexp.MustCompile(`[$€£¥]\d+\.\d*$`),
	regexp.MustCompile(`v\d+\.\d*$`),
}

var openAddress = []*regexp.Regexp{
	regexp.MustCompile(`https?://\S*$`),
	regexp.MustCompile(`www\.\S*$`),
	regexp.MustCompile(`\S+@\S+\.\S*$`),
}

func isSentenceEnd(r rune) bool {
	return strings.ContainsRune(".!?;:。！？；：…", r)
}

func isClauseBreak(r rune) bool {
	return strings.ContainsRune(",，、", r)
}

// PhraseSegmenter accumulates streamed text and returns complete phrases.
// It is not safe for concurrent use.
type PhraseSegmenter struct {
	cfg PhraseConfig
	buf strings.Builder
}

// NewPhraseSegmenter applies defaults for zero fields.
func NewPhraseSegmenter(cfg PhraseConfig) *PhraseSegmenter {
	def := DefaultPhraseConfig()
	if cfg.MinRunes <= 0 {
		cfg.MinRunes = def.MinRunes
	}
	if cfg.MaxRunes <= 0 {
		cfg.MaxRunes = def.MaxRunes
	}
	if cfg.ClauseWords < 0 {
		cfg.ClauseWords = 0
	}
	return &PhraseSegmenter{cfg: cfg}
}

// Push appends text and returns the phrases it completed, in order.
func (s *PhraseSegmenter) Push(text string) []string {
	if text == "" {
		return nil
	}
	s.buf.WriteString(text)

	var out []string
	for {
		content := s.buf.String()
		cut := s.findCut(content)
		if cut <= 0 {
			return out
		}
		phrase := strings.TrimSpace(content[:cut])
		rest := content[cut:]
		s.buf.Reset()
		s.buf.WriteString(rest)
		if phrase != "" {
			out = append(out, phrase)
		}
	}
}

// Flush returns whatever is buffered and empties the segmenter.
func (s *PhraseSegmenter) Flush() string {
	out := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return out
}

// Reset discards buffered text.
func (s *PhraseSegmenter) Reset() {
	s.buf.Reset()
}

// Pending returns the buffered text.
func (s *PhraseSegmenter) Pending() string {
	return s.buf.String()
}

// findCut returns the byte offset ending the next phrase, or 0.
func (s *PhraseSegmenter) findCut(text string) int {
	runes := []rune(text)
	words := 0
	inWord := false
	offset := 0

	for i, r := range runes {
		offset += utf8.RuneLen(r)
		if i >= s.cfg.MaxRunes {
			break
		}
		if unicode.IsSpace(r) {
			inWord = false
		} else if !inWord {
			inWord = true
			words++
		}

		after := text[offset:]
		switch {
		case isSentenceEnd(r):
			if i+1 < s.cfg.MinRunes || s.heldPunctuation(text[:offset], after, r) {
				continue
			}
			return offset
		case isClauseBreak(r):
			if s.cfg.ClauseWords > 0 && words >= s.cfg.ClauseWords && after != "" {
				return offset
			}
		}
	}

	if len(runes) >= s.cfg.MaxRunes {
		return forcedCut(runes, s.cfg.MaxRunes)
	}
	return 0
}

// forcedCut splits an overlong run at the last clause break or space
// within limit runes, or hard at the limit.
func forcedCut(runes []rune, limit int) int {
	limit = min(limit, len(runes))
	for i := limit - 1; i > 0; i-- {
		if isClauseBreak(runes[i]) || unicode.IsSpace(runes[i]) {
			return len(string(runes[:i+1]))
		}
	}
	return len(string(runes[:limit]))
}

// heldPunctuation reports whether punctuation at the end of before does not
// end a sentence, or cannot be decided until more text arrives.
func (s *PhraseSegmenter) heldPunctuation(before, after string, punct rune) bool {
	if punct == '.' && strings.HasPrefix(after, ".") {
		return true
	}
	if punct == '.' && strings.HasSuffix(before, "..") {
		return after == "" || !startsSentence(after)
	}
	if punct != '.' {
		return false
	}

	word := lastWord(before)
	if titles[word] {
		return true
	}
	if startsSentence(after) {
		return false
	}
	if abbreviations[word] {
		return true
	}
	for _, re := range openNumber {
		if re.MatchString(before) {
			return true
		}
	}
	for _, re := range openAddress {
		if re.MatchString(before) {
			return true
		}
	}
	if after == "" {
		return false
	}
	next, _ := utf8.DecodeRuneInString(after)
	return unicode.IsLower(next) || unicode.IsDigit(next)
}

// startsSentence reports whether after looks like whitespace followed by a
// capital letter.
func startsSentence(after string) bool {
	trimmed := strings.TrimLeft(after, " \t\n")
	if trimmed == after || trimmed == "" {
		return false
	}
	r, _ := utf8.DecodeRuneInString(trimmed)
	return unicode.IsUpper(r)
}

func lastWord(before string) string {
	fields := strings.Fields(strings.TrimSuffix(before, "."))
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.ToLower(fields[len(fields)-1]), ".")
}
