// Package goodbye decides whether a finalized caller utterance asks to end the call.
package goodbye

import (
	"strings"
	"unicode"
)

// Detector matches termination phrases as whole words: the utterance and every
// phrase are lower-cased and split into word tokens (letters, digits and
// apostrophes), and a phrase matches when its tokens appear contiguously in the
// utterance. "Okay, bye!" matches "bye"; "byelaw" does not.
//
// A Detector holds only its immutable phrase list and is safe for concurrent use.
type Detector struct {
	phrases [][]string
}

// New builds a detector. Blank phrases are skipped.
func New(phrases []string) *Detector {
	d := &Detector{}
	for _, p := range phrases {
		if tokens := tokenize(p); len(tokens) > 0 {
			d.phrases = append(d.phrases, tokens)
		}
	}
	return d
}

// Match reports whether utterance contains any termination phrase.
func (d *Detector) Match(utterance string) bool {
	_, ok := d.MatchPhrase(utterance)
	return ok
}

// MatchPhrase is Match that also returns the phrase that matched.
func (d *Detector) MatchPhrase(utterance string) (string, bool) {
	if d == nil || len(d.phrases) == 0 {
		return "", false
	}
	words := tokenize(utterance)
	for _, phrase := range d.phrases {
		if containsRun(words, phrase) {
			return strings.Join(phrase, " "), true
		}
	}
	return "", false
}

func tokenize(s string) []string {
	s = strings.ToLower(strings.ReplaceAll(s, "’", "'"))
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func containsRun(words, run []string) bool {
	if len(run) > len(words) {
		return false
	}
outer:
	for i := 0; i+len(run) <= len(words); i++ {
		for j := range run {
			if words[i+j] != run[j] {
				continue outer
			}
		}
		return true
	}
	return false
}
