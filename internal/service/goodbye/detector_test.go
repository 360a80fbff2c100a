package goodbye

import "testing"

var defaultPhrases = []string{"bye", "goodbye", "see you", "talk to you later", "bye for now", "take care"}

func TestDetector_MatchesTerminationPhrases(t *testing.T) {
	d := New(defaultPhrases)

	tests := []struct {
		utterance string
		want      bool
	}{
		{"Okay, bye!", true},
		{"ok, bye", true},
		{"BYE", true},
		{"Goodbye.", true},
		{"Alright, see you tomorrow", true},
		{"Thanks, talk to you later!", true},
		{"bye for now", true},
		{"Take care of yourself", true},
		{"bye-bye", true},
		{"what's the weather", false},
		{"I need help with my order", false},
		{"the byelaw says otherwise", false},
		{"can you see your account", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.utterance, func(t *testing.T) {
			if got := d.Match(tt.utterance); got != tt.want {
				t.Errorf("Match(%q) = %v, want %v", tt.utterance, got, tt.want)
			}
		})
	}
}

func TestDetector_MatchPhraseReportsPhrase(t *testing.T) {
	d := New(defaultPhrases)

	phrase, ok := d.MatchPhrase("Great, talk to you later")
	if !ok {
		t.Fatal("expected match")
	}
	if phrase != "talk to you later" {
		t.Errorf("expected 'talk to you later', got %q", phrase)
	}
}

func TestDetector_CustomPhrasesWithApostrophes(t *testing.T) {
	d := New([]string{"that's all", "  ", ""})

	if !d.Match("No, that’s all, thanks") {
		t.Error("expected curly apostrophe to match")
	}
	if d.Match("that is all") {
		t.Error("did not expect match without the contraction")
	}
}

func TestDetector_EmptyAndNil(t *testing.T) {
	if New(nil).Match("bye") {
		t.Error("detector without phrases must never match")
	}
	var d *Detector
	if d.Match("bye") {
		t.Error("nil detector must never match")
	}
}

func TestDetector_Stateless(t *testing.T) {
	d := New(defaultPhrases)

	for i := 0; i < 3; i++ {
		if !d.Match("bye") {
			t.Fatalf("iteration %d: expected match", i)
		}
		if d.Match("hello there") {
			t.Fatalf("iteration %d: unexpected match", i)
		}
	}
}
