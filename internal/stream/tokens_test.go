package stream

import (
	"reflect"
	"sort"
	"testing"
)

func sorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestTokenizeLowercasesAndSplits(t *testing.T) {
	tokens := Tokenize("Hello, World! (again)")
	want := []string{"hello", "world", "again"}
	if !reflect.DeepEqual(tokens, want) {
		t.Errorf("Tokenize = %v, want %v", tokens, want)
	}
}

func TestTokenizeKeepsMentionAndHashtagMarkers(t *testing.T) {
	tokens := Tokenize("cheers @Sam, loving #JoCo2020")
	want := []string{"cheers", "@sam", "loving", "#joco2020"}
	if !reflect.DeepEqual(tokens, want) {
		t.Errorf("Tokenize = %v, want %v", tokens, want)
	}
}

func TestTokenizeStripsTrailingSentencePunctuation(t *testing.T) {
	// A mention at the end of a sentence must still resolve.
	tokens := Tokenize("thanks @sam.")
	want := []string{"thanks", "@sam"}
	if !reflect.DeepEqual(tokens, want) {
		t.Errorf("Tokenize = %v, want %v", tokens, want)
	}
}

func TestMentions(t *testing.T) {
	// "x@y" is one token that does not start with '@', so it is not a mention.
	mentions := Mentions("hey @Alice and @bob, email me at x@y sometime")
	got := sorted(mentions)
	want := []string{"alice", "bob"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Mentions = %v, want %v", got, want)
	}
}

func TestMentionsIgnoresBareAt(t *testing.T) {
	if got := Mentions("meet @ noon"); len(got) != 0 {
		t.Errorf("Mentions of bare @ = %v, want empty", sorted(got))
	}
}

func TestHashtags(t *testing.T) {
	tags := Hashtags("#JoCo and #joco2020 and # nothing")
	got := sorted(tags)
	want := []string{"joco", "joco2020"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Hashtags = %v, want %v", got, want)
	}
}

func TestHasTokenIsExact(t *testing.T) {
	text := "counting down to #joco2020 with @samwise"

	if HasToken(text, "#joco") {
		t.Error("#joco must not match #joco2020")
	}
	if !HasToken(text, "#joco2020") {
		t.Error("#joco2020 should match")
	}
	if HasToken(text, "@sam") {
		t.Error("@sam must not match @samwise")
	}
	if !HasToken(text, "@samwise") {
		t.Error("@samwise should match")
	}
}

func TestHasTokenCaseInsensitive(t *testing.T) {
	if !HasToken("shipboard #Karaoke tonight", "#KARAOKE") {
		t.Error("token matching should ignore case")
	}
}

func TestContainsMutedKeyword(t *testing.T) {
	cases := []struct {
		text     string
		keywords []string
		want     bool
	}{
		{"the karaoke finals", []string{"karaoke"}, true},
		{"the KARAOKE finals", []string{"karaoke"}, true},
		{"superkaraokenight", []string{"karaoke"}, true}, // substring of a token
		{"nothing to see", []string{"karaoke"}, false},
		{"anything", nil, false},
		{"anything", []string{""}, false},
	}
	for _, tc := range cases {
		if got := ContainsMutedKeyword(tc.text, tc.keywords); got != tc.want {
			t.Errorf("ContainsMutedKeyword(%q, %v) = %v, want %v", tc.text, tc.keywords, got, tc.want)
		}
	}
}

func TestSetDiff(t *testing.T) {
	a := map[string]struct{}{"x": {}, "y": {}}
	b := map[string]struct{}{"y": {}, "z": {}}
	got := sorted(setDiff(a, b))
	if !reflect.DeepEqual(got, []string{"x"}) {
		t.Errorf("setDiff = %v, want [x]", got)
	}
}
