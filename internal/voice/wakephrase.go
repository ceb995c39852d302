package voice

import (
	"regexp"
	"sort"
	"strings"
)

var spaceRun = regexp.MustCompile(`\s+`)

const trimSet = " ,.!?;:-\"'`~"

// WakeDetector matches wake phrases anywhere in a transcript.
type WakeDetector struct {
	phrases []string
}

// NewWakeDetector normalizes the phrases and orders them longest first so
// "hey nexus" is preferred over "nexus" when both occur.
func NewWakeDetector(phrases []string) *WakeDetector {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if n := normalize(p); n != "" {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return &WakeDetector{phrases: out}
}

func (w *WakeDetector) Phrases() []string { return append([]string(nil), w.phrases...) }

// Detect reports whether any phrase occurs in text (case-insensitive
// substring) and returns whatever follows the matched phrase.
func (w *WakeDetector) Detect(text string) (bool, string) {
	s := normalize(text)
	if s == "" {
		return false, ""
	}
	for _, wp := range w.phrases {
		if i := strings.Index(s, wp); i >= 0 {
			return true, strings.Trim(s[i+len(wp):], trimSet)
		}
	}
	return false, ""
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return spaceRun.ReplaceAllString(s, " ")
}
