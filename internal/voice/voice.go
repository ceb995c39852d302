// Package voice implements wake-word turn taking on top of pluggable speech
// recognition and synthesis engines.
package voice

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrRecognizerRunning is returned by Recognizer.Start when a session is
	// already active. Callers treat it as success.
	ErrRecognizerRunning = errors.New("recognizer already running")
	ErrNoVoices          = errors.New("no synthesis voices available")
	ErrSynthesis         = errors.New("speech synthesis failed")
)

// Result is one recognition hypothesis.
type Result struct {
	Transcript string
	Final      bool
}

// RecognizerHandlers receive recognizer events. They may be called from any
// goroutine but never concurrently with each other for one recognizer.
type RecognizerHandlers struct {
	OnResult func(Result)
	OnEnd    func()
	OnError  func(error)
}

// Recognizer is a continuous speech recognition engine. Start begins a
// session; Stop ends it without blocking and OnEnd follows.
type Recognizer interface {
	SetHandlers(h RecognizerHandlers)
	Start() error
	Stop()
}

// Voice is one entry of a synthesizer's inventory.
type Voice struct {
	Name   string `json:"name"`
	Lang   string `json:"lang"`
	Gender string `json:"gender,omitempty"`
}

func (v Voice) female() bool {
	if strings.EqualFold(v.Gender, "female") {
		return true
	}
	n := strings.ToLower(v.Name)
	return strings.Contains(n, "female") || strings.Contains(n, "woman")
}

// Utterance is a request to speak.
type Utterance struct {
	Text   string
	Voice  string
	Pitch  float64
	Rate   float64
	Volume float64
}

// Synthesizer speaks text. Speak blocks until playback finishes, fails, or
// ctx is cancelled. Cancel aborts whatever is playing.
type Synthesizer interface {
	Voices() []Voice
	OnVoicesChanged(fn func())
	Speak(ctx context.Context, u Utterance) error
	Cancel()
}

// SelectVoice picks a voice: the first whose name contains any preferred
// name, then a female English voice, then any en-US voice, then the first.
func SelectVoice(voices []Voice, preferred []string) (Voice, bool) {
	if len(voices) == 0 {
		return Voice{}, false
	}
	for _, v := range voices {
		for _, p := range preferred {
			if p != "" && strings.Contains(v.Name, p) {
				return v, true
			}
		}
	}
	for _, v := range voices {
		if v.female() && strings.HasPrefix(v.Lang, "en") {
			return v, true
		}
	}
	for _, v := range voices {
		if v.Lang == "en-US" {
			return v, true
		}
	}
	return voices[0], true
}
