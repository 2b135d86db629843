// Package transcriber turns decoded audio into text through a speech-to-text
// service.
package transcriber

import (
	"context"
	"errors"
	"strings"

	"github.com/dshills/lyricmatch/internal/policy"
)

var (
	// ErrTranscriptionFailed wraps every service failure
	ErrTranscriptionFailed = errors.New("transcription failed")
	// ErrNoAudio is returned for a request without samples
	ErrNoAudio = errors.New("no audio samples")
	// ErrUnsupportedModel is returned when no service model is mapped for a
	// speech model size
	ErrUnsupportedModel = errors.New("unsupported speech model")
)

// Request is one clip to transcribe
type Request struct {
	Samples      []float32
	SampleRate   int
	SpeechModel  policy.SpeechModel
	LanguageHint string // Empty lets the service detect the language
}

// Result is the raw transcript and the language the service detected
type Result struct {
	Text     string
	Language string
}

// Transcriber converts speech to text
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// Static returns a fixed transcript. It backs dry runs and tests.
type Static struct {
	Text     string
	Language string
}

// Transcribe returns the configured transcript
func (s Static) Transcribe(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if len(req.Samples) == 0 {
		return Result{}, ErrNoAudio
	}
	lang := s.Language
	if req.LanguageHint != "" {
		lang = req.LanguageHint
	}
	return Result{Text: strings.TrimSpace(s.Text), Language: lang}, nil
}

// DefaultModelNames maps speech model sizes to Whisper model names
func DefaultModelNames() map[policy.SpeechModel]string {
	return map[policy.SpeechModel]string{
		policy.SpeechTiny:   "tiny",
		policy.SpeechBase:   "base",
		policy.SpeechSmall:  "small",
		policy.SpeechMedium: "medium",
		policy.SpeechLarge:  "large-v3",
	}
}
