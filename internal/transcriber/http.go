package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/dshills/lyricmatch/internal/audio"
	"github.com/dshills/lyricmatch/internal/policy"
)

const (
	// DefaultEndpoint is a local whisper.cpp or faster-whisper server
	DefaultEndpoint = "http://localhost:8080/v1/audio/transcriptions"
	// DefaultTimeout bounds one transcription request
	DefaultTimeout = 5 * time.Minute
	// EnvAPIKey holds an optional bearer token
	EnvAPIKey = "LYRICMATCH_TRANSCRIBER_API_KEY"
)

// Config configures an HTTPTranscriber
type Config struct {
	Endpoint          string                        `yaml:"endpoint"`
	APIKey            string                        `yaml:"api_key"`
	Timeout           time.Duration                 `yaml:"timeout"`
	RequestsPerSecond float64                       `yaml:"requests_per_second"`
	Models            map[policy.SpeechModel]string `yaml:"models"`
}

// HTTPTranscriber calls an OpenAI-compatible /v1/audio/transcriptions API
type HTTPTranscriber struct {
	endpoint   string
	apiKey     string
	models     map[policy.SpeechModel]string
	limiter    *rate.Limiter
	httpClient *http.Client
}

// NewHTTP creates a transcriber. Unset fields take defaults.
func NewHTTP(cfg Config) *HTTPTranscriber {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(EnvAPIKey)
	}
	models := DefaultModelNames()
	for k, v := range cfg.Models {
		models[k] = v
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &HTTPTranscriber{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		models:     models,
		limiter:    limiter,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type transcriptionResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Transcribe uploads the clip as 16-bit WAV and asks for verbose JSON so
// the detected language comes back with the text
func (h *HTTPTranscriber) Transcribe(ctx context.Context, req Request) (Result, error) {
	if len(req.Samples) == 0 {
		return Result{}, ErrNoAudio
	}
	model, ok := h.models[req.SpeechModel]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedModel, req.SpeechModel)
	}
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
	}

	wavFile, err := os.CreateTemp("", "lyricmatch-clip-*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("create temp wav: %w", err)
	}
	defer func() {
		_ = wavFile.Close()
		_ = os.Remove(wavFile.Name())
	}()
	if err := audio.EncodeWAV(wavFile, req.Samples, req.SampleRate); err != nil {
		return Result{}, err
	}
	if _, err := wavFile.Seek(0, io.SeekStart); err != nil {
		return Result{}, fmt.Errorf("rewind temp wav: %w", err)
	}

	body, contentType := multipartBody(wavFile, model, req.LanguageHint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, body)
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{}, fmt.Errorf("%w: status %d: %s", ErrTranscriptionFailed, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrTranscriptionFailed, err)
	}
	lang := out.Language
	if lang == "" {
		lang = req.LanguageHint
	}
	return Result{Text: strings.TrimSpace(out.Text), Language: lang}, nil
}

// multipartBody streams the form so the clip is never held twice in memory
func multipartBody(clip io.Reader, model, language string) (io.Reader, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeForm(mw, clip, model, language)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()
	return pr, mw.FormDataContentType()
}

func writeForm(mw *multipart.Writer, clip io.Reader, model, language string) error {
	fields := map[string]string{
		"model":           model,
		"response_format": "verbose_json",
		"temperature":     "0",
	}
	if language != "" {
		fields["language"] = language
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", "clip.wav")
	if err != nil {
		return err
	}
	_, err = io.Copy(part, clip)
	return err
}
