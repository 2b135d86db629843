// Package policy maps access tiers to the processing options and resource
// limits they permit. Validation is a pure function over a declarative table
// so adding a tier or relaxing a limit only touches the table.
package policy

import (
	"fmt"
	"sort"
	"time"
)

// Tier is an access class
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// SpeechModel is a speech-to-text model size
type SpeechModel string

const (
	SpeechTiny   SpeechModel = "tiny"
	SpeechBase   SpeechModel = "base"
	SpeechSmall  SpeechModel = "small"
	SpeechMedium SpeechModel = "medium"
	SpeechLarge  SpeechModel = "large"
)

// Engine selects the ranking strategy
type Engine string

const (
	EngineTFIDF  Engine = "tfidf"
	EngineNeural Engine = "neural"
	EngineHybrid Engine = "hybrid"
)

// RequiresEmbedding reports whether the engine needs an embedding model
func (e Engine) RequiresEmbedding() bool {
	return e == EngineNeural || e == EngineHybrid
}

// Embedding model identifiers offered by default
const (
	ModelMiniLM           = "all-MiniLM-L6-v2"
	ModelMPNet            = "all-mpnet-base-v2"
	ModelParaphraseMiniLM = "paraphrase-MiniLM-L6-v2"
)

// ProcessingConfig is the caller's choice of options for one job
type ProcessingConfig struct {
	Tier           Tier        `json:"tier" yaml:"tier"`
	SpeechModel    SpeechModel `json:"speech_model" yaml:"speech_model"`
	Engine         Engine      `json:"engine" yaml:"engine"`
	EmbeddingModel string      `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty"`
	LanguageHint   string      `json:"language,omitempty" yaml:"language,omitempty"`
}

// AudioFacts are the measurable properties of a submitted clip.
// Duration is zero when it cannot be determined before decoding.
type AudioFacts struct {
	SizeBytes int64
	Duration  time.Duration
}

// Capabilities lists what a tier may use
type Capabilities struct {
	SpeechModels    []SpeechModel `yaml:"speech_models" json:"speech_models"`
	Engines         []Engine      `yaml:"engines" json:"engines"`
	EmbeddingModels []string      `yaml:"embedding_models" json:"embedding_models"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes" json:"max_upload_bytes"`
	MaxClipDuration time.Duration `yaml:"max_clip_duration" json:"max_clip_duration"`
}

// Table is the declarative tier matrix
type Table map[Tier]Capabilities

const mebibyte = 1 << 20

// DefaultTable returns the built-in tier matrix
func DefaultTable() Table {
	return Table{
		TierFree: {
			SpeechModels:    []SpeechModel{SpeechTiny, SpeechBase},
			Engines:         []Engine{EngineTFIDF},
			EmbeddingModels: nil,
			MaxUploadBytes:  20 * mebibyte,
			MaxClipDuration: 60 * time.Second,
		},
		TierPremium: {
			SpeechModels:    []SpeechModel{SpeechTiny, SpeechBase, SpeechSmall, SpeechMedium, SpeechLarge},
			Engines:         []Engine{EngineTFIDF, EngineNeural, EngineHybrid},
			EmbeddingModels: []string{ModelMiniLM, ModelMPNet, ModelParaphraseMiniLM},
			MaxUploadBytes:  200 * mebibyte,
			MaxClipDuration: 300 * time.Second,
		},
	}
}

// Policy validates processing configurations against a tier table
type Policy struct {
	table Table
}

// New creates a policy over table. A nil table uses DefaultTable.
func New(table Table) *Policy {
	if table == nil {
		table = DefaultTable()
	}
	return &Policy{table: table}
}

// Validate checks cfg and facts against the tier's capabilities. It returns
// nil or a *Rejection naming the first violated constraint, checked in the
// order tier, speech model, engine, embedding model, size, duration.
func (p *Policy) Validate(cfg ProcessingConfig, facts AudioFacts) error {
	caps, ok := p.table[cfg.Tier]
	if !ok {
		return reject(ReasonUnsupportedTier, "unknown tier %q", cfg.Tier)
	}

	if !contains(caps.SpeechModels, cfg.SpeechModel) {
		return reject(ReasonUnsupportedSpeechModel,
			"speech model %q is not available on the %s tier (allowed: %v)", cfg.SpeechModel, cfg.Tier, caps.SpeechModels)
	}

	if !contains(caps.Engines, cfg.Engine) {
		return reject(ReasonUnsupportedEngine,
			"ranking engine %q is not available on the %s tier (allowed: %v)", cfg.Engine, cfg.Tier, caps.Engines)
	}

	switch {
	case cfg.Engine.RequiresEmbedding() && cfg.EmbeddingModel == "":
		return reject(ReasonUnsupportedEmbeddingModel,
			"ranking engine %q requires an embedding model", cfg.Engine)
	case cfg.EmbeddingModel != "" && !contains(caps.EmbeddingModels, cfg.EmbeddingModel):
		return reject(ReasonUnsupportedEmbeddingModel,
			"embedding model %q is not available on the %s tier", cfg.EmbeddingModel, cfg.Tier)
	}

	if caps.MaxUploadBytes > 0 && facts.SizeBytes > caps.MaxUploadBytes {
		return reject(ReasonFileTooLarge,
			"file is %d bytes, the %s tier allows at most %d", facts.SizeBytes, cfg.Tier, caps.MaxUploadBytes)
	}

	if caps.MaxClipDuration > 0 && facts.Duration > caps.MaxClipDuration {
		return reject(ReasonClipTooLong,
			"clip is %s long, the %s tier allows at most %s", facts.Duration, cfg.Tier, caps.MaxClipDuration)
	}

	return nil
}

// Capabilities returns the capabilities for tier
func (p *Policy) Capabilities(tier Tier) (Capabilities, bool) {
	caps, ok := p.table[tier]
	return caps, ok
}

// WithDefaults fills unset options in cfg with the first value its tier
// allows. An empty tier becomes free; an unknown tier is left for Validate
// to reject.
func (p *Policy) WithDefaults(cfg ProcessingConfig) ProcessingConfig {
	if cfg.Tier == "" {
		cfg.Tier = TierFree
	}
	caps, ok := p.table[cfg.Tier]
	if !ok {
		return cfg
	}
	if cfg.SpeechModel == "" && len(caps.SpeechModels) > 0 {
		cfg.SpeechModel = caps.SpeechModels[0]
	}
	if cfg.Engine == "" && len(caps.Engines) > 0 {
		cfg.Engine = caps.Engines[0]
	}
	if cfg.EmbeddingModel == "" && cfg.Engine.RequiresEmbedding() && len(caps.EmbeddingModels) > 0 {
		cfg.EmbeddingModel = caps.EmbeddingModels[0]
	}
	return cfg
}

// MaxClipDuration returns the duration cap the preprocess stage truncates to
func (p *Policy) MaxClipDuration(tier Tier) time.Duration {
	return p.table[tier].MaxClipDuration
}

// MaxUploadBytes returns the largest upload any tier accepts
func (p *Policy) MaxUploadBytes() int64 {
	var max int64
	for _, caps := range p.table {
		if caps.MaxUploadBytes > max {
			max = caps.MaxUploadBytes
		}
	}
	return max
}

// Tiers returns the configured tiers in name order
func (p *Policy) Tiers() []Tier {
	tiers := make([]Tier, 0, len(p.table))
	for t := range p.table {
		tiers = append(tiers, t)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })
	return tiers
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}
