package stages

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/heyronith/kurral-sub012/internal/ports"
)

// DefaultStageConfig returns the settings used when a stage is not
// configured explicitly.
func DefaultStageConfig() StageConfig {
	return StageConfig{Temperature: 0.1, MaxTokens: 1024}
}

// DefaultVerificationConfig returns the verification defaults.
func DefaultVerificationConfig() VerificationConfig {
	return VerificationConfig{
		StageConfig:   DefaultStageConfig(),
		Concurrency:   DefaultVerificationConcurrency,
		EvidenceLimit: DefaultEvidenceLimit,
	}
}

// DecodeStageConfig overlays raw, typically a parsed YAML mapping, onto
// defaults and validates the result. Keys absent from raw keep their
// default values.
func DecodeStageConfig[T any](raw map[string]any, defaults T) (T, error) {
	config := defaults
	if len(raw) == 0 {
		return config, validate.Struct(config)
	}

	encoded, err := yaml.Marshal(raw)
	if err != nil {
		return defaults, fmt.Errorf("encoding stage config: %w", err)
	}
	if err := yaml.Unmarshal(encoded, &config); err != nil {
		return defaults, fmt.Errorf("decoding stage config: %w", err)
	}
	if err := validate.Struct(config); err != nil {
		return defaults, fmt.Errorf("invalid stage config: %w", err)
	}
	return config, nil
}

// NewPrecheckStageFromConfig builds a PrecheckStage from a raw mapping.
func NewPrecheckStageFromConfig(gen ports.Generator, raw map[string]any) (*PrecheckStage, error) {
	cfg, err := DecodeStageConfig(raw, DefaultStageConfig())
	if err != nil {
		return nil, err
	}
	return NewPrecheckStage(gen, cfg)
}

// NewExtractionStageFromConfig builds an ExtractionStage from a raw mapping.
func NewExtractionStageFromConfig(gen ports.Generator, raw map[string]any) (*ExtractionStage, error) {
	cfg, err := DecodeStageConfig(raw, DefaultStageConfig())
	if err != nil {
		return nil, err
	}
	return NewExtractionStage(gen, cfg)
}

// NewVerificationStageFromConfig builds a VerificationStage from a raw mapping.
func NewVerificationStageFromConfig(
	gen ports.Generator,
	searcher ports.EvidenceSearcher,
	raw map[string]any,
) (*VerificationStage, error) {
	cfg, err := DecodeStageConfig(raw, DefaultVerificationConfig())
	if err != nil {
		return nil, err
	}
	return NewVerificationStage(gen, searcher, cfg)
}

// NewScoringStageFromConfig builds a ScoringStage from a raw mapping.
func NewScoringStageFromConfig(gen ports.Generator, raw map[string]any) (*ScoringStage, error) {
	cfg, err := DecodeStageConfig(raw, DefaultStageConfig())
	if err != nil {
		return nil, err
	}
	return NewScoringStage(gen, cfg)
}
