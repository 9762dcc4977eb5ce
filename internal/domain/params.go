package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Bounds applied to incoming generation parameters. Out-of-range values are
// rejected, never clamped, so a caller always knows exactly what was submitted.
const (
	MaxBatchSize  = 10
	MinDimension  = 64
	MaxDimension  = 2048
	DimensionStep = 8
	MinSteps      = 1
	MaxSteps      = 150
	MinGuidance   = 1.0
	MaxGuidance   = 30.0
)

// GenerationParameters captures one user generation request before it is
// translated into a backend job graph.
type GenerationParameters struct {
	Prompt         string
	NegativePrompt string
	ModelKey       string
	VaeKey         string
	Width          int
	Height         int
	Steps          int
	GuidanceScale  float64
	Scheduler      string
	BatchSize      int
	Seed           *int64
	// CorrelationToken ties backend artifacts back to the step that produced
	// them. Generated on validation when the caller leaves it empty.
	CorrelationToken string
}

// Validate checks bounds and fills defaults. It mutates the receiver only to
// assign a missing correlation token and default scheduler.
func (p *GenerationParameters) Validate() error {
	if strings.TrimSpace(p.Prompt) == "" {
		return NewValidationError("prompt is required")
	}
	if p.ModelKey == "" {
		return NewValidationError("model is required")
	}
	if p.BatchSize < 1 || p.BatchSize > MaxBatchSize {
		return NewValidationError(fmt.Sprintf("batch size %d out of range [1,%d]", p.BatchSize, MaxBatchSize))
	}
	if err := validateDimension("width", p.Width); err != nil {
		return err
	}
	if err := validateDimension("height", p.Height); err != nil {
		return err
	}
	if p.Steps < MinSteps || p.Steps > MaxSteps {
		return NewValidationError(fmt.Sprintf("steps %d out of range [%d,%d]", p.Steps, MinSteps, MaxSteps))
	}
	if p.GuidanceScale < MinGuidance || p.GuidanceScale > MaxGuidance {
		return NewValidationError(fmt.Sprintf("guidance scale %.2f out of range [%.1f,%.1f]", p.GuidanceScale, MinGuidance, MaxGuidance))
	}
	if p.Scheduler == "" {
		p.Scheduler = "normal"
	}
	if p.CorrelationToken == "" {
		p.CorrelationToken = uuid.NewString()
	}
	return nil
}

func validateDimension(name string, v int) error {
	if v < MinDimension || v > MaxDimension {
		return NewValidationError(fmt.Sprintf("%s %d out of range [%d,%d]", name, v, MinDimension, MaxDimension))
	}
	if v%DimensionStep != 0 {
		return NewValidationError(fmt.Sprintf("%s %d must be a multiple of %d", name, v, DimensionStep))
	}
	return nil
}
