package domain

import "testing"

func validGen() GenerationParameters {
	return GenerationParameters{
		Prompt:        "a lighthouse",
		ModelKey:      "m",
		Width:         512,
		Height:        512,
		Steps:         20,
		GuidanceScale: 7,
		BatchSize:     1,
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	p := validGen()
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if p.Scheduler != "normal" {
		t.Fatalf("expected default scheduler, got %q", p.Scheduler)
	}
	if p.CorrelationToken == "" {
		t.Fatalf("expected generated correlation token")
	}

	// An explicit token survives revalidation.
	token := p.CorrelationToken
	if err := p.Validate(); err != nil {
		t.Fatalf("revalidate error: %v", err)
	}
	if p.CorrelationToken != token {
		t.Fatalf("token regenerated on revalidation")
	}
}

func TestValidateRejectsNeverClamps(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*GenerationParameters)
	}{
		{"missing prompt", func(p *GenerationParameters) { p.Prompt = "" }},
		{"missing model", func(p *GenerationParameters) { p.ModelKey = "" }},
		{"batch zero", func(p *GenerationParameters) { p.BatchSize = 0 }},
		{"batch over cap", func(p *GenerationParameters) { p.BatchSize = MaxBatchSize + 1 }},
		{"width under minimum", func(p *GenerationParameters) { p.Width = MinDimension - 8 }},
		{"width over maximum", func(p *GenerationParameters) { p.Width = MaxDimension + 8 }},
		{"width off grid", func(p *GenerationParameters) { p.Width = 510 }},
		{"height off grid", func(p *GenerationParameters) { p.Height = 511 }},
		{"steps over cap", func(p *GenerationParameters) { p.Steps = MaxSteps + 1 }},
		{"guidance under minimum", func(p *GenerationParameters) { p.GuidanceScale = 0.5 }},
		{"guidance over maximum", func(p *GenerationParameters) { p.GuidanceScale = MaxGuidance + 1 }},
	}
	for _, tc := range cases {
		p := validGen()
		tc.mut(&p)
		mutated := p
		err := p.Validate()
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if KindOf(err) != KindValidation {
			t.Fatalf("%s: expected validation kind, got %v", tc.name, err)
		}
		// Rejected input must come back untouched, not silently adjusted.
		if p != mutated {
			t.Fatalf("%s: parameters mutated on rejection", tc.name)
		}
	}
}

func TestStepTransitions(t *testing.T) {
	legal := []struct {
		from, to StepStatus
	}{
		{StepStatusPending, StepStatusProcessing},
		{StepStatusPending, StepStatusFailed},
		{StepStatusProcessing, StepStatusCompleted},
		{StepStatusProcessing, StepStatusFailed},
	}
	for _, tc := range legal {
		if !tc.from.CanTransition(tc.to) {
			t.Fatalf("%s -> %s should be legal", tc.from, tc.to)
		}
	}
	illegal := []struct {
		from, to StepStatus
	}{
		{StepStatusPending, StepStatusCompleted},
		{StepStatusProcessing, StepStatusPending},
		{StepStatusCompleted, StepStatusProcessing},
		{StepStatusFailed, StepStatusProcessing},
		{StepStatusFailed, StepStatusPending},
	}
	for _, tc := range illegal {
		if tc.from.CanTransition(tc.to) {
			t.Fatalf("%s -> %s should be illegal", tc.from, tc.to)
		}
	}
	if !StepStatusCompleted.Terminal() || !StepStatusFailed.Terminal() {
		t.Fatalf("completed and failed must be terminal")
	}
	if StepStatusProcessing.Terminal() {
		t.Fatalf("processing is not terminal")
	}
}

func TestArtifactTransitionsAllowRetry(t *testing.T) {
	if !ArtifactStatusFailed.CanTransition(ArtifactStatusProcessing) {
		t.Fatalf("failed artifacts must be retryable")
	}
	if ArtifactStatusCompleted.CanTransition(ArtifactStatusProcessing) {
		t.Fatalf("completed artifacts must not re-enter processing")
	}
	if !ArtifactStatusPending.CanTransition(ArtifactStatusFailed) {
		t.Fatalf("pending may fail directly when the backend never produced the artifact")
	}
}

func TestErrorKindsAndRetryability(t *testing.T) {
	if !IsRetryable(NewConnectionError("x", nil)) {
		t.Fatalf("connection errors retry")
	}
	if !IsRetryable(NewResourceError("x", nil)) {
		t.Fatalf("resource errors retry")
	}
	if !IsRetryable(NewRetrievalError("x", nil)) {
		t.Fatalf("retrieval errors retry")
	}
	if IsRetryable(NewValidationError("x")) {
		t.Fatalf("validation errors must not retry")
	}
	if IsRetryable(ErrNotFound) {
		t.Fatalf("untyped errors must not retry")
	}
	if KindOf(ErrNotFound) != KindUnknown {
		t.Fatalf("untyped errors classify as unknown")
	}
}
