package ai

import "context"

// Classification is the model's read on a single email body.
type Classification struct {
	Category  string `json:"category"`
	Summary   string `json:"summary"`
	Sentiment string `json:"sentiment"`
}

// Classifier is implemented by whatever model backend is plugged in.
// The server runs without one; the AI endpoints report unavailable.
type Classifier interface {
	Classify(ctx context.Context, text string) (*Classification, error)
	Reply(ctx context.Context, text, tone string) (string, error)
}
