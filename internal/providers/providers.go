// Package providers holds the clients of the external analysis providers
// used by the validation pipeline.
package providers

import "context"

// Completer sends a prompt and returns the model's text reply
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Embedder turns text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
