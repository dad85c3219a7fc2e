package core

import (
	"context"

	"github.com/markdave123-py/contextai/internal/models"
)

const DefaultTemperature float32 = 0.7

// ChatRequest is the outbound model request: an ordered, role-tagged
// message list plus generation settings.
type ChatRequest struct {
	APIKey        string
	Model         string
	Messages      []models.Message
	Temperature   float32
	SearchEnabled bool
}

// Fragment is one element of a streamed response. A fragment with a non-nil
// Err is always the last one delivered.
type Fragment struct {
	Text string
	Err  error
}

// ChatStreamer produces the model response as an ordered sequence of text
// fragments. The channel is closed after the final fragment; cancelling ctx
// stops the producer.
type ChatStreamer interface {
	StreamChat(ctx context.Context, req ChatRequest) (<-chan Fragment, error)
}
