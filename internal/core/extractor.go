package core

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// PageExtractor turns a host-page snapshot into plain text.
type PageExtractor interface {
	// ExtractText returns a channel of text fragments in document order. The
	// contentType hint selects the parsing strategy.
	ExtractText(ctx context.Context, g *errgroup.Group, body []byte, contentType string) (<-chan string, error)
}
