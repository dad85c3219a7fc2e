package ingestion_engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/contextai/internal/core"
)

// PageTextLimit caps the page text forwarded to the model.
const PageTextLimit = 1000

var ErrQueueFull = errors.New("page queue full")

// PageJob is one page snapshot submitted by a content context.
type PageJob struct {
	ContextID   string
	Body        []byte
	ContentType string
}

// PageSink receives the extracted text for a context.
type PageSink interface {
	SetPageText(contextID, text string) error
}

// PageIngestor extracts page text in the background with a fixed pool of
// workers reading from a bounded queue.
type PageIngestor struct {
	extractor core.PageExtractor
	sink      PageSink
	limit     int
	timeout   time.Duration
	jobs      chan PageJob
}

func NewPageIngestor(extractor core.PageExtractor, sink PageSink) *PageIngestor {
	return &PageIngestor{
		extractor: extractor,
		sink:      sink,
		limit:     PageTextLimit,
		timeout:   30 * time.Second,
		jobs:      make(chan PageJob, 64),
	}
}

// Start launches numWorkers goroutines that stop when ctx ends.
func (i *PageIngestor) Start(ctx context.Context, numWorkers int) {
	if numWorkers < 1 {
		numWorkers = 1
	}
	for w := 1; w <= numWorkers; w++ {
		go func(w int) {
			for {
				select {
				case <-ctx.Done():
					slog.Debug("page ingestor: worker shutting down", "worker", w)
					return
				case job := <-i.jobs:
					if err := i.processOne(ctx, job); err != nil {
						slog.Warn("page ingestor: extraction failed",
							"context_id", job.ContextID, "worker", w, "error", err)
					}
				}
			}
		}(w)
	}
}

// Enqueue schedules a snapshot without blocking the caller.
func (i *PageIngestor) Enqueue(job PageJob) error {
	select {
	case i.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (i *PageIngestor) processOne(ctx context.Context, job PageJob) error {
	text, err := i.Extract(ctx, job.Body, job.ContentType)
	if err != nil {
		return err
	}
	return i.sink.SetPageText(job.ContextID, text)
}

// Extract runs the extract -> assemble pipeline synchronously.
func (i *PageIngestor) Extract(ctx context.Context, body []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	frags, err := i.extractor.ExtractText(gctx, g, body, contentType)
	if err != nil {
		return "", err
	}

	var text string
	g.Go(func() error {
		var err error
		text, err = assemble(gctx, frags, i.limit)
		return err
	})

	if err := g.Wait(); err != nil {
		return "", err
	}
	return text, nil
}
