package ingestion_engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"strings"

	"code.sajari.com/docconv"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/contextai/internal/core"
)

// PageTextExtractor approximates a page's visible text. HTML goes through
// goquery with non-rendered elements removed, plain text is split as is and
// everything else is handed to docconv.
type PageTextExtractor struct {
	useReadability bool
}

func NewPageTextExtractor(useReadability bool) *PageTextExtractor {
	return &PageTextExtractor{useReadability: useReadability}
}

var _ core.PageExtractor = (*PageTextExtractor)(nil)

func mediaType(contentType string) string {
	if contentType == "" {
		return "text/html"
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

func (e *PageTextExtractor) ExtractText(ctx context.Context, g *errgroup.Group, body []byte, contentType string) (<-chan string, error) {
	mt := mediaType(contentType)

	var text func() (string, error)
	switch mt {
	case "text/html", "application/xhtml+xml":
		text = func() (string, error) { return htmlText(body) }
	case "text/plain":
		text = func() (string, error) { return string(body), nil }
	default:
		text = func() (string, error) {
			res, err := docconv.Convert(bytes.NewReader(body), mt, e.useReadability)
			if err != nil {
				return "", fmt.Errorf("docconv %s: %w", mt, err)
			}
			return res.Body, nil
		}
	}

	out := make(chan string, 32)
	g.Go(func() error {
		defer close(out)

		s, err := text()
		if err != nil {
			return err
		}
		if s == "" {
			slog.Debug("page extractor: empty text", "content_type", mt)
			return nil
		}

		sc := bufio.NewScanner(strings.NewReader(s))
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			select {
			case out <- line:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return sc.Err()
	})
	return out, nil
}

func htmlText(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, template, head").Remove()

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	// Block boundaries become line breaks, as in rendered text.
	root.Find("br").ReplaceWithHtml("\n")
	root.Find("p, div, li, h1, h2, h3, h4, h5, h6, tr, section, article, header, footer, pre, blockquote").
		Each(func(_ int, s *goquery.Selection) {
			s.AppendHtml("\n")
		})
	return root.Text(), nil
}
