package ingestion_engine

import (
	"context"
	"strings"
)

// assemble joins fragments with newlines until limit characters are
// collected. The rest of the stream is drained so the producer can exit.
func assemble(ctx context.Context, frags <-chan string, limit int) (string, error) {
	var (
		b     strings.Builder
		count int
	)
	for frag := range frags {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if count >= limit {
			continue
		}
		if count > 0 {
			b.WriteByte('\n')
			count++
		}
		for _, r := range frag {
			if count >= limit {
				break
			}
			b.WriteRune(r)
			count++
		}
	}
	return truncate(b.String(), limit), nil
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
