package llm

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/markdave123-py/contextai/internal/models"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens approximates the prompt size of a message list with the
// cl100k_base encoding. Gemini does not publish its tokenizer, so this is
// only an estimate for logs and the view.
func EstimateTokens(msgs []models.Message) (int, error) {
	c, err := getCodec()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, m := range msgs {
		ids, _, err := c.Encode(m.Content)
		if err != nil {
			return 0, err
		}
		total += len(ids)
	}
	return total, nil
}
