package translate

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

// The web session emits no token accounting, so usage fields on
// OpenAI-shaped responses are estimated locally. cl100k_base is close
// enough for budgeting dashboards; exact counts are not a goal.
var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func tokenizer() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("tiktoken unavailable, falling back to byte estimate")
			return
		}
		encoding = enc
	})
	return encoding
}

// countTokens counts tokens in text, falling back to the 4-bytes-per-token
// heuristic when the encoding cannot be loaded.
func countTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := tokenizer(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// EstimateUsage fills the usage block from the request messages and the
// completion text.
func EstimateUsage(req *ChatRequest, completion string) Usage {
	var prompt int
	if req != nil {
		for _, msg := range req.Messages {
			var s string
			if err := json.Unmarshal(msg.Content, &s); err == nil {
				prompt += countTokens(s)
				continue
			}
			var parts []contentPart
			if err := json.Unmarshal(msg.Content, &parts); err == nil {
				for _, p := range parts {
					prompt += countTokens(p.Text)
				}
			}
		}
	}
	out := countTokens(completion)
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}
