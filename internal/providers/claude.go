package providers

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
)

// ClaudeClient serves trust validation
type ClaudeClient struct {
	messages  *anthropic.MessageService
	model     string
	maxTokens int64
	timeout   time.Duration
}

// NewClaudeClient creates an Anthropic Messages API client. Each call,
// retries included, is bounded by timeout when it is positive. Extra request
// options (base URL, retries) are passed through to the SDK.
func NewClaudeClient(apiKey, model string, timeout time.Duration, opts ...option.RequestOption) *ClaudeClient {
	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &ClaudeClient{
		messages:  &client.Messages,
		model:     model,
		maxTokens: 500,
		timeout:   timeout,
	}
}

// Complete sends a single user turn and concatenates the text blocks of the reply
func (c *ClaudeClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.messages.New(ctx, params)
	if err != nil {
		return "", eris.Wrap(err, "claude: create message")
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", eris.New("claude: empty reply")
	}
	return out.String(), nil
}
