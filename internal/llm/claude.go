package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mnemosyne-dev/mnemosyne/internal/types"
)

const maxRetries = 3
const baseDelay = 2 * time.Second

// Rough per-token pricing used for the consolidation cost budget.
const (
	inputTokenUSD  = 3.0 / 1_000_000
	outputTokenUSD = 15.0 / 1_000_000
)

// Claude implements Bridge against the Anthropic API. Operations are framed
// as a system prompt asking for a single JSON object whose keys are the
// output names.
type Claude struct {
	client anthropic.Client
	model  string

	mu    sync.Mutex
	spent float64
}

func NewClaude(apiKey, model string) *Claude {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &Claude{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (c *Claude) Available() bool { return true }

func (c *Claude) SpentUSD() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spent
}

func (c *Claude) Call(ctx context.Context, operation string, inputs map[string]string) (map[string]string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Operation: %s\n\n", operation)
	for name, value := range inputs {
		fmt.Fprintf(&b, "<%s>\n%s\n</%s>\n\n", name, value, name)
	}
	b.WriteString("Respond with a single JSON object mapping output names to string values. No prose outside the JSON.")

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: "You are a precise reasoning service inside a memory system. Answer only in the requested JSON shape."},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(b.String())),
		},
	}

	var resp *anthropic.Message
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		resp, err = c.client.Messages.New(ctx, params)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, types.WrapError(types.CANCELLED, "bridge call cancelled", ctx.Err())
		}
		if !isRetryableError(err) {
			return nil, classify(err)
		}
		if attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, types.WrapError(types.CANCELLED, "bridge call cancelled", ctx.Err())
			}
		}
	}
	if err != nil {
		return nil, classify(err)
	}

	c.mu.Lock()
	c.spent += float64(resp.Usage.InputTokens)*inputTokenUSD + float64(resp.Usage.OutputTokens)*outputTokenUSD
	c.mu.Unlock()

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text = block.Text
		}
	}
	outputs, err := parseOutputs(text)
	if err != nil {
		return nil, types.WrapError(types.BRIDGE_CALL_FAILED,
			fmt.Sprintf("operation %s returned malformed output", operation), err)
	}
	return outputs, nil
}

// parseOutputs extracts the first JSON object from the response, tolerating
// a fenced code block around it.
func parseOutputs(text string) (map[string]string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, err
	}
	outputs := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			outputs[k] = val
		default:
			b, _ := json.Marshal(val)
			outputs[k] = string(b)
		}
	}
	return outputs, nil
}

func isRetryableError(err error) bool {
	s := err.Error()
	return strings.Contains(s, "529") ||
		strings.Contains(s, "overloaded") ||
		strings.Contains(s, "Overloaded") ||
		strings.Contains(s, "503") ||
		strings.Contains(s, "502") ||
		strings.Contains(s, "429")
}

func classify(err error) error {
	s := err.Error()
	switch {
	case strings.Contains(s, "401") || strings.Contains(s, "authentication"):
		return types.WrapError(types.AUTHENTICATION_FAILED, "reasoning service rejected credentials", err)
	case strings.Contains(s, "429"):
		return types.WrapRetryable(types.RATE_LIMIT_EXCEEDED, "reasoning service rate limit", err)
	case strings.Contains(s, "connection") || strings.Contains(s, "no such host"):
		return types.WrapRetryable(types.NETWORK_UNREACHABLE, "reasoning service unreachable", err)
	default:
		return types.WrapError(types.BRIDGE_CALL_FAILED, "reasoning service call failed", err)
	}
}

// FromConfig returns a live bridge when an API key is present, otherwise
// the Unavailable bridge.
func FromConfig(apiKey, model string) Bridge {
	if apiKey == "" {
		return Unavailable{}
	}
	return NewClaude(apiKey, model)
}
