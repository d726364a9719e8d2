package provider

import (
	"context"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/floegence/redeven-chat/internal/frame"
)

type anthropicStreamer struct {
	client anthropic.Client
}

func newAnthropicStreamer(baseURL string, apiKey string) *anthropicStreamer {
	opts := []aoption.RequestOption{
		aoption.WithAPIKey(strings.TrimSpace(apiKey)),
		aoption.WithMaxRetries(0),
	}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &anthropicStreamer{client: anthropic.NewClient(opts...)}
}

func (p *anthropicStreamer) stream(ctx context.Context, req Request, emit func(frame.Frame) error) error {
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: int64(maxTokens),
		Messages:  buildAnthropicMessages(req.Messages),
	}
	system := strings.TrimSpace(req.System)
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem && strings.TrimSpace(msg.Content) != "" {
			system = strings.TrimSpace(system + "\n\n" + strings.TrimSpace(msg.Content))
		}
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	thinking := false
	for stream.Next() {
		event := stream.Current()
		variant, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		switch delta := variant.Delta.AsAny().(type) {
		case anthropic.ThinkingDelta:
			if strings.TrimSpace(delta.Thinking) == "" || thinking {
				continue
			}
			thinking = true
			if err := emit(frame.Thinking(true)); err != nil {
				return err
			}
		case anthropic.TextDelta:
			if delta.Text == "" {
				continue
			}
			if thinking {
				thinking = false
				if err := emit(frame.Thinking(false)); err != nil {
					return err
				}
			}
			if err := emit(frame.Text(delta.Text)); err != nil {
				return err
			}
		}
	}
	return stream.Err()
}

// buildAnthropicMessages drops system turns (they travel in params.System) and
// merges consecutive turns of the same role, which the API rejects.
func buildAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	lastRole := ""
	var pending []string
	flush := func() {
		if len(pending) == 0 {
			return
		}
		text := strings.Join(pending, "\n\n")
		if lastRole == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
		} else {
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		}
		pending = nil
	}
	for _, msg := range messages {
		text := strings.TrimSpace(msg.Content)
		if msg.Role == RoleSystem || text == "" {
			continue
		}
		role := RoleUser
		if msg.Role == RoleAssistant {
			role = RoleAssistant
		}
		if role != lastRole {
			flush()
			lastRole = role
		}
		pending = append(pending, text)
	}
	flush()
	if len(out) == 0 {
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")))
	}
	return out
}
