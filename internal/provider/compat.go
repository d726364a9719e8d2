package provider

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/floegence/redeven-chat/internal/frame"
	goopenai "github.com/sashabaranov/go-openai"
)

// compatStreamer speaks the plain chat-completions dialect served by most
// open-weight hosts.
type compatStreamer struct {
	client *goopenai.Client
}

func newCompatStreamer(baseURL string, apiKey string) *compatStreamer {
	cfg := goopenai.DefaultConfig(strings.TrimSpace(apiKey))
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
	return &compatStreamer{client: goopenai.NewClientWithConfig(cfg)}
}

func (p *compatStreamer) stream(ctx context.Context, req Request, emit func(frame.Frame) error) error {
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range req.Messages {
		text := strings.TrimSpace(msg.Content)
		if text == "" {
			continue
		}
		role := goopenai.ChatMessageRoleUser
		switch msg.Role {
		case RoleAssistant:
			role = goopenai.ChatMessageRoleAssistant
		case RoleSystem:
			role = goopenai.ChatMessageRoleSystem
		}
		messages = append(messages, goopenai.ChatCompletionMessage{Role: role, Content: text})
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:     strings.TrimSpace(req.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
		Stream:    true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	thinking := false
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, choice := range resp.Choices {
			if choice.Delta.ReasoningContent != "" && !thinking {
				thinking = true
				if err := emit(frame.Thinking(true)); err != nil {
					return err
				}
			}
			if choice.Delta.Content == "" {
				continue
			}
			if thinking {
				thinking = false
				if err := emit(frame.Thinking(false)); err != nil {
					return err
				}
			}
			if err := emit(frame.Text(choice.Delta.Content)); err != nil {
				return err
			}
		}
	}
}
