package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/floegence/redeven-chat/internal/frame"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

type openAIStreamer struct {
	client openai.Client
}

func newOpenAIStreamer(baseURL string, apiKey string) *openAIStreamer {
	opts := []ooption.RequestOption{
		ooption.WithAPIKey(strings.TrimSpace(apiKey)),
		// Retries are owned by the adapter.
		ooption.WithMaxRetries(0),
	}
	if strings.TrimSpace(baseURL) != "" {
		opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
	}
	return &openAIStreamer{client: openai.NewClient(opts...)}
}

func (p *openAIStreamer) stream(ctx context.Context, req Request, emit func(frame.Frame) error) error {
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}
	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens: openai.Int(int64(maxTokens)),
	}

	items := make(oresponses.ResponseInputParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		text := strings.TrimSpace(msg.Content)
		if text == "" {
			continue
		}
		role := oresponses.EasyInputMessageRoleUser
		switch msg.Role {
		case RoleAssistant:
			role = oresponses.EasyInputMessageRoleAssistant
		case RoleSystem:
			role = oresponses.EasyInputMessageRoleSystem
		}
		items = append(items, oresponses.ResponseInputItemParamOfMessage(text, role))
	}
	if len(items) == 0 {
		items = append(items, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}
	if system := strings.TrimSpace(req.System); system != "" {
		params.Instructions = openai.String(system)
	}

	stream := p.client.Responses.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	thinking := false
	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.reasoning_summary_text.delta":
			if !thinking {
				thinking = true
				if err := emit(frame.Thinking(true)); err != nil {
					return err
				}
			}
		case "response.output_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			if thinking {
				thinking = false
				if err := emit(frame.Thinking(false)); err != nil {
					return err
				}
			}
			if err := emit(frame.Text(delta)); err != nil {
				return err
			}
		case "response.failed":
			msg := strings.TrimSpace(event.Response.Error.Message)
			if msg == "" {
				msg = "openai response failed"
			}
			return errors.New(msg)
		case "error":
			msg := strings.TrimSpace(event.Message)
			if msg == "" {
				msg = "openai stream error"
			}
			return errors.New(msg)
		}
	}
	return stream.Err()
}
