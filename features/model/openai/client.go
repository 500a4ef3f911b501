// Package openai provides a model.Client backed by the OpenAI Chat
// Completions API using github.com/openai/openai-go. History is re-encoded as
// text messages; tool definitions map to function tools and streamed tool
// call deltas are folded back into normalized chunks.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/taskflow/runtime/model"
	"goa.design/taskflow/runtime/task"
)

type (
	// ChatClient captures the subset of the SDK chat completion service used
	// by the adapter.
	ChatClient interface {
		NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// DefaultModel is the model identifier used when
		// model.Request.Model is empty.
		DefaultModel string
	}

	// Client implements model.Client via OpenAI Chat Completions.
	Client struct {
		chat         ChatClient
		defaultModel string
	}
)

// New builds an OpenAI-backed model client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel}, nil
}

// NewFromAPIKey constructs a client using the default OpenAI HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel})
}

// Stream opens a streaming chat completion and adapts its chunks into the
// normalized vocabulary.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Stream, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai chat completions stream: %w", err)
	}
	return newStream(ctx, stream), nil
}

func (c *Client) encodeRequest(req *model.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m == nil {
			continue
		}
		// Text and data parts only; tool transcripts are not re-encoded for
		// the Chat Completions history.
		text := messageText(m)
		if text == "" {
			continue
		}
		switch m.Role {
		case task.RoleUser:
			messages = append(messages, sdk.UserMessage(text))
		case task.RoleAssistant:
			messages = append(messages, sdk.AssistantMessage(text))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(messages) == 0 {
		return nil, errors.New("openai: at least one user/assistant message is required")
	}
	params := &sdk.ChatCompletionNewParams{
		Model:    modelID,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = sdk.Int(int64(req.MaxTokens))
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	return params, nil
}

// messageText joins the text parts of a message, rendering data parts as
// JSON.
func messageText(m *task.Message) string {
	var text string
	for _, p := range m.Parts {
		if p == nil {
			continue
		}
		switch p.Kind {
		case task.PartText:
			text += p.Text
		case task.PartData:
			if data, err := json.Marshal(p.Data); err == nil {
				text += string(data)
			}
		}
	}
	return text
}

func encodeTools(defs []model.Tool) []sdk.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		fn := sdk.FunctionDefinitionParam{Name: def.Name}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		if def.InputSchema != nil {
			fn.Parameters = sdk.FunctionParameters(def.InputSchema)
		}
		tools = append(tools, sdk.ChatCompletionToolParam{Function: fn})
	}
	return tools
}

func isRateLimited(err error) bool {
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == 429
}
