// Package anthropic provides a model.Client backed by the Anthropic Claude
// Messages API. It translates conversation history and tool definitions into
// anthropic.MessageNewParams using github.com/anthropics/anthropic-sdk-go and
// adapts the streaming events into the normalized chunk vocabulary.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/taskflow/runtime/model"
	"goa.design/taskflow/runtime/task"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a mock in tests.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Anthropic adapter.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// model.Request.Model is empty. Use the typed model constants from
		// github.com/anthropics/anthropic-sdk-go.
		DefaultModel string

		// MaxTokens is the default completion cap when a request does not
		// set MaxTokens.
		MaxTokens int
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
	}
)

// DefaultMaxTokens caps completions when neither the request nor the options
// specify a limit.
const DefaultMaxTokens = 4096

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = DefaultMaxTokens
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTok: maxTok}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Stream opens a Messages streaming request and adapts its events into
// normalized chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Stream, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic messages stream: %w", err)
	}
	return newStream(ctx, stream), nil
}

func (c *Client) encodeRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := &sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	return params, nil
}

func encodeMessages(msgs []*task.Message) ([]sdk.MessageParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p == nil {
				continue
			}
			switch p.Kind {
			case task.PartText:
				if p.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(p.Text))
				}
			case task.PartData:
				data, err := json.Marshal(p.Data)
				if err != nil {
					return nil, fmt.Errorf("anthropic: encode data part: %w", err)
				}
				blocks = append(blocks, sdk.NewTextBlock(string(data)))
			case task.PartToolCall:
				if p.ToolCallID == "" || p.ToolName == "" {
					return nil, errors.New("anthropic: tool-call part requires id and name")
				}
				blocks = append(blocks, sdk.NewToolUseBlock(p.ToolCallID, p.Args, p.ToolName))
			case task.PartToolResult:
				blocks = append(blocks, sdk.NewToolResultBlock(p.ToolCallID, encodeOutput(p.Output), false))
			case task.PartToolOutputError:
				blocks = append(blocks, sdk.NewToolResultBlock(p.ToolCallID, p.ErrorText, true))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case task.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case task.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, nil
}

func encodeOutput(output any) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func encodeTools(defs []model.Tool) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools
}

func isRateLimited(err error) bool {
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == 429
}
