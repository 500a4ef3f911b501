package anthropic

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/taskflow/runtime/model"
	"goa.design/taskflow/runtime/task"
)

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "claude"})
	require.Error(t, err)

	_, err = NewFromAPIKey("", "claude")
	require.Error(t, err)
}

func TestEncodeRequestDefaults(t *testing.T) {
	c := &Client{defaultModel: "claude-test", maxTok: 1024}
	params, err := c.encodeRequest(&model.Request{
		System:   "be terse",
		Messages: []*task.Message{task.TextMessage(task.RoleUser, "hi")},
		Tools: []model.Tool{{
			Name:        "dispatch_workflow_report_builder",
			Description: "Builds reports",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	require.Equal(t, "claude-test", string(params.Model))
	require.Equal(t, int64(1024), params.MaxTokens)
	require.Len(t, params.System, 1)
	require.Equal(t, "be terse", params.System[0].Text)
	require.Len(t, params.Messages, 1)
	require.Len(t, params.Tools, 1)
}

func TestEncodeRequestRequiresMessages(t *testing.T) {
	c := &Client{defaultModel: "claude-test", maxTok: 1024}
	_, err := c.encodeRequest(&model.Request{})
	require.Error(t, err)

	// Messages with no encodable parts are equivalent to none.
	_, err = c.encodeRequest(&model.Request{
		Messages: []*task.Message{{Role: task.RoleUser}},
	})
	require.Error(t, err)
}

func TestEncodeMessagesToolRoundTrip(t *testing.T) {
	msgs := []*task.Message{
		task.TextMessage(task.RoleUser, "question"),
		{
			Role: task.RoleAssistant,
			Parts: []*task.Part{
				{Kind: task.PartToolCall, ToolCallID: "c1", ToolName: "lookup", Args: map[string]any{"q": "x"}},
			},
		},
		{
			Role: task.RoleUser,
			Parts: []*task.Part{
				{Kind: task.PartToolResult, ToolCallID: "c1", Output: map[string]any{"hits": 3}},
			},
		},
	}
	out, err := encodeMessages(msgs)
	require.NoError(t, err)
	require.Len(t, out, 3)
}

func TestEncodeMessagesRejectsBadParts(t *testing.T) {
	_, err := encodeMessages([]*task.Message{{
		Role:  task.RoleAssistant,
		Parts: []*task.Part{{Kind: task.PartToolCall}},
	}})
	require.Error(t, err)

	_, err = encodeMessages([]*task.Message{{
		Role:  "system",
		Parts: []*task.Part{task.TextPart("x")},
	}})
	require.Error(t, err)
}

func TestEncodeOutput(t *testing.T) {
	require.Equal(t, "", encodeOutput(nil))
	require.Equal(t, "plain", encodeOutput("plain"))
	require.Equal(t, `{"k":1}`, encodeOutput(map[string]any{"k": 1}))
}
