package a2a

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/taskflow/runtime/model"
	"goa.design/taskflow/runtime/task"
)

func newTestClient(t *testing.T, f *fixture, opts ...ClientOption) *Client {
	t.Helper()
	c, err := NewClient(f.ts.URL+DefaultBasePath, opts...)
	require.NoError(t, err)
	return c
}

func clientMessage(text string) *task.Message {
	return &task.Message{
		Role:  task.RoleUser,
		Parts: []*task.Part{task.TextPart(text)},
	}
}

func TestClientSendMessage(t *testing.T) {
	f := newFixture(t, &fakeClient{streams: []model.Stream{textTurn("Hello there")}})
	c := newTestClient(t, f)

	tk, err := c.SendMessage(context.Background(), clientMessage("hi"))
	require.NoError(t, err)
	require.Equal(t, task.StateCompleted, tk.Status.State)
	require.Len(t, tk.Artifacts, 1)
	require.Equal(t, "Hello there", artifactText(tk.Artifacts[0]))

	got, err := c.GetTask(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Equal(t, tk.ID, got.ID)
}

func TestClientGetTaskUnknown(t *testing.T) {
	f := newFixture(t, &fakeClient{})
	c := newTestClient(t, f)

	_, err := c.GetTask(context.Background(), "absent")
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, CodeInvalidParams, rpcErr.Code)
	require.Equal(t, "UnknownTask", rpcErr.Data["errorType"])
}

func TestClientStreamMessage(t *testing.T) {
	f := newFixture(t, &fakeClient{streams: []model.Stream{textTurn("streamed reply")}})
	c := newTestClient(t, f)

	stream, err := c.StreamMessage(context.Background(), clientMessage("hi"))
	require.NoError(t, err)
	defer stream.Close()

	var events []*task.Event
	for e := range stream.Events() {
		events = append(events, e)
	}
	require.NoError(t, stream.Err())
	require.NotEmpty(t, events)
	require.Equal(t, task.KindTask, events[0].Kind)
	last := events[len(events)-1]
	require.Equal(t, task.KindStatusUpdate, last.Kind)
	require.True(t, last.Final)
	require.Equal(t, task.StateCompleted, last.Status.State)
}

func TestClientStreamErrorBeforeStart(t *testing.T) {
	f := newFixture(t, &fakeClient{})
	c := newTestClient(t, f)

	_, err := c.Resubscribe(context.Background(), "absent")
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, "UnknownTask", rpcErr.Data["errorType"])
}

func TestClientResubscribeAfterCompletion(t *testing.T) {
	f := newFixture(t, &fakeClient{streams: []model.Stream{textTurn("done")}})
	c := newTestClient(t, f)

	tk, err := c.SendMessage(context.Background(), clientMessage("hi"))
	require.NoError(t, err)

	stream, err := c.Resubscribe(context.Background(), tk.ID)
	require.NoError(t, err)
	defer stream.Close()

	var events []*task.Event
	for e := range stream.Events() {
		events = append(events, e)
	}
	require.NoError(t, stream.Err())
	require.Len(t, events, 1)
	require.Equal(t, task.KindTask, events[0].Kind)
	require.Equal(t, task.StateCompleted, events[0].Task.Status.State)
}

func TestClientCancelTask(t *testing.T) {
	f := newFixture(t, &fakeClient{streams: []model.Stream{textTurn("done")}})
	c := newTestClient(t, f)

	tk, err := c.SendMessage(context.Background(), clientMessage("hi"))
	require.NoError(t, err)

	res, err := c.CancelTask(context.Background(), tk.ID)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, tk.ID, res.ID)
}

func TestClientCard(t *testing.T) {
	f := newFixture(t, &fakeClient{})
	c := newTestClient(t, f)

	card, err := c.Card(context.Background())
	require.NoError(t, err)
	require.Equal(t, "test-agent", card.Name)
	require.True(t, card.Capabilities.Streaming)
}

func TestClientSendsHeaders(t *testing.T) {
	f := newFixture(t, &fakeClient{streams: []model.Stream{textTurn("ok")}})
	c := newTestClient(t, f, WithBearerToken("secret"))

	_, err := c.SendMessage(context.Background(), clientMessage("hi"))
	require.NoError(t, err)
}

func TestClientRequiresEndpoint(t *testing.T) {
	_, err := NewClient("")
	require.Error(t, err)
}

func TestClientStreamCloseUnblocks(t *testing.T) {
	f := newFixture(t, &fakeClient{streams: []model.Stream{textTurn("slow")}})
	c := newTestClient(t, f)

	stream, err := c.StreamMessage(context.Background(), clientMessage("hi"))
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	done := make(chan struct{})
	go func() {
		for range stream.Events() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event channel did not close after Close")
	}
}
