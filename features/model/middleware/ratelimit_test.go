package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/taskflow/runtime/model"
	"goa.design/taskflow/runtime/task"
)

type stubClient struct {
	calls int
	err   error
}

func (c *stubClient) Stream(context.Context, *model.Request) (model.Stream, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return model.NewStaticStream(), nil
}

func request(text string) *model.Request {
	return &model.Request{Messages: []*task.Message{task.TextMessage(task.RoleUser, text)}}
}

func TestLimiterPassesThrough(t *testing.T) {
	l := NewAdaptiveRateLimiter(600000, 600000)
	stub := &stubClient{}
	client := l.Middleware()(stub)

	s, err := client.Stream(context.Background(), request("hello"))
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, 1, stub.calls)
}

func TestLimiterBacksOffOnRateLimit(t *testing.T) {
	l := NewAdaptiveRateLimiter(600000, 600000)
	stub := &stubClient{err: model.ErrRateLimited}
	client := l.Middleware()(stub)

	before := l.TPM()
	_, err := client.Stream(context.Background(), request("hello"))
	require.ErrorIs(t, err, model.ErrRateLimited)
	require.Less(t, l.TPM(), before)
}

func TestLimiterProbesBackUpAfterSuccess(t *testing.T) {
	l := NewAdaptiveRateLimiter(600000, 600000)
	stub := &stubClient{err: model.ErrRateLimited}
	client := l.Middleware()(stub)

	_, _ = client.Stream(context.Background(), request("hello"))
	dropped := l.TPM()

	stub.err = nil
	_, err := client.Stream(context.Background(), request("hello"))
	require.NoError(t, err)
	require.Greater(t, l.TPM(), dropped)
}

func TestLimiterFloorAndCeiling(t *testing.T) {
	l := NewAdaptiveRateLimiter(600000, 600000)
	stub := &stubClient{err: model.ErrRateLimited}
	client := l.Middleware()(stub)

	for range 20 {
		_, _ = client.Stream(context.Background(), request("hello"))
	}
	require.InDelta(t, 60000, l.TPM(), 1)

	stub.err = nil
	for range 50 {
		_, err := client.Stream(context.Background(), request("hi"))
		require.NoError(t, err)
		if l.TPM() >= 600000 {
			break
		}
	}
	require.LessOrEqual(t, l.TPM(), float64(600000))
}

func TestLimiterBlocksUntilContextCanceled(t *testing.T) {
	// Tiny budget: the first request drains the bucket and the second cannot
	// be satisfied before the context expires.
	l := NewAdaptiveRateLimiter(600, 600)
	stub := &stubClient{}
	client := l.Middleware()(stub)

	_, err := client.Stream(context.Background(), request("hello"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Stream(ctx, request("hello"))
	require.Error(t, err)
	require.Equal(t, 1, stub.calls)
}

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 501, estimateTokens(&model.Request{}))
	req := request("aaaaaaaaa")
	require.Equal(t, 503, estimateTokens(req))
}
