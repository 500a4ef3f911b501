package middleware

import (
	"context"
	"time"

	"goa.design/clue/log"

	"goa.design/taskflow/runtime/model"
)

type loggedClient struct {
	next model.Client
}

// Logging returns a model.Client middleware that logs one line per stream
// open with the model, message count, and tool count, and one line per
// failure. Chunk traffic is not logged.
func Logging() func(model.Client) model.Client {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &loggedClient{next: next}
	}
}

func (c *loggedClient) Stream(ctx context.Context, req *model.Request) (model.Stream, error) {
	start := time.Now()
	stream, err := c.next.Stream(ctx, req)
	kvs := []log.Fielder{
		log.KV{K: "model", V: req.Model},
		log.KV{K: "messages", V: len(req.Messages)},
		log.KV{K: "tools", V: len(req.Tools)},
		log.KV{K: "open_ms", V: time.Since(start).Milliseconds()},
	}
	if err != nil {
		log.Error(ctx, err, kvs...)
		return nil, err
	}
	log.Debug(ctx, append([]log.Fielder{log.KV{K: "msg", V: "model stream opened"}}, kvs...)...)
	return stream, nil
}
