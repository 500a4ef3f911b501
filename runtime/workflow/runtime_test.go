package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/taskflow/runtime/task"
)

func TestRegisterCanonicalizesID(t *testing.T) {
	rt := NewRuntime()
	require.NoError(t, rt.Register(&Plugin{
		ID:      "Data-Pipeline",
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) { return nil, nil },
	}))
	p, err := rt.GetPlugin("data_pipeline")
	require.NoError(t, err)
	require.Equal(t, "data_pipeline", p.ID)

	// Lookup canonicalizes too.
	p2, err := rt.GetPlugin("DATA-PIPELINE")
	require.NoError(t, err)
	require.Same(t, p, p2)
}

func TestRegisterDuplicateCanonicalID(t *testing.T) {
	rt := NewRuntime()
	exec := func(ctx context.Context, y *Yielder, params map[string]any) (any, error) { return nil, nil }
	require.NoError(t, rt.Register(&Plugin{ID: "my-flow", Execute: exec}))
	err := rt.Register(&Plugin{ID: "My_Flow", Execute: exec})
	require.ErrorIs(t, err, ErrDuplicatePlugin)
}

func TestRegisterInvalid(t *testing.T) {
	rt := NewRuntime()
	require.ErrorIs(t, rt.Register(&Plugin{ID: "no-exec"}), ErrInvalidPlugin)
	require.ErrorIs(t, rt.Register(&Plugin{
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) { return nil, nil },
	}), ErrInvalidPlugin)
}

func TestToolNames(t *testing.T) {
	require.Equal(t, "dispatch_workflow_data_pipeline", ToolName("Data-Pipeline"))
	id, ok := PluginIDFromTool("dispatch_workflow_data_pipeline")
	require.True(t, ok)
	require.Equal(t, "data_pipeline", id)
	_, ok = PluginIDFromTool("some_other_tool")
	require.False(t, ok)
	_, ok = PluginIDFromTool("dispatch_workflow_")
	require.False(t, ok)
}

func TestAvailableTools(t *testing.T) {
	rt := NewRuntime()
	exec := func(ctx context.Context, y *Yielder, params map[string]any) (any, error) { return nil, nil }
	require.NoError(t, rt.Register(&Plugin{ID: "zeta", Name: "Zeta", Execute: exec}))
	require.NoError(t, rt.Register(&Plugin{ID: "alpha", Name: "Alpha", Execute: exec}))
	tools := rt.AvailableTools()
	require.Len(t, tools, 2)
	require.Equal(t, "dispatch_workflow_alpha", tools[0].Name)
	require.Equal(t, "dispatch_workflow_zeta", tools[1].Name)

	md, err := rt.ToolMetadata("dispatch_workflow_alpha")
	require.NoError(t, err)
	require.Equal(t, "alpha", md.PluginID)
	_, err = rt.ToolMetadata("dispatch_workflow_nope")
	require.ErrorIs(t, err, ErrUnknownTool)
}

func TestDispatchParamValidation(t *testing.T) {
	rt := NewRuntime()
	require.NoError(t, rt.Register(&Plugin{
		ID: "typed",
		InputSchema: map[string]any{
			"type":       "object",
			"required":   []any{"name"},
			"properties": map[string]any{"name": map[string]any{"type": "string"}},
		},
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) { return nil, nil },
	}))
	_, err := rt.Dispatch(context.Background(), "typed", task.NewID(), "ctx-1", map[string]any{"wrong": true})
	require.ErrorIs(t, err, ErrInvalidParameters)

	e, err := rt.Dispatch(context.Background(), "typed", task.NewID(), "ctx-1", map[string]any{"name": "ok"})
	require.NoError(t, err)
	snap, err := e.WaitForCompletion(context.Background())
	require.NoError(t, err)
	require.Equal(t, task.StateCompleted, snap.State)
}

func TestDispatchUnknownPlugin(t *testing.T) {
	rt := NewRuntime()
	_, err := rt.Dispatch(context.Background(), "ghost", task.NewID(), "ctx", nil)
	require.ErrorIs(t, err, ErrUnknownPlugin)
}

func TestDispatchResponseFirstYield(t *testing.T) {
	rt := NewRuntime()
	require.NoError(t, rt.Register(&Plugin{
		ID: "responder",
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) {
			if err := y.DispatchResponse([]*task.Part{task.TextPart("started")}); err != nil {
				return nil, err
			}
			return "done", nil
		},
	}))
	id := task.NewID()
	_, err := rt.Dispatch(context.Background(), "responder", id, "ctx", nil)
	require.NoError(t, err)
	y, err := rt.WaitForFirstYield(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, y)
	require.Equal(t, YieldDispatchResponse, y.Kind)
	require.Equal(t, "started", y.Parts[0].Text)
}

func TestFirstYieldWindowElapses(t *testing.T) {
	rt := NewRuntime()
	require.NoError(t, rt.Register(&Plugin{
		ID:                      "slow",
		DispatchResponseTimeout: 30 * time.Millisecond,
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return y.DispatchResponse([]*task.Part{task.TextPart("late")}), nil
		},
	}))
	id := task.NewID()
	e, err := rt.Dispatch(context.Background(), "slow", id, "ctx", nil)
	require.NoError(t, err)
	y, err := rt.WaitForFirstYield(context.Background(), id)
	require.NoError(t, err)
	require.Nil(t, y)
	e.Cancel()
	<-e.Done()
}

func TestFirstYieldNotDispatchResponse(t *testing.T) {
	rt := NewRuntime()
	require.NoError(t, rt.Register(&Plugin{
		ID: "statuser",
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) {
			if err := y.Status("working on it"); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}))
	id := task.NewID()
	e, err := rt.Dispatch(context.Background(), "statuser", id, "ctx", nil)
	require.NoError(t, err)
	y, err := rt.WaitForFirstYield(context.Background(), id)
	require.NoError(t, err)
	require.Nil(t, y)

	// The status yield is buffered until listeners attach.
	statuses := make(chan *task.Message, 4)
	e.SetListeners(Listeners{Status: func(m *task.Message) { statuses <- m }})
	msg := <-statuses
	require.Equal(t, "working on it", msg.Text())
	<-e.Done()
}

func TestPauseResumeRoundTrip(t *testing.T) {
	rt := NewRuntime()
	schema := map[string]any{
		"type":       "object",
		"required":   []any{"approved"},
		"properties": map[string]any{"approved": map[string]any{"type": "boolean"}},
	}
	require.NoError(t, rt.Register(&Plugin{
		ID: "approval",
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) {
			input, err := y.RequireInput("approve?", schema)
			if err != nil {
				return nil, err
			}
			return input, nil
		},
	}))
	id := task.NewID()
	e, err := rt.Dispatch(context.Background(), "approval", id, "ctx", nil)
	require.NoError(t, err)

	paused := make(chan PauseInfo, 1)
	e.SetListeners(Listeners{Pause: func(p PauseInfo) { paused <- p }})
	p := <-paused
	require.Equal(t, task.StateInputRequired, p.Reason)
	require.Equal(t, "approve?", p.Message)

	snap, err := rt.TaskState(id)
	require.NoError(t, err)
	require.Equal(t, task.StateInputRequired, snap.State)
	require.NotNil(t, snap.Pause)

	// Invalid input keeps the execution paused.
	err = rt.Resume(context.Background(), id, map[string]any{"approved": "yes"}, nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	snap, err = rt.TaskState(id)
	require.NoError(t, err)
	require.Equal(t, task.StateInputRequired, snap.State)

	// Valid input resumes and completes.
	require.NoError(t, rt.Resume(context.Background(), id, map[string]any{"approved": true}, nil))
	final, err := e.WaitForCompletion(context.Background())
	require.NoError(t, err)
	require.Equal(t, task.StateCompleted, final.State)
	require.Equal(t, map[string]any{"approved": true}, final.Result)
}

func TestResumeNotPaused(t *testing.T) {
	rt := NewRuntime()
	require.NoError(t, rt.Register(&Plugin{
		ID: "instant",
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) {
			return nil, nil
		},
	}))
	id := task.NewID()
	e, err := rt.Dispatch(context.Background(), "instant", id, "ctx", nil)
	require.NoError(t, err)
	<-e.Done()
	require.ErrorIs(t, rt.Resume(context.Background(), id, nil, nil), ErrNotPaused)
	require.ErrorIs(t, rt.Resume(context.Background(), "missing", nil, nil), ErrUnknownTask)
}

func TestRepeatedInterrupts(t *testing.T) {
	rt := NewRuntime()
	require.NoError(t, rt.Register(&Plugin{
		ID: "picky",
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) {
			for {
				input, err := y.RequireInput("pick an even number", map[string]any{"type": "number"})
				if err != nil {
					return nil, err
				}
				if n, ok := input.(float64); ok && int(n)%2 == 0 {
					return n, nil
				}
			}
		},
	}))
	id := task.NewID()
	e, err := rt.Dispatch(context.Background(), "picky", id, "ctx", nil)
	require.NoError(t, err)

	paused := make(chan PauseInfo, 4)
	e.SetListeners(Listeners{Pause: func(p PauseInfo) { paused <- p }})

	<-paused
	require.NoError(t, rt.Resume(context.Background(), id, float64(3), nil))
	<-paused
	require.NoError(t, rt.Resume(context.Background(), id, float64(4), nil))
	final, err := e.WaitForCompletion(context.Background())
	require.NoError(t, err)
	require.Equal(t, task.StateCompleted, final.State)
	require.Equal(t, float64(4), final.Result)
}

func TestArtifactYields(t *testing.T) {
	rt := NewRuntime()
	require.NoError(t, rt.Register(&Plugin{
		ID: "emitter",
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) {
			art := &task.Artifact{ArtifactID: "report", Parts: []*task.Part{task.TextPart("chunk one")}}
			if err := y.Artifact(ArtifactUpdate{Artifact: art}); err != nil {
				return nil, err
			}
			more := &task.Artifact{ArtifactID: "report", Parts: []*task.Part{task.TextPart(" and two")}}
			return nil, y.Artifact(ArtifactUpdate{Artifact: more, Append: true, LastChunk: true})
		},
	}))
	id := task.NewID()
	e, err := rt.Dispatch(context.Background(), "emitter", id, "ctx", nil)
	require.NoError(t, err)
	updates := make(chan ArtifactUpdate, 4)
	e.SetListeners(Listeners{Artifact: func(u ArtifactUpdate) { updates <- u }})

	first := <-updates
	require.Equal(t, "report", first.Artifact.ArtifactID)
	require.False(t, first.Append)
	second := <-updates
	require.True(t, second.Append)
	require.True(t, second.LastChunk)
	<-e.Done()
}

func TestArtifactRequiresID(t *testing.T) {
	rt := NewRuntime()
	require.NoError(t, rt.Register(&Plugin{
		ID: "bad-artifact",
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) {
			return nil, y.Artifact(ArtifactUpdate{Artifact: &task.Artifact{}})
		},
	}))
	e, err := rt.Dispatch(context.Background(), "bad-artifact", task.NewID(), "ctx", nil)
	require.NoError(t, err)
	snap, err := e.WaitForCompletion(context.Background())
	require.NoError(t, err)
	require.Equal(t, task.StateFailed, snap.State)
}

func TestReject(t *testing.T) {
	rt := NewRuntime()
	require.NoError(t, rt.Register(&Plugin{
		ID: "guard",
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) {
			return nil, y.Reject("not allowed")
		},
	}))
	e, err := rt.Dispatch(context.Background(), "guard", task.NewID(), "ctx", nil)
	require.NoError(t, err)
	snap, err := e.WaitForCompletion(context.Background())
	require.NoError(t, err)
	require.Equal(t, task.StateRejected, snap.State)
	require.Equal(t, "not allowed", snap.RejectReason)
	require.Nil(t, snap.Err)
}

func TestWorkflowError(t *testing.T) {
	rt := NewRuntime()
	require.NoError(t, rt.Register(&Plugin{
		ID: "boom",
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) {
			return nil, &Error{Type: "UpstreamError", Code: "E42", Message: "backend down"}
		},
	}))
	e, err := rt.Dispatch(context.Background(), "boom", task.NewID(), "ctx", nil)
	require.NoError(t, err)
	snap, err := e.WaitForCompletion(context.Background())
	require.NoError(t, err)
	require.Equal(t, task.StateFailed, snap.State)
	require.Equal(t, "UpstreamError", snap.Err.Type)
	require.Equal(t, "E42", snap.Err.Code)
}

func TestWorkflowPanicBecomesFailure(t *testing.T) {
	rt := NewRuntime()
	require.NoError(t, rt.Register(&Plugin{
		ID: "panicky",
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) {
			panic("nope")
		},
	}))
	e, err := rt.Dispatch(context.Background(), "panicky", task.NewID(), "ctx", nil)
	require.NoError(t, err)
	snap, err := e.WaitForCompletion(context.Background())
	require.NoError(t, err)
	require.Equal(t, task.StateFailed, snap.State)
	require.Contains(t, snap.Err.Message, "panic")
}

func TestCancelRunning(t *testing.T) {
	rt := NewRuntime()
	started := make(chan struct{})
	require.NoError(t, rt.Register(&Plugin{
		ID: "long",
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	id := task.NewID()
	e, err := rt.Dispatch(context.Background(), "long", id, "ctx", nil)
	require.NoError(t, err)
	<-started
	rt.CancelExecution(id)
	snap, err := e.WaitForCompletion(context.Background())
	require.NoError(t, err)
	require.Equal(t, task.StateCanceled, snap.State)
}

func TestCancelBeforeDispatch(t *testing.T) {
	rt := NewRuntime()
	require.NoError(t, rt.Register(&Plugin{
		ID: "long",
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	id := task.NewID()
	rt.CancelExecution(id)
	e, err := rt.Dispatch(context.Background(), "long", id, "ctx", nil)
	require.NoError(t, err)
	snap, err := e.WaitForCompletion(context.Background())
	require.NoError(t, err)
	require.Equal(t, task.StateCanceled, snap.State)
}

func TestCancelPaused(t *testing.T) {
	rt := NewRuntime()
	require.NoError(t, rt.Register(&Plugin{
		ID: "waiting",
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) {
			_, err := y.RequireInput("never comes", nil)
			return nil, err
		},
	}))
	id := task.NewID()
	e, err := rt.Dispatch(context.Background(), "waiting", id, "ctx", nil)
	require.NoError(t, err)
	paused := make(chan PauseInfo, 1)
	e.SetListeners(Listeners{Pause: func(p PauseInfo) { paused <- p }})
	<-paused
	rt.CancelExecution(id)
	snap, err := e.WaitForCompletion(context.Background())
	require.NoError(t, err)
	require.Equal(t, task.StateCanceled, snap.State)
}

func TestShutdown(t *testing.T) {
	rt := NewRuntime()
	require.NoError(t, rt.Register(&Plugin{
		ID: "long",
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	e, err := rt.Dispatch(context.Background(), "long", task.NewID(), "ctx", nil)
	require.NoError(t, err)
	require.NoError(t, rt.Shutdown(context.Background()))
	require.True(t, e.Snapshot().Final)

	_, err = rt.Dispatch(context.Background(), "long", task.NewID(), "ctx", nil)
	require.ErrorIs(t, err, ErrShutdown)
	require.ErrorIs(t, rt.Register(&Plugin{
		ID:      "late",
		Execute: func(ctx context.Context, y *Yielder, params map[string]any) (any, error) { return nil, nil },
	}), ErrShutdown)
}
