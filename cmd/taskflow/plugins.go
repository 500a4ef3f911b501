package main

import (
	"context"
	"fmt"

	"goa.design/taskflow/runtime/task"
	"goa.design/taskflow/runtime/workflow"
)

// registerPlugins installs the built-in workflow plugins. Services embedding
// the runtime register their own plugins here instead.
func registerPlugins(rt *workflow.Runtime) {
	// approval pauses until a human confirms, demonstrating the
	// pause/resume cycle end to end.
	must(rt.Register(&workflow.Plugin{
		ID:          "approval",
		Name:        "Approval",
		Description: "Requests human approval before completing an action.",
		Version:     "1.0.0",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action": map[string]any{
					"type":        "string",
					"description": "The action awaiting approval.",
				},
			},
			"required": []any{"action"},
		},
		Execute: func(_ context.Context, y *workflow.Yielder, params map[string]any) (any, error) {
			action, _ := params["action"].(string)
			if err := y.DispatchResponse([]*task.Part{
				task.DataPart(map[string]any{"status": "pending", "action": action}, nil),
			}); err != nil {
				return nil, err
			}

			input, err := y.RequireInput(fmt.Sprintf("Approve %q?", action), map[string]any{
				"type": "object",
				"properties": map[string]any{
					"approve": map[string]any{"type": "boolean"},
				},
				"required": []any{"approve"},
			})
			if err != nil {
				return nil, err
			}
			decision, _ := input.(map[string]any)
			approved, _ := decision["approve"].(bool)
			return map[string]any{"approved": approved, "action": action}, nil
		},
	}))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
