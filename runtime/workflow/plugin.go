// Package workflow implements the plugin registry and the execution runtime
// for long-running, resumable workflows. Plugins are coroutine-style
// functions that yield structured progress, pause for typed user input, emit
// artifacts, and eventually return a result. Each execution runs in its own
// goroutine; the runtime drives it through a pair of single-consumer
// channels (outbound yields, inbound resume values).
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ToolPrefix is the prefix of every generated workflow dispatch tool name.
const ToolPrefix = "dispatch_workflow_"

// DefaultDispatchResponseTimeout bounds the synchronous portion of a
// dispatch: the window in which a plugin's first yield can answer the
// originating tool call.
const DefaultDispatchResponseTimeout = 500 * time.Millisecond

type (
	// Plugin is the registration record for a workflow. The zero values of
	// optional fields select runtime defaults.
	Plugin struct {
		// ID is the plugin identifier. It is canonicalized at registration
		// by lowercasing and replacing '-' with '_'; the canonical form is
		// the only one used afterwards.
		ID string
		// Name is the human-readable plugin name.
		Name string
		// Description documents the workflow for tool prompting.
		Description string
		// Version is the plugin semantic version.
		Version string
		// InputSchema optionally constrains dispatch parameters. A JSON
		// Schema document in decoded form (map[string]any).
		InputSchema map[string]any
		// DispatchResponseTimeout overrides the default window for the
		// synchronous dispatch-response yield.
		DispatchResponseTimeout time.Duration
		// Execute runs the workflow. It receives the per-execution context,
		// the yield handle, and the validated dispatch parameters; its
		// return value becomes the execution's final result.
		Execute func(ctx context.Context, y *Yielder, params map[string]any) (any, error)
	}

	// ToolDescriptor describes a workflow dispatch tool exposed to the AI
	// layer. One descriptor exists per registered plugin; no resume tool is
	// ever exposed.
	ToolDescriptor struct {
		// Name is the generated tool name, dispatch_workflow_<canonical id>.
		Name string
		// Description is the plugin description.
		Description string
		// InputSchema is the plugin's dispatch parameter schema, if any.
		InputSchema map[string]any
		// PluginID is the canonical plugin id the tool dispatches.
		PluginID string
		// PluginName is the human-readable plugin name.
		PluginName string
	}
)

// CanonicalID returns the canonical form of a plugin id: lowercase with '-'
// replaced by '_'. Ids are values, not identifiers; canonicalization happens
// at registration and at every lookup.
func CanonicalID(id string) string {
	return strings.ToLower(strings.ReplaceAll(id, "-", "_"))
}

// ToolName derives the dispatch tool name for a plugin id.
func ToolName(pluginID string) string {
	return ToolPrefix + CanonicalID(pluginID)
}

// PluginIDFromTool extracts the canonical plugin id from a dispatch tool
// name. Returns false when the name does not carry the dispatch prefix.
func PluginIDFromTool(toolName string) (string, bool) {
	if !strings.HasPrefix(toolName, ToolPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(toolName, ToolPrefix)
	if id == "" {
		return "", false
	}
	return id, true
}

// validate checks the registration record.
func (p *Plugin) validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil plugin", ErrInvalidPlugin)
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPlugin)
	}
	if p.Execute == nil {
		return fmt.Errorf("%w: execute is required", ErrInvalidPlugin)
	}
	return nil
}

// responseTimeout returns the effective dispatch-response window.
func (p *Plugin) responseTimeout() time.Duration {
	if p.DispatchResponseTimeout > 0 {
		return p.DispatchResponseTimeout
	}
	return DefaultDispatchResponseTimeout
}

// descriptor builds the tool descriptor for the plugin.
func (p *Plugin) descriptor() *ToolDescriptor {
	return &ToolDescriptor{
		Name:        ToolName(p.ID),
		Description: p.Description,
		InputSchema: p.InputSchema,
		PluginID:    CanonicalID(p.ID),
		PluginName:  p.Name,
	}
}
