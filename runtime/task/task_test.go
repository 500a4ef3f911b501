package task

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateClassification(t *testing.T) {
	terminal := []State{StateCompleted, StateFailed, StateCanceled, StateRejected}
	for _, s := range terminal {
		require.True(t, s.Terminal(), s)
		require.False(t, s.Paused(), s)
	}
	paused := []State{StateInputRequired, StateAuthRequired}
	for _, s := range paused {
		require.True(t, s.Paused(), s)
		require.False(t, s.Terminal(), s)
	}
	require.False(t, StateSubmitted.Terminal())
	require.False(t, StateWorking.Terminal())
}

func TestNewIDTimeOrdered(t *testing.T) {
	a := NewID()
	b := NewID()
	require.NotEqual(t, a, b)
	// UUIDv7 ids sort by creation time.
	require.Less(t, a, b)
}

func TestTaskCloneIsolation(t *testing.T) {
	orig := &Task{
		ID:        "t1",
		ContextID: "ctx",
		Status:    NewStatus(StateWorking, TextMessage(RoleAssistant, "hi")),
		Artifacts: []*Artifact{{ArtifactID: "a1", Parts: []*Part{TextPart("body")}}},
		History:   []*Message{TextMessage(RoleUser, "question")},
		Metadata:  map[string]any{"k": "v"},
	}
	cp := orig.Clone()
	cp.Status.Message.Parts[0].Text = "changed"
	cp.Artifacts[0].Parts[0].Text = "changed"
	cp.History[0].Parts[0].Text = "changed"
	cp.Metadata["k"] = "changed"

	require.Equal(t, "hi", orig.Status.Message.Parts[0].Text)
	require.Equal(t, "body", orig.Artifacts[0].Parts[0].Text)
	require.Equal(t, "question", orig.History[0].Parts[0].Text)
	require.Equal(t, "v", orig.Metadata["k"])
}

func TestApplyStatusUpdate(t *testing.T) {
	tk := &Task{ID: "t1", Status: NewStatus(StateSubmitted, nil)}
	sealed := map[string]bool{}

	msg := TextMessage(RoleAssistant, "progress")
	require.True(t, tk.Apply(NewStatusEvent("t1", "ctx", NewStatus(StateWorking, msg)), sealed))
	require.Equal(t, StateWorking, tk.Status.State)
	require.Len(t, tk.History, 1)

	// Terminal status freezes the task.
	require.True(t, tk.Apply(NewStatusEvent("t1", "ctx", NewStatus(StateCompleted, nil)), sealed))
	require.False(t, tk.Apply(NewStatusEvent("t1", "ctx", NewStatus(StateWorking, nil)), sealed))
	require.Equal(t, StateCompleted, tk.Status.State)
}

func TestApplyArtifactAppendAndSeal(t *testing.T) {
	tk := &Task{ID: "t1", Status: NewStatus(StateWorking, nil)}
	sealed := map[string]bool{}

	first := &Artifact{ArtifactID: "a1", Parts: []*Part{TextPart("one")}}
	require.True(t, tk.Apply(NewArtifactEvent("t1", "ctx", first, false, false), sealed))

	second := &Artifact{ArtifactID: "a1", Parts: []*Part{TextPart(" two")}}
	require.True(t, tk.Apply(NewArtifactEvent("t1", "ctx", second, true, true), sealed))

	require.Len(t, tk.Artifacts, 1)
	require.Len(t, tk.Artifacts[0].Parts, 2)

	// Sealed: further appends are no-ops.
	third := &Artifact{ArtifactID: "a1", Parts: []*Part{TextPart(" three")}}
	require.False(t, tk.Apply(NewArtifactEvent("t1", "ctx", third, true, false), sealed))
	require.Len(t, tk.Artifacts[0].Parts, 2)
}

func TestApplyArtifactReplaceWithoutAppend(t *testing.T) {
	tk := &Task{ID: "t1", Status: NewStatus(StateWorking, nil)}
	sealed := map[string]bool{}

	tk.Apply(NewArtifactEvent("t1", "ctx", &Artifact{ArtifactID: "a1", Parts: []*Part{TextPart("v1")}}, false, false), sealed)
	tk.Apply(NewArtifactEvent("t1", "ctx", &Artifact{ArtifactID: "a1", Parts: []*Part{TextPart("v2")}}, false, false), sealed)

	require.Len(t, tk.Artifacts, 1)
	require.Len(t, tk.Artifacts[0].Parts, 1)
	require.Equal(t, "v2", tk.Artifacts[0].Parts[0].Text)
}

func TestApplyDistinctArtifactIDs(t *testing.T) {
	tk := &Task{ID: "t1", Status: NewStatus(StateWorking, nil)}
	sealed := map[string]bool{}
	tk.Apply(NewArtifactEvent("t1", "ctx", &Artifact{ArtifactID: "a1", Parts: []*Part{TextPart("x")}}, false, false), sealed)
	tk.Apply(NewArtifactEvent("t1", "ctx", &Artifact{ArtifactID: "a2", Parts: []*Part{TextPart("y")}}, false, false), sealed)
	require.Len(t, tk.Artifacts, 2)
	require.Equal(t, "a1", tk.Artifacts[0].ArtifactID)
	require.Equal(t, "a2", tk.Artifacts[1].ArtifactID)
}

func TestApplyIgnoresMalformedEvents(t *testing.T) {
	tk := &Task{ID: "t1", Status: NewStatus(StateWorking, nil)}
	sealed := map[string]bool{}
	require.False(t, tk.Apply(nil, sealed))
	require.False(t, tk.Apply(&Event{Kind: KindStatusUpdate}, sealed))
	require.False(t, tk.Apply(&Event{Kind: KindArtifactUpdate, Artifact: &Artifact{}}, sealed))
}

func TestStatusEventFinalDerived(t *testing.T) {
	require.False(t, NewStatusEvent("t1", "ctx", NewStatus(StateWorking, nil)).Final)
	for _, s := range []State{StateCompleted, StateFailed, StateCanceled, StateRejected} {
		require.True(t, NewStatusEvent("t1", "ctx", NewStatus(s, nil)).Final)
	}
}

func TestMessageHelpers(t *testing.T) {
	m := &Message{
		MessageID: NewID(),
		Role:      RoleUser,
		Parts: []*Part{
			TextPart("hello "),
			DataPart(map[string]any{"k": 1}, nil),
			TextPart("world"),
		},
	}
	require.Equal(t, "hello world", m.Text())
	require.Len(t, m.DataParts(), 1)
}
