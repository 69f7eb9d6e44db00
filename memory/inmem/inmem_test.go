package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentrtcore/runtime/memory"
)

func TestStoreAppendAndLoad(t *testing.T) {
	store := New()
	ctx := context.Background()
	event := memory.Event{Type: memory.EventToolCall, Timestamp: time.Now(), Data: map[string]any{"tool": "foo"}}
	require.NoError(t, store.AppendEvents(ctx, "agent", "run", event))
	snap, err := store.LoadRun(ctx, "agent", "run")
	require.NoError(t, err)
	require.Len(t, snap.Events, 1)
	require.Equal(t, memory.EventToolCall, snap.Events[0].Type)
}

func TestStoreLoadRunMissingReturnsEmpty(t *testing.T) {
	store := New()
	snap, err := store.LoadRun(context.Background(), "agent", "missing-run")
	require.NoError(t, err)
	require.Empty(t, snap.Events)
}

func TestStoreReset(t *testing.T) {
	store := New()
	ctx := context.Background()
	require.NoError(t, store.AppendEvents(ctx, "agent", "run", memory.Event{Type: memory.EventUserMessage}))
	store.Reset()
	snap, err := store.LoadRun(ctx, "agent", "run")
	require.NoError(t, err)
	require.Empty(t, snap.Events)
}
