package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHasConflictIdenticalValues(t *testing.T) {
	value := map[string]any{"id": "t1", "name": "write spec", "done": false}
	require.False(t, HasConflict(value, value))
	require.False(t, HasConflict(
		map[string]any{"a": 1.0, "b": nil},
		map[string]any{"a": 1.0, "b": nil},
	))
}

func TestHasConflictTimestampOrdering(t *testing.T) {
	older := map[string]any{"updated_at": "2026-08-01T10:00:00Z", "name": "a"}
	newer := map[string]any{"updated_at": "2026-08-01T12:00:00Z", "name": "b"}

	require.True(t, HasConflict(newer, older), "strictly newer server timestamp is a conflict")
	require.False(t, HasConflict(older, newer), "older server timestamp defers to the client")
	require.False(t, HasConflict(older, older), "equal timestamps are not strictly newer")
}

func TestHasConflictVersionFallback(t *testing.T) {
	// No timestamps: version numbers decide.
	require.True(t, HasConflict(
		map[string]any{"version": 3.0, "name": "x"},
		map[string]any{"version": 2.0, "name": "x"},
	))
	require.False(t, HasConflict(
		map[string]any{"version": 2.0, "name": "x"},
		map[string]any{"version": 2.0, "name": "y"},
	))
}

func TestHasConflictStructuralFallback(t *testing.T) {
	require.True(t, HasConflict(
		map[string]any{"name": "x"},
		map[string]any{"name": "y"},
	))
}

func TestMergeNonNullClientFieldsWin(t *testing.T) {
	resolution, err := Merge{}.Resolve(context.Background(), Record{
		ServerValue: map[string]any{"a": 1.0, "b": nil},
		ClientValue: map[string]any{"a": 2.0, "b": 5.0},
	})
	require.NoError(t, err)
	require.Equal(t, StrategyMerge, resolution.Strategy)
	require.Equal(t, 2.0, resolution.MergedValue["a"])
	require.Equal(t, 5.0, resolution.MergedValue["b"])
}

func TestMergeNullClientFieldKeepsServer(t *testing.T) {
	resolution, err := Merge{}.Resolve(context.Background(), Record{
		ServerValue: map[string]any{"a": 1.0, "b": "server"},
		ClientValue: map[string]any{"b": nil},
	})
	require.NoError(t, err)
	require.Equal(t, 1.0, resolution.MergedValue["a"])
	require.Equal(t, "server", resolution.MergedValue["b"])
}

func TestMergeMaxNumberOverride(t *testing.T) {
	merge := Merge{FieldRules: map[string]FieldRule{"progress": MaxNumber}}

	resolution, err := merge.Resolve(context.Background(), Record{
		ServerValue: map[string]any{"progress": 80.0},
		ClientValue: map[string]any{"progress": 60.0},
	})
	require.NoError(t, err)
	require.Equal(t, 80.0, resolution.MergedValue["progress"], "progress is monotonic, never regressed")

	resolution, err = merge.Resolve(context.Background(), Record{
		ServerValue: map[string]any{"progress": 40.0},
		ClientValue: map[string]any{"progress": 70.0},
	})
	require.NoError(t, err)
	require.Equal(t, 70.0, resolution.MergedValue["progress"])
}

func TestServerWinsAndClientWins(t *testing.T) {
	record := Record{
		ServerValue: map[string]any{"name": "server"},
		ClientValue: map[string]any{"name": "client"},
	}

	resolution, err := ServerWins{}.Resolve(context.Background(), record)
	require.NoError(t, err)
	require.Equal(t, "server", resolution.MergedValue["name"])

	resolution, err = ClientWins{}.Resolve(context.Background(), record)
	require.NoError(t, err)
	require.Equal(t, "client", resolution.MergedValue["name"])
}

func TestManualWithoutResolverFallsBack(t *testing.T) {
	resolution, err := Manual{}.Resolve(context.Background(), Record{
		ServerValue: map[string]any{"name": "server"},
		ClientValue: map[string]any{"name": "client"},
	})
	require.NoError(t, err)
	require.Equal(t, StrategyServerWins, resolution.Strategy)
	require.True(t, resolution.NeedsFollowUp)
	require.Equal(t, "server", resolution.MergedValue["name"])
}

func TestManualResolverDelegation(t *testing.T) {
	manual := Manual{Resolver: func(_ context.Context, record Record) (map[string]any, error) {
		return map[string]any{"name": "picked"}, nil
	}}
	resolution, err := manual.Resolve(context.Background(), Record{})
	require.NoError(t, err)
	require.Equal(t, StrategyManual, resolution.Strategy)
	require.Equal(t, "picked", resolution.MergedValue["name"])

	failing := Manual{Resolver: func(context.Context, Record) (map[string]any, error) {
		return nil, errors.New("cannot decide")
	}}
	_, err = failing.Resolve(context.Background(), Record{})
	require.Error(t, err)
}

func TestEngineStrategySelectionAndRegistration(t *testing.T) {
	engine := NewEngine(nil)

	// Unregistered entity types use the merge default.
	resolution, err := engine.Resolve(context.Background(), Record{
		EntityType:  "task",
		ServerValue: map[string]any{"a": 1.0},
		ClientValue: map[string]any{"a": 2.0},
	})
	require.NoError(t, err)
	require.Equal(t, StrategyMerge, resolution.Strategy)

	remove := engine.RegisterStrategy("task", ServerWins{})
	resolution, err = engine.Resolve(context.Background(), Record{
		EntityType:  "task",
		ServerValue: map[string]any{"a": 1.0},
		ClientValue: map[string]any{"a": 2.0},
	})
	require.NoError(t, err)
	require.Equal(t, StrategyServerWins, resolution.Strategy)

	remove()
	resolution, err = engine.Resolve(context.Background(), Record{
		EntityType:  "task",
		ServerValue: map[string]any{"a": 1.0},
		ClientValue: map[string]any{"a": 2.0},
	})
	require.NoError(t, err)
	require.Equal(t, StrategyMerge, resolution.Strategy, "removed registration must not linger")
}

func TestEngineStampsSystemFields(t *testing.T) {
	engine := NewEngine(nil)
	mergeTime := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return mergeTime }

	resolution, err := engine.Resolve(context.Background(), Record{
		EntityType: "task",
		ServerValue: map[string]any{
			"id":         "t-1",
			"updated_at": "2026-08-01T10:00:00Z",
			"title":      "server title",
		},
		ClientValue: map[string]any{
			"id":         "t-1-stale",
			"updated_at": "2026-08-01T09:00:00Z",
			"title":      "client title",
		},
	})
	require.NoError(t, err)
	require.Equal(t, "t-1", resolution.MergedValue["id"], "identity comes from the server copy")
	require.Equal(t, mergeTime.Format(time.RFC3339Nano), resolution.MergedValue["updated_at"],
		"audit timestamp is the merge instant, not either stale copy")
	require.Equal(t, "client title", resolution.MergedValue["title"])
}
