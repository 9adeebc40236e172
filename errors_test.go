package recall

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EricMeteorite/recall/pkg/config"
	"github.com/EricMeteorite/recall/pkg/engine"
	"github.com/EricMeteorite/recall/pkg/graph"
	"github.com/EricMeteorite/recall/pkg/index"
	"github.com/EricMeteorite/recall/pkg/llm"
	"github.com/EricMeteorite/recall/pkg/store"
)

func TestSentinelsMatchProducers(t *testing.T) {
	assert.ErrorIs(t, store.ErrNotFound, ErrNotFound)
	assert.ErrorIs(t, store.ErrArchiveAppend, ErrStorage)
	assert.ErrorIs(t, graph.ErrConflict, ErrConflict)
	assert.ErrorIs(t, index.ErrCorrupted, ErrIndexCorrupted)
	assert.ErrorIs(t, llm.ErrBudgetExceeded, ErrBudgetExceeded)
	assert.ErrorIs(t, llm.ErrRateLimited, ErrRateLimited)
	assert.ErrorIs(t, llm.ErrCircuitOpen, ErrBackendUnavailable)
	assert.ErrorIs(t, engine.ErrClosed, ErrEngineClosed)
	assert.ErrorIs(t, engine.ErrInvalidArgument, ErrInvalidArgument)

	// Wrapping with operation context keeps the classification.
	err := WrapOp("store.put", fmt.Errorf("volume 3: %w", store.ErrArchiveAppend))
	assert.ErrorIs(t, err, ErrStorage)
}

func TestErrorClassificationAcrossFacade(t *testing.T) {
	dir := t.TempDir()
	eng, err := Open(dir, WithConfig(config.Default(dir)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	ctx := context.Background()

	_, err = eng.Get("mem_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = eng.Add(ctx, &engine.AddRequest{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	jan := int64(1704067200000)
	jun := int64(1717200000000)
	_, _, err = eng.AddFact(ctx, "Alice", "lives_in", "Paris", jan, graph.StrategySupersede)
	require.NoError(t, err)
	_, _, err = eng.AddFact(ctx, "Alice", "lives_in", "Beijing", jun, graph.StrategyReject)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestClosedEngineErrorClassifies(t *testing.T) {
	dir := t.TempDir()
	eng, err := Open(dir, WithConfig(config.Default(dir)))
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	_, err = eng.Search(context.Background(), "anything", engine.SearchOptions{})
	assert.ErrorIs(t, err, ErrEngineClosed)
}
