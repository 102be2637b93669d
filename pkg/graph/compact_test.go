package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/edgestore/pkg/storage"
)

func TestEdgeWriteCompact(t *testing.T) {
	source := storage.NewId("user")
	target := storage.NewId("post")

	t.Run("moves versions up to the reference", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		v1, v2, v3 := f.edge(source, "likes", target, 1), f.edge(source, "likes", target, 2), f.edge(source, "likes", target, 3)
		f.put(f.stores.CommitLog, v1, v2, v3)

		n, err := f.graph.Compact.Compact(f.ctx, f.scope, v2, storage.NowTimestamp())
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		assert.Equal(t, []storage.MarkedEdge{v3}, f.versions(f.stores.CommitLog, v1))
		assert.Equal(t, []storage.MarkedEdge{v2, v1}, f.versions(f.stores.Storage, v1))
		assert.Equal(t, []storage.MarkedEdge{v2, v1}, f.targetVersions(f.stores.Storage, v1))
		assert.Equal(t, []storage.MarkedEdge{v2, v1}, f.edgesFrom(f.stores.Storage, source, "likes"))
		assert.Equal(t, []storage.MarkedEdge{v2, v1}, f.edgesTo(f.stores.Storage, target, "likes"))
	})

	t.Run("storage is written before the commit log is cleared", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		v1 := f.edge(source, "likes", target, 1)
		f.put(f.stores.CommitLog, v1)

		f.engine.failNth(1)
		_, err := f.graph.Compact.Compact(f.ctx, f.scope, v1, storage.NowTimestamp())
		require.ErrorIs(t, err, storage.ErrConnection)

		assert.Equal(t, []storage.MarkedEdge{v1}, f.versions(f.stores.CommitLog, v1))
		assert.Empty(t, f.versions(f.stores.Storage, v1))
	})

	t.Run("interrupted compaction converges on rerun", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		v1, v2 := f.edge(source, "likes", target, 1), f.edge(source, "likes", target, 2)
		f.put(f.stores.CommitLog, v1, v2)
		ts := storage.NowTimestamp()

		// Storage write succeeds, commit-log delete fails.
		f.engine.failNth(2)
		_, err := f.graph.Compact.Compact(f.ctx, f.scope, v2, ts)
		require.ErrorIs(t, err, storage.ErrConnection)

		assert.Equal(t, []storage.MarkedEdge{v2, v1}, f.versions(f.stores.CommitLog, v1))
		assert.Equal(t, []storage.MarkedEdge{v2, v1}, f.versions(f.stores.Storage, v1))

		n, err := f.graph.Compact.Compact(f.ctx, f.scope, v2, ts)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		assert.Empty(t, f.versions(f.stores.CommitLog, v1))
		assert.Equal(t, []storage.MarkedEdge{v2, v1}, f.versions(f.stores.Storage, v1))
	})

	t.Run("rerun after success is a no-op", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		v1 := f.edge(source, "likes", target, 1)
		f.put(f.stores.CommitLog, v1)
		ts := storage.NowTimestamp()

		_, err := f.graph.Compact.Compact(f.ctx, f.scope, v1, ts)
		require.NoError(t, err)

		before := f.engine.count()
		n, err := f.graph.Compact.Compact(f.ctx, f.scope, v1, ts)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, before, f.engine.count())
		assert.Equal(t, []storage.MarkedEdge{v1}, f.versions(f.stores.Storage, v1))
	})

	t.Run("pages commit independently", func(t *testing.T) {
		f := newFixture(t, Config{ScanPageSize: 2})
		var all []storage.MarkedEdge
		for i := int64(1); i <= 5; i++ {
			all = append(all, f.edge(source, "likes", target, i))
		}
		f.put(f.stores.CommitLog, all...)

		// First page commits, the second page's storage write fails.
		f.engine.failNth(3)
		n, err := f.graph.Compact.Compact(f.ctx, f.scope, all[4], storage.NowTimestamp())
		require.Error(t, err)
		assert.Equal(t, 2, n)
		assert.Len(t, f.versions(f.stores.Storage, all[0]), 2)
		assert.Len(t, f.versions(f.stores.CommitLog, all[0]), 3)
	})

	t.Run("nothing to compact", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		before := f.engine.count()
		n, err := f.graph.Compact.Compact(f.ctx, f.scope, f.edge(source, "likes", target, 1), storage.NowTimestamp())
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, before, f.engine.count())
	})
}
