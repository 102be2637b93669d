package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/edgestore/pkg/storage"
)

func TestEdgeRepair(t *testing.T) {
	source := storage.NewId("user")
	target := storage.NewId("post")

	t.Run("delete repair removes the reference and older versions", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		v1, v2, v3 := f.edge(source, "likes", target, 1), f.edge(source, "likes", target, 2), f.edge(source, "likes", target, 3)
		f.put(f.stores.CommitLog, v1, v2, v3)

		repair := NewEdgeDeleteRepair(f.stores.CommitLog, f.graph.Scheduler, nil, f.graph.Config, f.logger)
		deleted, err := repair.Repair(f.ctx, f.scope, v2, storage.NowTimestamp())
		require.NoError(t, err)

		assert.Equal(t, []storage.MarkedEdge{v2, v1}, deleted)
		assert.Equal(t, []storage.MarkedEdge{v3}, f.versions(f.stores.CommitLog, v1))
		assert.Equal(t, []storage.MarkedEdge{v3}, f.targetVersions(f.stores.CommitLog, v1))
	})

	t.Run("write repair keeps the reference and newer versions", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		v1, v2, v3 := f.edge(source, "likes", target, 1), f.edge(source, "likes", target, 2), f.edge(source, "likes", target, 3)
		f.put(f.stores.Storage, v1, v2, v3)

		repair := NewEdgeWriteRepair(f.stores.Storage, f.graph.Scheduler, nil, f.graph.Config, f.logger)
		deleted, err := repair.Repair(f.ctx, f.scope, v2, storage.NowTimestamp())
		require.NoError(t, err)

		assert.Equal(t, []storage.MarkedEdge{v1}, deleted)
		assert.Equal(t, []storage.MarkedEdge{v3, v2}, f.versions(f.stores.Storage, v1))
	})

	t.Run("second run executes no mutation", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		v1, v2 := f.edge(source, "likes", target, 1), f.edge(source, "likes", target, 2)
		f.put(f.stores.CommitLog, v1, v2)

		repair := NewEdgeDeleteRepair(f.stores.CommitLog, f.graph.Scheduler, nil, f.graph.Config, f.logger)
		ts := storage.NowTimestamp()
		_, err := repair.Repair(f.ctx, f.scope, v2, ts)
		require.NoError(t, err)

		before := f.engine.count()
		deleted, err := repair.Repair(f.ctx, f.scope, v2, ts)
		require.NoError(t, err)
		assert.Empty(t, deleted)
		assert.Equal(t, before, f.engine.count())
	})

	t.Run("edges of other triples are untouched", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		other := storage.NewId("post")
		v1 := f.edge(source, "likes", target, 1)
		keep := []storage.MarkedEdge{
			f.edge(source, "likes", other, 1),
			f.edge(source, "follows", target, 1),
			f.edge(target, "likes", source, 1),
		}
		f.put(f.stores.CommitLog, v1)
		f.put(f.stores.CommitLog, keep...)

		repair := NewEdgeDeleteRepair(f.stores.CommitLog, f.graph.Scheduler, nil, f.graph.Config, f.logger)
		_, err := repair.Repair(f.ctx, f.scope, v1, storage.NowTimestamp())
		require.NoError(t, err)

		assert.Empty(t, f.versions(f.stores.CommitLog, v1))
		for _, e := range keep {
			assert.Equal(t, []storage.MarkedEdge{e}, f.versions(f.stores.CommitLog, e))
		}
	})

	t.Run("one batch per page", func(t *testing.T) {
		f := newFixture(t, Config{ScanPageSize: 2})
		var all []storage.MarkedEdge
		for i := int64(1); i <= 5; i++ {
			all = append(all, f.edge(source, "likes", target, i))
		}
		f.put(f.stores.CommitLog, all...)

		repair := NewEdgeDeleteRepair(f.stores.CommitLog, f.graph.Scheduler, nil, f.graph.Config, f.logger)
		before := f.engine.count()
		deleted, err := repair.Repair(f.ctx, f.scope, all[4], storage.NowTimestamp())
		require.NoError(t, err)

		assert.Len(t, deleted, 5)
		assert.Equal(t, int64(3), f.engine.count()-before)
		assert.Empty(t, f.versions(f.stores.CommitLog, all[0]))
	})

	t.Run("a delete stamped before a newer write leaves it alone", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		v1 := f.edge(source, "likes", target, 1)
		m, err := f.stores.CommitLog.WriteEdge(f.scope, v1, f.base+100)
		require.NoError(t, err)
		require.NoError(t, m.Execute(f.ctx))

		repair := NewEdgeDeleteRepair(f.stores.CommitLog, f.graph.Scheduler, nil, f.graph.Config, f.logger)
		_, err = repair.Repair(f.ctx, f.scope, v1, f.base+50)
		require.NoError(t, err)

		assert.Equal(t, []storage.MarkedEdge{v1}, f.versions(f.stores.CommitLog, v1))
	})

	t.Run("invalid input fails before any I/O", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		repair := NewEdgeDeleteRepair(f.stores.CommitLog, f.graph.Scheduler, nil, f.graph.Config, f.logger)
		before := f.engine.count()

		_, err := repair.Repair(f.ctx, storage.Scope{}, f.edge(source, "likes", target, 1), storage.NowTimestamp())
		assert.ErrorIs(t, err, storage.ErrInvalidScope)

		_, err = repair.Repair(f.ctx, f.scope, f.edge(source, "", target, 1), storage.NowTimestamp())
		assert.ErrorIs(t, err, storage.ErrInvalidEdge)

		_, err = repair.Repair(f.ctx, f.scope, f.edge(source, "likes", target, 1), 0)
		assert.ErrorIs(t, err, storage.ErrInvalidTimestamp)
		assert.True(t, storage.IsValidationError(err))

		assert.Equal(t, before, f.engine.count())
	})

	t.Run("mutation failure propagates as a connection error", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		v1 := f.edge(source, "likes", target, 1)
		f.put(f.stores.CommitLog, v1)

		repair := NewEdgeDeleteRepair(f.stores.CommitLog, f.graph.Scheduler, nil, f.graph.Config, f.logger)
		f.engine.failNth(1)
		_, err := repair.Repair(f.ctx, f.scope, v1, storage.NowTimestamp())
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrConnection)
		assert.ErrorIs(t, err, errInjected)

		assert.Equal(t, []storage.MarkedEdge{v1}, f.versions(f.stores.CommitLog, v1))
	})
}
