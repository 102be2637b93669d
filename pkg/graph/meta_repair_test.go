package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/edgestore/pkg/storage"
)

func TestEdgeMetaRepair(t *testing.T) {
	t.Run("orphaned id type is removed, live one kept", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		node := storage.NewId("user")
		toUser := f.edge(node, "likes", storage.NewId("user"), 1)
		toGroup := f.edge(node, "likes", storage.NewId("group"), 1)
		f.put(f.stores.Storage, toUser)
		f.putMeta(toUser, toGroup)

		live, err := f.graph.MetaRepair.RepairSources(f.ctx, f.scope, node, "likes", f.base+10)
		require.NoError(t, err)
		assert.Equal(t, 1, live)

		assert.Equal(t, []string{"user"}, f.idTypesFrom(node, "likes"))
		assert.Equal(t, []string{"likes"}, f.typesFrom(node))
	})

	t.Run("edge type is removed when no id type is alive", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		node := storage.NewId("user")
		f.putMeta(f.edge(node, "likes", storage.NewId("group"), 1), f.edge(node, "likes", storage.NewId("post"), 2))

		live, err := f.graph.MetaRepair.RepairSources(f.ctx, f.scope, node, "likes", f.base+10)
		require.NoError(t, err)
		assert.Zero(t, live)

		assert.Empty(t, f.idTypesFrom(node, "likes"))
		assert.Empty(t, f.typesFrom(node))
	})

	t.Run("target side mirrors the source side", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		node := storage.NewId("post")
		fromUser := f.edge(storage.NewId("user"), "likes", node, 1)
		fromBot := f.edge(storage.NewId("bot"), "likes", node, 1)
		f.put(f.stores.CommitLog, fromUser)
		f.putMeta(fromUser, fromBot)

		live, err := f.graph.MetaRepair.RepairTargets(f.ctx, f.scope, node, "likes", f.base+10)
		require.NoError(t, err)
		assert.Equal(t, 1, live)
		assert.Equal(t, []string{"user"}, f.idTypesTo(node, "likes"))
		assert.Equal(t, []string{"likes"}, f.typesTo(node))

		// The source side of the live edge's source is not touched.
		assert.Equal(t, []string{"likes"}, f.typesFrom(fromUser.SourceNode))
	})

	t.Run("an edge in either tier keeps its id type alive", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		node := storage.NewId("user")
		inLog := f.edge(node, "likes", storage.NewId("post"), 1)
		inStorage := f.edge(node, "likes", storage.NewId("photo"), 1)
		f.put(f.stores.CommitLog, inLog)
		f.put(f.stores.Storage, inStorage)
		f.putMeta(inLog, inStorage)

		live, err := f.graph.MetaRepair.RepairSources(f.ctx, f.scope, node, "likes", f.base+10)
		require.NoError(t, err)
		assert.Equal(t, 2, live)
		assert.ElementsMatch(t, []string{"post", "photo"}, f.idTypesFrom(node, "likes"))
	})

	t.Run("a version marked deleted still counts", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		node := storage.NewId("user")
		e := f.edge(node, "likes", storage.NewId("post"), 1)
		e.Deleted = true
		f.put(f.stores.CommitLog, e)
		f.putMeta(e)

		live, err := f.graph.MetaRepair.RepairSources(f.ctx, f.scope, node, "likes", f.base+10)
		require.NoError(t, err)
		assert.Equal(t, 1, live)
	})

	t.Run("edges newer than the cutoff do not count", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		node := storage.NewId("user")
		old := f.edge(node, "likes", storage.NewId("group"), 1)
		newer := f.edge(node, "likes", storage.NewId("post"), 20)
		f.put(f.stores.Storage, newer)
		f.putMeta(old, newer)

		live, err := f.graph.MetaRepair.RepairSources(f.ctx, f.scope, node, "likes", f.base+10)
		require.NoError(t, err)
		assert.Zero(t, live)

		// Entries re-asserted after the cutoff survive their removal.
		assert.Equal(t, []string{"post"}, f.idTypesFrom(node, "likes"))
		assert.Equal(t, []string{"likes"}, f.typesFrom(node))
	})

	t.Run("id types are checked a page at a time", func(t *testing.T) {
		f := newFixture(t, Config{RepairConcurrentSize: 2})
		node := storage.NewId("user")
		for i := 0; i < 5; i++ {
			e := f.edge(node, "likes", storage.NewId(fmt.Sprintf("type%d", i)), 1)
			f.putMeta(e)
			if i%2 == 0 {
				f.put(f.stores.Storage, e)
			}
		}

		live, err := f.graph.MetaRepair.RepairSources(f.ctx, f.scope, node, "likes", f.base+10)
		require.NoError(t, err)
		assert.Equal(t, 3, live)
		assert.Equal(t, []string{"type0", "type2", "type4"}, f.idTypesFrom(node, "likes"))
	})

	t.Run("clean index executes no mutation", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		node := storage.NewId("user")
		e := f.edge(node, "likes", storage.NewId("post"), 1)
		f.put(f.stores.Storage, e)
		f.putMeta(e)

		before := f.engine.count()
		live, err := f.graph.MetaRepair.RepairSources(f.ctx, f.scope, node, "likes", f.base+10)
		require.NoError(t, err)
		assert.Equal(t, 1, live)
		assert.Equal(t, before, f.engine.count())
	})

	t.Run("validation", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		node := storage.NewId("user")

		_, err := f.graph.MetaRepair.RepairSources(f.ctx, f.scope, storage.Id{}, "likes", f.base)
		assert.ErrorIs(t, err, storage.ErrInvalidID)
		_, err = f.graph.MetaRepair.RepairTargets(f.ctx, f.scope, node, "", f.base)
		assert.ErrorIs(t, err, storage.ErrInvalidSearch)
		_, err = f.graph.MetaRepair.RepairTargets(f.ctx, f.scope, node, "likes", -1)
		assert.ErrorIs(t, err, storage.ErrInvalidTimestamp)
	})
}

func TestEdgeAsync(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	node := storage.NewId("post")
	stale := f.edge(storage.NewId("user"), "likes", node, 1)
	f.putMeta(stale)

	live, err := f.graph.Async.ClearTargets(f.ctx, f.scope, node, "likes", storage.NewVersionAt(f.base+5))
	require.NoError(t, err)
	assert.Zero(t, live)
	assert.Empty(t, f.typesTo(node))

	// The source side is left to CleanSources.
	assert.Equal(t, []string{"likes"}, f.typesFrom(stale.SourceNode))
	live, err = f.graph.Async.CleanSources(f.ctx, f.scope, stale.SourceNode, "likes", storage.NewVersionAt(f.base+5))
	require.NoError(t, err)
	assert.Zero(t, live)
	assert.Empty(t, f.typesFrom(stale.SourceNode))
}
