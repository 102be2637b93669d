package graph

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/edgestore/pkg/events"
	"github.com/orneryd/edgestore/pkg/storage"
)

func TestGraphManager(t *testing.T) {
	alice := storage.NewId("user")
	post := storage.NewId("post")
	photo := storage.NewId("photo")

	t.Run("write publishes an event and asserts metadata", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		rec := &recorder{}
		manager := f.graph.Manager(rec)

		e, err := manager.WriteEdge(f.ctx, f.scope, storage.Edge{SourceNode: alice, Type: "likes", TargetNode: post})
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, e.Version)

		require.Len(t, rec.envelopes, 1)
		env := rec.envelopes[0]
		assert.Equal(t, events.KindEdgeWrite, env.Kind)
		require.NotNil(t, env.EdgeWrite)
		assert.Equal(t, e, env.EdgeWrite.Edge)
		assert.Positive(t, env.EdgeWrite.Timestamp)

		assert.Equal(t, []storage.MarkedEdge{e}, f.versions(f.stores.CommitLog, e))
		assert.Equal(t, []string{"likes"}, collect(t, manager.GetEdgeTypesFromSource(f.ctx, f.scope, storage.SearchEdgeType{Node: alice})))
		assert.Equal(t, []string{"likes"}, collect(t, manager.GetEdgeTypesToTarget(f.ctx, f.scope, storage.SearchEdgeType{Node: post})))
		assert.Equal(t, []string{"post"}, collect(t, manager.GetIdTypesFromSource(f.ctx, f.scope, storage.SearchIdType{
			SearchEdgeType: storage.SearchEdgeType{Node: alice}, Type: "likes",
		})))
		assert.Equal(t, []string{"user"}, collect(t, manager.GetIdTypesToTarget(f.ctx, f.scope, storage.SearchIdType{
			SearchEdgeType: storage.SearchEdgeType{Node: post}, Type: "likes",
		})))
	})

	t.Run("invalid edge is rejected before any write", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		rec := &recorder{}
		manager := f.graph.Manager(rec)
		before := f.engine.count()

		_, err := manager.WriteEdge(f.ctx, f.scope, storage.Edge{SourceNode: alice, TargetNode: post})
		assert.ErrorIs(t, err, storage.ErrInvalidEdge)
		_, err = manager.WriteEdge(f.ctx, storage.Scope{}, storage.Edge{SourceNode: alice, Type: "likes", TargetNode: post})
		assert.ErrorIs(t, err, storage.ErrInvalidScope)
		_, err = manager.MarkEdge(f.ctx, f.scope, storage.Edge{SourceNode: alice, Type: "likes", TargetNode: post})
		assert.ErrorIs(t, err, storage.ErrInvalidEdge)

		assert.Equal(t, before, f.engine.count())
		assert.Empty(t, rec.envelopes)
	})

	t.Run("loads merge both tiers and keep the newest version", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		manager := f.graph.Manager(nil)
		old := f.edge(alice, "likes", post, 1)
		newer := f.edge(alice, "likes", post, 2)
		other := f.edge(alice, "likes", photo, 3)
		f.put(f.stores.Storage, old)
		f.put(f.stores.CommitLog, newer, other)

		loaded := collect(t, manager.LoadEdgesFromSource(f.ctx, f.scope, storage.SearchByEdgeType{Node: alice, Type: "likes"}))
		assert.ElementsMatch(t, []storage.MarkedEdge{newer, other}, loaded)

		loaded = collect(t, manager.LoadEdgesToTarget(f.ctx, f.scope, storage.SearchByEdgeType{Node: post, Type: "likes"}))
		assert.Equal(t, []storage.MarkedEdge{newer}, loaded)

		versions := collect(t, manager.LoadEdgeVersions(f.ctx, f.scope, storage.SearchByEdge{SourceNode: alice, Type: "likes", TargetNode: post}))
		assert.Equal(t, []storage.MarkedEdge{newer, old}, versions)

		versions = collect(t, manager.LoadEdgeVersions(f.ctx, f.scope, storage.SearchByEdge{
			SourceNode: alice, Type: "likes", TargetNode: post, Order: storage.OrderAscending,
		}))
		assert.Equal(t, []storage.MarkedEdge{old, newer}, versions)
	})

	t.Run("marked edge is hidden", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		rec := &recorder{}
		manager := f.graph.Manager(rec)

		e, err := manager.WriteEdge(f.ctx, f.scope, storage.Edge{SourceNode: alice, Type: "likes", TargetNode: post})
		require.NoError(t, err)
		marked, err := manager.MarkEdge(f.ctx, f.scope, e.Edge)
		require.NoError(t, err)
		assert.True(t, marked.Deleted)
		require.Len(t, rec.envelopes, 2)
		assert.Equal(t, events.KindEdgeDelete, rec.envelopes[1].Kind)

		assert.Empty(t, collect(t, manager.LoadEdgesFromSource(f.ctx, f.scope, storage.SearchByEdgeType{Node: alice, Type: "likes"})))

		versions := collect(t, manager.LoadEdgeVersions(f.ctx, f.scope, storage.SearchByEdge{SourceNode: alice, Type: "likes", TargetNode: post}))
		require.Len(t, versions, 1)
		assert.True(t, versions[0].Deleted)
	})

	t.Run("marked node flags its edges", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		rec := &recorder{}
		manager := f.graph.Manager(rec)

		e, err := manager.WriteEdge(f.ctx, f.scope, storage.Edge{SourceNode: alice, Type: "likes", TargetNode: post})
		require.NoError(t, err)
		marker, err := manager.MarkNode(f.ctx, f.scope, post)
		require.NoError(t, err)
		assert.Positive(t, storage.CompareVersions(marker, e.Version))

		require.Len(t, rec.envelopes, 2)
		env := rec.envelopes[1]
		assert.Equal(t, events.KindNodeDelete, env.Kind)
		assert.Equal(t, post, env.NodeDelete.Node)

		assert.Empty(t, collect(t, manager.LoadEdgesFromSource(f.ctx, f.scope, storage.SearchByEdgeType{Node: alice, Type: "likes"})))

		versions := collect(t, manager.LoadEdgeVersions(f.ctx, f.scope, storage.SearchByEdge{SourceNode: alice, Type: "likes", TargetNode: post}))
		require.Len(t, versions, 1)
		assert.False(t, versions[0].SourceDeleted)
		assert.True(t, versions[0].TargetDeleted)

		// A version written after the marker is visible again.
		again, err := manager.WriteEdge(f.ctx, f.scope, storage.Edge{SourceNode: alice, Type: "likes", TargetNode: post})
		require.NoError(t, err)
		loaded := collect(t, manager.LoadEdgesFromSource(f.ctx, f.scope, storage.SearchByEdgeType{Node: alice, Type: "likes"}))
		assert.Equal(t, []storage.MarkedEdge{again}, loaded)
	})

	t.Run("breaking out of a load stops it", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		manager := f.graph.Manager(nil)
		for i := int64(1); i <= 5; i++ {
			f.put(f.stores.CommitLog, f.edge(alice, "likes", storage.NewId("post"), i))
		}

		seen := 0
		for _, err := range manager.LoadEdgesFromSource(f.ctx, f.scope, storage.SearchByEdgeType{Node: alice, Type: "likes"}) {
			assert.NoError(t, err)
			seen++
			if seen == 2 {
				break
			}
		}
		assert.Equal(t, 2, seen)
	})
}
