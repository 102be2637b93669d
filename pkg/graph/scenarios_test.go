package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/edgestore/pkg/events"
	"github.com/orneryd/edgestore/pkg/storage"
)

// End-to-end flows through the manager, with events delivered synchronously.

func TestScenarioWriteRepair(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	manager := f.graph.Manager(&events.Router{Handlers: f.graph.Handlers()})
	alice := storage.NewId("user")
	post := storage.NewId("post")

	var written []storage.MarkedEdge
	for i := 0; i < 3; i++ {
		e, err := manager.WriteEdge(f.ctx, f.scope, storage.Edge{SourceNode: alice, Type: "likes", TargetNode: post})
		require.NoError(t, err)
		written = append(written, e)
	}
	newest := written[2]

	assert.Empty(t, f.versions(f.stores.CommitLog, newest), "everything was compacted")
	assert.Equal(t, []storage.MarkedEdge{newest}, f.versions(f.stores.Storage, newest))
	assert.Equal(t, []storage.MarkedEdge{newest}, f.targetVersions(f.stores.Storage, newest))

	loaded := collect(t, manager.LoadEdgesFromSource(f.ctx, f.scope, storage.SearchByEdgeType{Node: alice, Type: "likes"}))
	assert.Equal(t, []storage.MarkedEdge{newest}, loaded)
}

func TestScenarioOrphanSubtypeCleanup(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	manager := f.graph.Manager(&events.Router{Handlers: f.graph.Handlers()})
	alice := storage.NewId("user")
	bob := storage.NewId("user")
	team := storage.NewId("group")

	_, err := manager.WriteEdge(f.ctx, f.scope, storage.Edge{SourceNode: alice, Type: "follows", TargetNode: bob})
	require.NoError(t, err)
	toTeam, err := manager.WriteEdge(f.ctx, f.scope, storage.Edge{SourceNode: alice, Type: "follows", TargetNode: team})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user", "group"}, f.idTypesFrom(alice, "follows"))

	var delivered []int
	router := &events.Router{
		Handlers:    f.graph.Handlers(),
		OnDelivered: func(_ events.Envelope, n int) { delivered = append(delivered, n) },
	}
	_, err = f.graph.Manager(router).MarkEdge(f.ctx, f.scope, toTeam.Edge)
	require.NoError(t, err)

	// alice still follows a user; the team lost its only follower.
	assert.Equal(t, []int{1}, delivered)
	assert.Equal(t, []string{"user"}, f.idTypesFrom(alice, "follows"))
	assert.Equal(t, []string{"follows"}, f.typesFrom(alice))
	assert.Empty(t, f.typesTo(team))
	assert.Equal(t, []string{"follows"}, f.typesTo(bob))
}

func TestScenarioNodeDeleteFanOut(t *testing.T) {
	f := newFixture(t, Config{ScanPageSize: 3, RepairConcurrentSize: 2})
	pending := &recorder{}
	manager := f.graph.Manager(pending)
	handlers := f.graph.Handlers()

	hub := storage.NewId("user")
	var neighbours []storage.Id
	for i := 0; i < 4; i++ {
		out := storage.NewId("post")
		in := storage.NewId("user")
		neighbours = append(neighbours, out, in)
		_, err := manager.WriteEdge(f.ctx, f.scope, storage.Edge{SourceNode: hub, Type: "wrote", TargetNode: out})
		require.NoError(t, err)
		_, err = manager.WriteEdge(f.ctx, f.scope, storage.Edge{SourceNode: in, Type: "follows", TargetNode: hub})
		require.NoError(t, err)
	}
	// Half the writes reach storage, half stay in the commit log.
	pending.envelopes = pending.envelopes[:4]
	pending.deliver(t, f.ctx, handlers)

	_, err := manager.MarkNode(f.ctx, f.scope, hub)
	require.NoError(t, err)

	// Hidden from reads before the delete is processed.
	assert.Empty(t, collect(t, manager.LoadEdgesFromSource(f.ctx, f.scope, storage.SearchByEdgeType{Node: hub, Type: "wrote"})))
	assert.Empty(t, collect(t, manager.LoadEdgesToTarget(f.ctx, f.scope, storage.SearchByEdgeType{Node: hub, Type: "follows"})))

	counts := pending.deliver(t, f.ctx, handlers)
	assert.Equal(t, []int{8}, counts)

	for _, tier := range f.stores.tiers() {
		assert.Empty(t, f.edgesFrom(tier, hub, "wrote"))
		assert.Empty(t, f.edgesTo(tier, hub, "follows"))
	}
	assert.Empty(t, f.typesFrom(hub))
	assert.Empty(t, f.typesTo(hub))
	for _, n := range neighbours {
		assert.Empty(t, f.typesFrom(n), n.String())
		assert.Empty(t, f.typesTo(n), n.String())
	}

	// A new edge written after the delete is untouched by a redelivery.
	fresh, err := manager.WriteEdge(f.ctx, f.scope, storage.Edge{SourceNode: hub, Type: "wrote", TargetNode: neighbours[0]})
	require.NoError(t, err)
	n, err := f.graph.NodeDeleteListener.Receive(f.ctx, events.NodeDeleteEvent{Scope: f.scope, Node: hub, Timestamp: storage.NowTimestamp()})
	require.NoError(t, err)
	assert.Zero(t, n)

	loaded := collect(t, manager.LoadEdgesFromSource(f.ctx, f.scope, storage.SearchByEdgeType{Node: hub, Type: "wrote"}))
	assert.Equal(t, []storage.MarkedEdge{fresh}, loaded)
}
