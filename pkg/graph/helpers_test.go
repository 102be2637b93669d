package graph

import (
	"context"
	"errors"
	"iter"
	"math"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/orneryd/edgestore/pkg/events"
	"github.com/orneryd/edgestore/pkg/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errInjected = errors.New("injected failure")

// countingEngine counts executed mutation batches and can fail one of them.
type countingEngine struct {
	storage.KVEngine
	updates atomic.Int64
	failAt  atomic.Int64
}

func (e *countingEngine) Update(ctx context.Context, fn func(txn storage.Txn) error) error {
	n := e.updates.Add(1)
	if f := e.failAt.Load(); f > 0 && n == f {
		return errInjected
	}
	return e.KVEngine.Update(ctx, fn)
}

// failNth makes the nth mutation from now fail.
func (e *countingEngine) failNth(n int) {
	e.failAt.Store(e.updates.Load() + int64(n))
}

func (e *countingEngine) count() int64 {
	return e.updates.Load()
}

// recorder is a Publisher that keeps events for later delivery.
type recorder struct {
	envelopes []events.Envelope
}

func (r *recorder) Publish(_ context.Context, env events.Envelope) error {
	r.envelopes = append(r.envelopes, env)
	return nil
}

// deliver hands every recorded event to handlers and forgets them.
func (r *recorder) deliver(t *testing.T, ctx context.Context, handlers events.Handlers) []int {
	t.Helper()
	var counts []int
	for _, env := range r.envelopes {
		n, err := handlers.Deliver(ctx, env)
		require.NoError(t, err, "delivering %s", env)
		counts = append(counts, n)
	}
	r.envelopes = nil
	return counts
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	engine *countingEngine
	graph  *Graph
	stores Stores
	scope  storage.Scope
	base   int64
	logger logrus.FieldLogger
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	engine := &countingEngine{KVEngine: storage.NewMemoryEngine()}
	t.Cleanup(func() { _ = engine.Close() })

	logger, _ := test.NewNullLogger()
	g := New(storage.NewKeyspace(engine), cfg, logger)
	return &fixture{
		t:      t,
		ctx:    context.Background(),
		engine: engine,
		graph:  g,
		stores: g.Stores,
		scope:  storage.NewScope(storage.NewId("application")),
		// Far enough in the past that event timestamps taken now are newer.
		base:   storage.NowTimestamp() - 10_000_000,
		logger: logger,
	}
}

// edge builds a live edge whose version carries base+offset.
func (f *fixture) edge(source storage.Id, edgeType string, target storage.Id, offset int64) storage.MarkedEdge {
	return storage.NewMarkedEdge(source, edgeType, target, storage.NewVersionAt(f.base+offset), false)
}

// put stores edge in tier, stamped with its own timestamp.
func (f *fixture) put(tier storage.EdgeSerialization, edges ...storage.MarkedEdge) {
	f.t.Helper()
	for _, e := range edges {
		m, err := tier.WriteEdge(f.scope, e, e.Timestamp())
		require.NoError(f.t, err)
		require.NoError(f.t, m.Execute(f.ctx))
	}
}

// putMeta asserts the metadata entries of edges.
func (f *fixture) putMeta(edges ...storage.MarkedEdge) {
	f.t.Helper()
	for _, e := range edges {
		m, err := f.stores.Metadata.WriteEdge(f.scope, e.Edge)
		require.NoError(f.t, err)
		require.NoError(f.t, m.Execute(f.ctx))
	}
}

// versions lists every stored version of edge's triple in tier, newest first.
func (f *fixture) versions(tier storage.EdgeSerialization, edge storage.MarkedEdge) []storage.MarkedEdge {
	f.t.Helper()
	return collect(f.t, tier.GetEdgeVersionsFromSource(f.ctx, f.scope, storage.SearchByEdge{
		SourceNode:   edge.SourceNode,
		Type:         edge.Type,
		TargetNode:   edge.TargetNode,
		MaxTimestamp: math.MaxInt64,
	}))
}

// targetVersions is versions read from the target side.
func (f *fixture) targetVersions(tier storage.EdgeSerialization, edge storage.MarkedEdge) []storage.MarkedEdge {
	f.t.Helper()
	return collect(f.t, tier.GetEdgeVersionsToTarget(f.ctx, f.scope, storage.SearchByEdge{
		SourceNode:   edge.SourceNode,
		Type:         edge.Type,
		TargetNode:   edge.TargetNode,
		MaxTimestamp: math.MaxInt64,
	}))
}

func (f *fixture) edgesFrom(tier storage.EdgeSerialization, node storage.Id, edgeType string) []storage.MarkedEdge {
	f.t.Helper()
	return collect(f.t, tier.GetEdgesFromSource(f.ctx, f.scope, storage.SearchByEdgeType{
		Node: node, Type: edgeType, MaxTimestamp: math.MaxInt64,
	}))
}

func (f *fixture) edgesTo(tier storage.EdgeSerialization, node storage.Id, edgeType string) []storage.MarkedEdge {
	f.t.Helper()
	return collect(f.t, tier.GetEdgesToTarget(f.ctx, f.scope, storage.SearchByEdgeType{
		Node: node, Type: edgeType, MaxTimestamp: math.MaxInt64,
	}))
}

func (f *fixture) typesFrom(node storage.Id) []string {
	f.t.Helper()
	return collect(f.t, f.stores.Metadata.GetEdgeTypesFromSource(f.ctx, f.scope, storage.SearchEdgeType{Node: node}))
}

func (f *fixture) typesTo(node storage.Id) []string {
	f.t.Helper()
	return collect(f.t, f.stores.Metadata.GetEdgeTypesToTarget(f.ctx, f.scope, storage.SearchEdgeType{Node: node}))
}

func (f *fixture) idTypesFrom(node storage.Id, edgeType string) []string {
	f.t.Helper()
	return collect(f.t, f.stores.Metadata.GetIdTypesFromSource(f.ctx, f.scope, storage.SearchIdType{
		SearchEdgeType: storage.SearchEdgeType{Node: node}, Type: edgeType,
	}))
}

func (f *fixture) idTypesTo(node storage.Id, edgeType string) []string {
	f.t.Helper()
	return collect(f.t, f.stores.Metadata.GetIdTypesToTarget(f.ctx, f.scope, storage.SearchIdType{
		SearchEdgeType: storage.SearchEdgeType{Node: node}, Type: edgeType,
	}))
}

func collect[T any](t *testing.T, seq iter.Seq2[T, error]) []T {
	t.Helper()
	var (
		out  []T
		fail error
	)
	for v, err := range seq {
		if err != nil {
			fail = err
			break
		}
		out = append(out, v)
	}
	require.NoError(t, fail)
	return out
}
