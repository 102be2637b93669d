// Package events carries the graph's change events from the write path to
// the listeners that compact and repair storage.
//
// Three events exist. The write path emits them after its own mutation has
// committed, so a listener always sees the data the event talks about:
//   - EdgeWriteEvent: an edge version reached the commit log
//   - EdgeDeleteEvent: an edge version was marked deleted
//   - NodeDeleteEvent: a node was marked deleted
//
// Events travel inside an Envelope, which is what a Publisher accepts and
// what the Journal persists. Delivery goes through either the synchronous
// Router or the asynchronous, journaled Dispatcher.
package events

import (
	"context"
	"fmt"

	"github.com/orneryd/edgestore/pkg/storage"
)

// Kind names the type of event inside an Envelope.
type Kind string

const (
	KindEdgeWrite  Kind = "edge_write"
	KindEdgeDelete Kind = "edge_delete"
	KindNodeDelete Kind = "node_delete"
)

// EdgeWriteEvent announces an edge version written to the commit log.
// Timestamp is the cell timestamp the write was stamped with.
type EdgeWriteEvent struct {
	Scope     storage.Scope      `json:"scope"`
	Edge      storage.MarkedEdge `json:"edge"`
	Timestamp int64              `json:"timestamp"`
}

// EdgeDeleteEvent announces an edge version marked deleted.
type EdgeDeleteEvent struct {
	Scope     storage.Scope      `json:"scope"`
	Edge      storage.MarkedEdge `json:"edge"`
	Timestamp int64              `json:"timestamp"`
}

// NodeDeleteEvent announces a node marked deleted. The node's marker holds
// the max version; Timestamp stamps every delete the listener issues.
type NodeDeleteEvent struct {
	Scope     storage.Scope `json:"scope"`
	Node      storage.Id    `json:"node"`
	Timestamp int64         `json:"timestamp"`
}

// Envelope wraps exactly one event.
type Envelope struct {
	// Sequence is assigned by the Journal; zero for unjournaled events.
	Sequence   uint64           `json:"seq,omitempty"`
	Kind       Kind             `json:"kind"`
	EdgeWrite  *EdgeWriteEvent  `json:"edgeWrite,omitempty"`
	EdgeDelete *EdgeDeleteEvent `json:"edgeDelete,omitempty"`
	NodeDelete *NodeDeleteEvent `json:"nodeDelete,omitempty"`
}

// Envelope wraps the event.
func (e EdgeWriteEvent) Envelope() Envelope {
	return Envelope{Kind: KindEdgeWrite, EdgeWrite: &e}
}

// Envelope wraps the event.
func (e EdgeDeleteEvent) Envelope() Envelope {
	return Envelope{Kind: KindEdgeDelete, EdgeDelete: &e}
}

// Envelope wraps the event.
func (e NodeDeleteEvent) Envelope() Envelope {
	return Envelope{Kind: KindNodeDelete, NodeDelete: &e}
}

// Validate checks that the envelope carries the event its kind names and
// that the event is well formed.
func (env Envelope) Validate() error {
	switch env.Kind {
	case KindEdgeWrite:
		if env.EdgeWrite == nil {
			return fmt.Errorf("%w: %s envelope without event", storage.ErrInvalidEdge, env.Kind)
		}
		return validateEdgeEvent(env.EdgeWrite.Scope, env.EdgeWrite.Edge, env.EdgeWrite.Timestamp)
	case KindEdgeDelete:
		if env.EdgeDelete == nil {
			return fmt.Errorf("%w: %s envelope without event", storage.ErrInvalidEdge, env.Kind)
		}
		return validateEdgeEvent(env.EdgeDelete.Scope, env.EdgeDelete.Edge, env.EdgeDelete.Timestamp)
	case KindNodeDelete:
		e := env.NodeDelete
		if e == nil {
			return fmt.Errorf("%w: %s envelope without event", storage.ErrInvalidID, env.Kind)
		}
		if err := e.Scope.Validate(); err != nil {
			return err
		}
		if err := e.Node.Validate(); err != nil {
			return err
		}
		return storage.ValidateTimestamp(e.Timestamp, "event timestamp")
	}
	return fmt.Errorf("%w: unknown event kind %q", storage.ErrInvalidEdge, env.Kind)
}

func validateEdgeEvent(scope storage.Scope, edge storage.MarkedEdge, ts int64) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if err := edge.Validate(); err != nil {
		return err
	}
	return storage.ValidateTimestamp(ts, "event timestamp")
}

// String describes the event for logs.
func (env Envelope) String() string {
	switch env.Kind {
	case KindEdgeWrite:
		if env.EdgeWrite != nil {
			return fmt.Sprintf("%s %s", env.Kind, env.EdgeWrite.Edge)
		}
	case KindEdgeDelete:
		if env.EdgeDelete != nil {
			return fmt.Sprintf("%s %s", env.Kind, env.EdgeDelete.Edge)
		}
	case KindNodeDelete:
		if env.NodeDelete != nil {
			return fmt.Sprintf("%s %s", env.Kind, env.NodeDelete.Node)
		}
	}
	return string(env.Kind)
}

// Publisher accepts events from the write path.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Handlers routes each kind of event to its listener. A nil handler drops
// events of that kind.
//
// Example:
//
//	handlers := events.Handlers{
//		EdgeWrite:  writeListener.Receive,
//		EdgeDelete: edgeDeleteListener.Receive,
//		NodeDelete: nodeDeleteListener.Receive,
//	}
type Handlers struct {
	EdgeWrite  func(ctx context.Context, e EdgeWriteEvent) (int, error)
	EdgeDelete func(ctx context.Context, e EdgeDeleteEvent) (int, error)
	NodeDelete func(ctx context.Context, e NodeDeleteEvent) (int, error)
}

// Deliver validates env and hands it to the matching handler. It returns
// the handler's count.
func (h Handlers) Deliver(ctx context.Context, env Envelope) (int, error) {
	if err := env.Validate(); err != nil {
		return 0, err
	}
	switch env.Kind {
	case KindEdgeWrite:
		if h.EdgeWrite != nil {
			return h.EdgeWrite(ctx, *env.EdgeWrite)
		}
	case KindEdgeDelete:
		if h.EdgeDelete != nil {
			return h.EdgeDelete(ctx, *env.EdgeDelete)
		}
	case KindNodeDelete:
		if h.NodeDelete != nil {
			return h.NodeDelete(ctx, *env.NodeDelete)
		}
	}
	return 0, nil
}

// Router delivers events synchronously in the publishing goroutine. It suits
// one-shot tools, where the caller wants the repair done before it exits.
//
// With a Journal, every event is appended before delivery and acknowledged
// after it. An event whose delivery fails stays pending in the journal and
// is redelivered by the next Dispatcher started on it.
type Router struct {
	Handlers Handlers
	Journal  *Journal

	// OnDelivered, when set, receives the handler's count of every delivery.
	OnDelivered func(env Envelope, count int)
}

// Publish delivers env and returns the handler's error.
func (r *Router) Publish(ctx context.Context, env Envelope) error {
	if r.Journal != nil {
		var err error
		if env, err = r.Journal.Append(env); err != nil {
			return fmt.Errorf("journaling %s: %w", env, err)
		}
	}
	n, err := r.Handlers.Deliver(ctx, env)
	if err != nil {
		return fmt.Errorf("delivering %s: %w", env, err)
	}
	if r.Journal != nil {
		if err := r.Journal.Ack(env.Sequence); err != nil {
			return fmt.Errorf("acknowledging %s: %w", env, err)
		}
	}
	if r.OnDelivered != nil {
		r.OnDelivered(env, n)
	}
	return nil
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Envelope) error { return nil }
