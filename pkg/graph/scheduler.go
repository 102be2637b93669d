package graph

import (
	"context"
	"iter"

	"golang.org/x/sync/semaphore"
)

// Scheduler bounds the number of storage reads in flight across every
// repair, compaction and delete running in the process.
//
// Scans are pulled on their own goroutine (see subscribe) and hold a
// scheduler slot only while fetching the next element, never while waiting
// for the consumer. A nested scan started by a consumer therefore cannot
// deadlock against the scan feeding it.
type Scheduler struct {
	sem  *semaphore.Weighted
	size int
}

// NewScheduler creates a scheduler allowing workers concurrent reads.
func NewScheduler(workers int) *Scheduler {
	if workers <= 0 {
		workers = DefaultConfig().IOWorkers
	}
	return &Scheduler{sem: semaphore.NewWeighted(int64(workers)), size: workers}
}

// Size returns the number of concurrent reads allowed.
func (s *Scheduler) Size() int { return s.size }

// Do runs fn while holding a slot.
func (s *Scheduler) Do(ctx context.Context, fn func() error) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	return fn()
}

// item is one element travelling through a pipeline channel.
type item[T any] struct {
	val T
	err error
}

// subscribe starts pulling seq on its own goroutine and returns the channel
// its elements arrive on. The channel is closed after the last element, after
// the first error, or when ctx is done. Callers must cancel ctx when they
// stop reading early.
func subscribe[T any](ctx context.Context, s *Scheduler, seq iter.Seq2[T, error]) <-chan item[T] {
	out := make(chan item[T])
	go func() {
		defer close(out)
		next, stop := iter.Pull2(seq)
		defer stop()
		for {
			if err := s.sem.Acquire(ctx, 1); err != nil {
				return
			}
			v, err, ok := next()
			s.sem.Release(1)
			if !ok {
				return
			}
			select {
			case out <- item[T]{val: v, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

// drain exposes a channel as a sequence consumed in the caller's goroutine.
// If ctx ends before the channel is closed, ctx's error is yielded.
func drain[T any](ctx context.Context, in <-chan item[T]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			select {
			case it, ok := <-in:
				if !ok {
					return
				}
				if !yield(it.val, it.err) || it.err != nil {
					return
				}
			case <-ctx.Done():
				var zero T
				yield(zero, ctx.Err())
				return
			}
		}
	}
}

// mergeOrdered merges two channels that each deliver elements in cmp order.
// Elements comparing equal are emitted once, taking a's copy.
func mergeOrdered[T any](ctx context.Context, a, b <-chan item[T], cmp func(x, y T) int) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		recv := func(ch <-chan item[T]) (item[T], bool, bool) {
			select {
			case it, ok := <-ch:
				return it, ok, true
			case <-ctx.Done():
				return item[T]{err: ctx.Err()}, true, false
			}
		}

		headA, okA, live := recv(a)
		if !live {
			yield(zero, headA.err)
			return
		}
		headB, okB, live := recv(b)
		if !live {
			yield(zero, headB.err)
			return
		}

		for okA || okB {
			if okA && headA.err != nil {
				yield(zero, headA.err)
				return
			}
			if okB && headB.err != nil {
				yield(zero, headB.err)
				return
			}

			var out T
			advanceA, advanceB := false, false
			switch {
			case !okB:
				out, advanceA = headA.val, true
			case !okA:
				out, advanceB = headB.val, true
			default:
				c := cmp(headA.val, headB.val)
				switch {
				case c < 0:
					out, advanceA = headA.val, true
				case c > 0:
					out, advanceB = headB.val, true
				default:
					out, advanceA, advanceB = headA.val, true, true
				}
			}

			if !yield(out, nil) {
				return
			}
			if advanceA {
				if headA, okA, live = recv(a); !live {
					yield(zero, headA.err)
					return
				}
			}
			if advanceB {
				if headB, okB, live = recv(b); !live {
					yield(zero, headB.err)
					return
				}
			}
		}
	}
}

// flatten runs fn for every element of in, in order, on one goroutine and
// forwards every element of the resulting sequences.
func flatten[S, T any](ctx context.Context, in <-chan item[S], fn func(ctx context.Context, s S) iter.Seq2[T, error]) <-chan item[T] {
	out := make(chan item[T])
	send := func(it item[T]) bool {
		select {
		case out <- it:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(out)
		for s, err := range drain(ctx, in) {
			if err != nil {
				send(item[T]{err: err})
				return
			}
			for t, err := range fn(ctx, s) {
				if !send(item[T]{val: t, err: err}) || err != nil {
					return
				}
			}
		}
	}()
	return out
}

// fanIn forwards the elements of every input, in no particular order. The
// output closes once every input is closed.
func fanIn[T any](ctx context.Context, inputs ...<-chan item[T]) <-chan item[T] {
	out := make(chan item[T])
	done := make(chan struct{})
	for _, in := range inputs {
		go func() {
			defer func() { done <- struct{}{} }()
			for it := range in {
				select {
				case out <- it:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		for range inputs {
			<-done
		}
		close(out)
	}()
	return out
}

// pages groups seq into slices of at most size elements. The slice passed to
// the consumer is reused for the next page.
func pages[T any](seq iter.Seq2[T, error], size int, buf []T) iter.Seq2[[]T, error] {
	return func(yield func([]T, error) bool) {
		page := buf[:0]
		for v, err := range seq {
			if err != nil {
				yield(nil, err)
				return
			}
			page = append(page, v)
			if len(page) >= size {
				if !yield(page, nil) {
					return
				}
				clear(page)
				page = page[:0]
			}
		}
		if len(page) > 0 {
			yield(page, nil)
		}
	}
}

// first returns the first element of seq, fetched under a scheduler slot.
// Stopping after one element ends the scan and releases its transaction.
func first[T any](ctx context.Context, s *Scheduler, seq iter.Seq2[T, error]) (T, bool, error) {
	var (
		out   T
		found bool
	)
	err := s.Do(ctx, func() error {
		for v, err := range seq {
			if err != nil {
				return err
			}
			out, found = v, true
			break
		}
		return nil
	})
	return out, found, err
}
