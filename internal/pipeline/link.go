package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// Seq is an ordered operation stream. A non-nil error ends the stream.
type Seq = iter.Seq2[Op, error]

// Link transforms one stream into another.
type Link func(Seq) Seq

// ErrUnexpectedReady is raised when more ready operations arrive than a
// MergeReady barrier expects.
var ErrUnexpectedReady = errors.New("unexpected ready operation")

// Compose applies links left to right: every operation passes through the
// first link before the second link sees it.
func Compose(links ...Link) Link {
	return func(in Seq) Seq {
		out := in
		for _, l := range links {
			if l == nil {
				continue
			}
			out = l(out)
		}
		return out
	}
}

// Apply is Compose(links...)(src).
func Apply(src Seq, links ...Link) Seq {
	return Compose(links...)(src)
}

// FromSlice yields ops in order.
func FromSlice(ops ...Op) Seq {
	return func(yield func(Op, error) bool) {
		for _, op := range ops {
			if !yield(op, nil) {
				return
			}
		}
	}
}

// Fail yields a single error.
func Fail(err error) Seq {
	return func(yield func(Op, error) bool) {
		yield(Op{}, err)
	}
}

// Collect drains seq. Operations yielded before an error are returned with it.
func Collect(seq Seq) ([]Op, error) {
	var out []Op
	for op, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, op)
	}
	return out, nil
}

// Handler replaces one operation with zero or more operations.
type Handler func(ctx context.Context, op Op) ([]Op, error)

// Handlers holds an optional handler per operation type.
type Handlers struct {
	Data        Handler
	ConnUpdate  Handler
	StateUpdate Handler
	Commit      Handler
	Ready       Handler
}

func (h Handlers) For(t OpType) Handler {
	switch t {
	case OpData:
		return h.Data
	case OpConnUpdate:
		return h.ConnUpdate
	case OpStateUpdate:
		return h.StateUpdate
	case OpCommit:
		return h.Commit
	case OpReady:
		return h.Ready
	default:
		return nil
	}
}

// HandlersLink dispatches each operation to the handler for its type.
// Operations without a handler pass through. Handlers run one at a time, so
// the output keeps input order even when a handler blocks on I/O.
func HandlersLink(ctx context.Context, handlers Handlers) Link {
	return func(in Seq) Seq {
		return func(yield func(Op, error) bool) {
			for op, err := range in {
				if err != nil {
					yield(Op{}, err)
					return
				}
				h := handlers.For(op.Type)
				if h == nil {
					if !yield(op, nil) {
						return
					}
					continue
				}
				out, err := h(ctx, op)
				if err != nil {
					yield(Op{}, fmt.Errorf("%s handler: %w", op.Type, err))
					return
				}
				for _, o := range out {
					if !yield(o, nil) {
						return
					}
				}
			}
		}
	}
}

// TransformLink mutates each operation in place.
func TransformLink(fn func(*Op)) Link {
	return func(in Seq) Seq {
		return func(yield func(Op, error) bool) {
			for op, err := range in {
				if err != nil {
					yield(Op{}, err)
					return
				}
				fn(&op)
				if !yield(op, nil) {
					return
				}
			}
		}
	}
}

// MergeReady is a barrier over n upstream sources. It swallows ready
// operations until the nth arrives, forwards exactly one, and fails on any
// further ready. Other operations pass through immediately.
func MergeReady(n int) Link {
	if n < 1 {
		n = 1
	}
	return func(in Seq) Seq {
		return func(yield func(Op, error) bool) {
			seen := 0
			for op, err := range in {
				if err != nil {
					yield(Op{}, err)
					return
				}
				if op.Type != OpReady {
					if !yield(op, nil) {
						return
					}
					continue
				}
				seen++
				switch {
				case seen < n:
					continue
				case seen == n:
					if !yield(ReadyOp(""), nil) {
						return
					}
				default:
					yield(Op{}, fmt.Errorf("%w: got %d, expected %d", ErrUnexpectedReady, seen, n))
					return
				}
			}
		}
	}
}
