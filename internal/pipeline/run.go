package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/open-sspm/open-connect/internal/metrics"
)

// Destination consumes a stream and yields the operations it has processed.
type Destination func(Seq) Seq

// Stats summarizes a finished run.
type Stats struct {
	Data         int64
	ConnUpdates  int64
	StateUpdates int64
	Commits      int64
	Ready        int64
}

func (s *Stats) add(op Op) {
	switch op.Type {
	case OpData:
		s.Data++
	case OpConnUpdate:
		s.ConnUpdates++
	case OpStateUpdate:
		s.StateUpdates++
	case OpCommit:
		s.Commits++
	case OpReady:
		s.Ready++
	}
}

// Run pulls src through links into dst until the stream ends, an error is
// raised, or ctx is done. Stats count what dst yielded.
func Run(ctx context.Context, src Seq, dst Destination, links ...Link) (Stats, error) {
	var stats Stats
	stream := Apply(src, links...)
	if dst != nil {
		stream = dst(stream)
	}
	for op, err := range stream {
		if err != nil {
			return stats, err
		}
		stats.add(op)
		if err := ctx.Err(); err != nil {
			return stats, err
		}
	}
	return stats, ctx.Err()
}

// MetricsLink counts operations per type for a connector.
func MetricsLink(connectorName string) Link {
	return func(in Seq) Seq {
		return func(yield func(Op, error) bool) {
			for op, err := range in {
				if err != nil {
					yield(Op{}, err)
					return
				}
				metrics.PipelineOpsTotal.WithLabelValues(connectorName, string(op.Type)).Inc()
				if !yield(op, nil) {
					return
				}
			}
		}
	}
}

// WriterDestination writes every operation as one JSON line and yields it
// back once written.
func WriterDestination(w io.Writer) Destination {
	return func(in Seq) Seq {
		return func(yield func(Op, error) bool) {
			enc := json.NewEncoder(w)
			for op, err := range in {
				if err != nil {
					yield(Op{}, err)
					return
				}
				if err := enc.Encode(op); err != nil {
					yield(Op{}, fmt.Errorf("write %s op: %w", op.Type, err))
					return
				}
				if !yield(op, nil) {
					return
				}
			}
		}
	}
}
