package client

import (
	"errors"
	"fmt"

	"vessel-telemetry/internal/protocol"
)

// ErrSequence is returned when chunks arrive out of order or disagree
// with each other.
var ErrSequence = errors.New("chunk sequence violation")

// Accumulator rebuilds one target's series from its chunks.
type Accumulator struct {
	Target     string
	Resolution string
	Points     []protocol.Point

	// Err is set when the server reported an error for the target.
	Err error

	totalChunks int
	received    int
	done        bool
}

// NewAccumulator creates an accumulator for target.
func NewAccumulator(target string) *Accumulator {
	return &Accumulator{Target: target, totalChunks: -1}
}

// Add appends a chunk. Chunks must arrive with consecutive 1-based
// indices and the same totalChunks.
func (a *Accumulator) Add(m *protocol.ChunkMessage) error {
	if a.done {
		return fmt.Errorf("%w: chunk %d after completion", ErrSequence, m.ChunkIndex)
	}
	if a.totalChunks < 0 {
		a.totalChunks = m.TotalChunks
		a.Resolution = m.Resolution
	}
	if m.TotalChunks != a.totalChunks {
		return fmt.Errorf("%w: totalChunks changed from %d to %d", ErrSequence, a.totalChunks, m.TotalChunks)
	}
	if m.ChunkIndex != a.received+1 {
		return fmt.Errorf("%w: expected chunk %d, got %d", ErrSequence, a.received+1, m.ChunkIndex)
	}
	if m.ChunkIndex > a.totalChunks {
		return fmt.Errorf("%w: chunk %d of %d", ErrSequence, m.ChunkIndex, a.totalChunks)
	}
	a.received++
	a.Points = append(a.Points, m.Points...)
	return nil
}

// Complete closes the series and checks the point count.
func (a *Accumulator) Complete(m *protocol.CompleteMessage) error {
	if a.done {
		return fmt.Errorf("%w: duplicate completion", ErrSequence)
	}
	a.done = true
	if a.totalChunks > 0 && a.received != a.totalChunks {
		return fmt.Errorf("%w: completed after %d of %d chunks", ErrSequence, a.received, a.totalChunks)
	}
	if m.TotalPoints != len(a.Points) {
		return fmt.Errorf("%w: completion reports %d points, received %d", ErrSequence, m.TotalPoints, len(a.Points))
	}
	return nil
}

// Fail marks the target as failed by the server.
func (a *Accumulator) Fail(m *protocol.ErrorMessage) {
	a.done = true
	a.Err = errors.New(m.Message)
}

// Done reports whether the target finished, successfully or not.
func (a *Accumulator) Done() bool {
	return a.done
}
