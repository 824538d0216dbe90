package queue

import "sync/atomic"

// Sequencer stamps listing updates in arrival order so the store can drop
// updates that a worker picks up after a newer one for the same listing.
type Sequencer struct{ n atomic.Uint64 }

// Next returns the next sequence number, starting at 1.
func (s *Sequencer) Next() uint64 { return s.n.Add(1) }
