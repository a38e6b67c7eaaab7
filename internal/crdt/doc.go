// Package crdt holds a room's authoritative document replica.
//
// The relay never interprets update payloads: conflict resolution happens in
// the clients' CRDT library, whose merges are commutative and idempotent.
// The replica is therefore an append-only, hash-deduplicated update log,
// periodically collapsed into a batch prefix. "Full state" is the batch
// encoding of the whole log; a late joiner applies each update in order and
// converges without replaying history frame by frame.
package crdt

import (
	"crypto/sha256"
	"errors"
	"sync"
)

const (
	// Collapse the recent-update log into the snapshot once it grows past
	// this many entries.
	defaultCompactThreshold = 100

	// How many recent updates stay un-collapsed after compaction.
	defaultKeepRecent = 10
)

var ErrEmptyUpdate = errors.New("crdt: empty update")

// Doc is the authoritative replica for one room.
type Doc struct {
	mu sync.RWMutex

	// Batch-encoded prefix of the log, already in wire form.
	snapshot      []byte
	snapshotCount int

	// Recent updates not yet collapsed into the snapshot.
	updates [][]byte

	// Content hashes of every update ever merged, for duplicate suppression.
	seen map[[sha256.Size]byte]struct{}

	compactThreshold int
	keepRecent       int
}

func NewDoc() *Doc {
	return &Doc{
		seen:             make(map[[sha256.Size]byte]struct{}),
		compactThreshold: defaultCompactThreshold,
		keepRecent:       defaultKeepRecent,
	}
}

// Merge applies one opaque update to the replica. Re-merging a payload that
// was already seen is a no-op, so duplicate delivery cannot grow the state.
func (d *Doc) Merge(update []byte) error {
	if len(update) == 0 {
		return ErrEmptyUpdate
	}

	hash := sha256.Sum256(update)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, dup := d.seen[hash]; dup {
		return nil
	}
	d.seen[hash] = struct{}{}

	buf := make([]byte, len(update))
	copy(buf, update)
	d.updates = append(d.updates, buf)

	if len(d.updates) >= d.compactThreshold {
		d.compactLocked()
	}
	return nil
}

// Len returns the number of updates merged so far.
func (d *Doc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotCount + len(d.updates)
}

// EncodeFullState returns the batch encoding of every merged update, in
// merge order. Empty replica encodes to an empty batch.
func (d *Doc) EncodeFullState() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	recent := EncodeUpdates(d.updates)
	state := make([]byte, 0, len(d.snapshot)+len(recent))
	state = append(state, d.snapshot...)
	return append(state, recent...)
}

// Compact collapses the recent-update log into the snapshot prefix. Full
// state before and after is byte-identical; only the internal bookkeeping
// shrinks.
func (d *Doc) Compact() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.compactLocked()
}

func (d *Doc) compactLocked() {
	if len(d.updates) <= d.keepRecent {
		return
	}
	cut := len(d.updates) - d.keepRecent
	d.snapshot = append(d.snapshot, EncodeUpdates(d.updates[:cut])...)
	d.snapshotCount += cut
	d.updates = append([][]byte(nil), d.updates[cut:]...)
}

// EncodeUpdates concatenates updates as uint32-be length-prefixed records.
// Batch byte strings concatenate into valid batches, which is what lets the
// snapshot prefix and the recent log join without re-encoding.
func EncodeUpdates(updates [][]byte) []byte {
	total := 0
	for _, u := range updates {
		total += 4 + len(u)
	}

	batch := make([]byte, 0, total)
	for _, u := range updates {
		n := uint32(len(u))
		batch = append(batch, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		batch = append(batch, u...)
	}
	return batch
}

// SplitUpdates is the inverse of EncodeUpdates. Trailing garbage that does
// not form a complete record is discarded.
func SplitUpdates(batch []byte) [][]byte {
	var updates [][]byte
	offset := 0

	for offset < len(batch) {
		if offset+4 > len(batch) {
			break
		}
		n := uint32(batch[offset])<<24 |
			uint32(batch[offset+1])<<16 |
			uint32(batch[offset+2])<<8 |
			uint32(batch[offset+3])
		offset += 4

		if offset+int(n) > len(batch) {
			break
		}
		u := make([]byte, n)
		copy(u, batch[offset:offset+int(n)])
		updates = append(updates, u)
		offset += int(n)
	}
	return updates
}
