package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruvnet/agent-name-service/internal/registry/model"
)

// MemoryLog is an in-memory, thread-safe Log implementation. Useful for
// testing and single-process deployments that do not need the event history
// to survive restarts.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryLog creates a MemoryLog initialised with the canonical genesis
// entry at index 0.
func NewMemoryLog() *MemoryLog {
	l := &MemoryLog{}
	l.entries = append(l.entries, genesisEntry())
	return l
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, ev model.SecurityEvent) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	dataHash, err := eventDataHash(ev)
	if err != nil {
		return nil, err
	}
	prev := l.entries[len(l.entries)-1]

	entry := &Entry{
		Index:     len(l.entries),
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		Event:     ev,
		DataHash:  dataHash,
		PrevHash:  prev.Hash,
	}
	entry.Hash = hashEntry(entry)
	l.entries = append(l.entries, entry)
	return entry, nil
}

// Get implements Log.
func (l *MemoryLog) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("index %d out of range", index)
	}
	return l.entries[index], nil
}

// Query implements Log.
func (l *MemoryLog) Query(_ context.Context, filter model.EventFilter) ([]model.SecurityEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []model.SecurityEvent
	for i := len(l.entries) - 1; i >= 1; i-- { // newest first, skip genesis
		ev := l.entries[i].Event
		if !filter.Matches(&ev) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Len implements Log.
func (l *MemoryLog) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Verify implements Log. It walks the chain and checks that all hashes are
// consistent. The genesis entry is validated against GenesisHash.
func (l *MemoryLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i, curr := range l.entries {
		if i == 0 {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			continue
		}

		prev := l.entries[i-1]
		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
		dataHash, err := eventDataHash(curr.Event)
		if err != nil {
			return err
		}
		if curr.DataHash != dataHash {
			return fmt.Errorf("entry %d event payload does not match its data hash", curr.Index)
		}
	}
	return nil
}

// Root implements Log.
func (l *MemoryLog) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}
