// Package audit implements the append-only, hash-chained security event log.
// Every admission decision of interest (rejections, rate limit trips, threat
// detections, certificate lifecycle changes) is recorded as a chained entry,
// so after-the-fact tampering with the event history is detectable.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ruvnet/agent-name-service/internal/registry/model"
)

// GenesisHash is the canonical well-known hash of the genesis entry. It is
// the trust anchor of the chain; all subsequent entry hashes chain from this
// constant rather than from a computed value.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single chained record in the audit log. The embedded event is
// immutable once appended; DataHash covers its serialized form and Hash
// covers the entry including the previous entry's hash.
type Entry struct {
	Index     int                 `json:"index"`
	Timestamp time.Time           `json:"timestamp"`
	Event     model.SecurityEvent `json:"event"`
	DataHash  string              `json:"data_hash"`
	PrevHash  string              `json:"prev_hash"`
	Hash      string              `json:"hash"`
}

// hashEntry computes a deterministic SHA-256 hash over an entry's chain
// fields. The timestamp is hashed at microsecond precision: timestamptz
// columns keep microseconds, and a chain reloaded from the database must
// reproduce the hashes computed at append time. Never called on the genesis
// entry (index 0).
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%s",
		e.Index, e.Timestamp.Truncate(time.Microsecond).Format(time.RFC3339Nano),
		e.DataHash, e.PrevHash, e.Event.ID,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// eventDataHash returns the hex SHA-256 of the event's canonical JSON form.
func eventDataHash(ev model.SecurityEvent) (string, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// genesisEntry returns the canonical index-0 entry.
func genesisEntry() *Entry {
	return &Entry{
		Index:     0,
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		Event: model.SecurityEvent{
			EventType:   "genesis",
			Severity:    model.SeverityInfo,
			Source:      "ans-system",
			Description: "audit log initialized",
		},
		DataHash: GenesisHash,
		PrevHash: GenesisHash,
		Hash:     GenesisHash, // genesis hash is the well-known constant, not computed
	}
}
