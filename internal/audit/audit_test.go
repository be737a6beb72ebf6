package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/ruvnet/agent-name-service/internal/audit"
	"github.com/ruvnet/agent-name-service/internal/registry/model"
)

var ctx = context.Background()

func rejectionEvent(name string) model.SecurityEvent {
	return model.SecurityEvent{
		EventType:         model.EventRegistrationRejected,
		Severity:          model.SeverityHigh,
		Source:            "203.0.113.10",
		Target:            name,
		Description:       "registration rejected by threat policy",
		MitigationApplied: true,
	}
}

func TestNewMemoryLog_genesisEntry(t *testing.T) {
	l := audit.NewMemoryLog()

	n, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 genesis entry, got %d", n)
	}

	entry, err := l.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Event.EventType != "genesis" {
		t.Errorf("expected event type 'genesis', got %q", entry.Event.EventType)
	}
	if entry.Hash != audit.GenesisHash {
		t.Errorf("genesis hash: got %q, want GenesisHash", entry.Hash)
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	l := audit.NewMemoryLog()

	e1, err := l.Append(ctx, rejectionEvent("evil-agent"))
	if err != nil {
		t.Fatal(err)
	}
	e2, err := l.Append(ctx, model.SecurityEvent{
		EventType: model.EventRateLimitExceeded,
		Severity:  model.SeverityMedium,
		Source:    "203.0.113.10",
	})
	if err != nil {
		t.Fatal(err)
	}

	if e2.PrevHash != e1.Hash {
		t.Errorf("chain broken: e2.PrevHash=%q, want e1.Hash=%q", e2.PrevHash, e1.Hash)
	}
	if e1.Event.ID == e2.Event.ID {
		t.Error("appended events share an ID")
	}
	if e1.Event.Timestamp.IsZero() {
		t.Error("append did not stamp the event timestamp")
	}

	n, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 { // genesis + 2
		t.Errorf("expected 3 entries, got %d", n)
	}
}

func TestVerify_valid(t *testing.T) {
	l := audit.NewMemoryLog()
	_, _ = l.Append(ctx, rejectionEvent("a"))
	_, _ = l.Append(ctx, rejectionEvent("b"))

	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() failed on valid chain: %v", err)
	}
}

func TestVerify_genesisOnlyChain(t *testing.T) {
	l := audit.NewMemoryLog()
	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() on genesis-only chain should pass: %v", err)
	}
}

func TestVerify_detectsTamperedEvent(t *testing.T) {
	l := audit.NewMemoryLog()
	_, _ = l.Append(ctx, rejectionEvent("a"))
	entry, _ := l.Append(ctx, rejectionEvent("b"))
	_, _ = l.Append(ctx, rejectionEvent("c"))

	// Mutating an appended event must break verification.
	entry.Event.Description = "rewritten after the fact"

	if err := l.Verify(ctx); err == nil {
		t.Error("Verify() passed on a chain with a tampered event payload")
	}
}

func TestRoot_returnsLastHash(t *testing.T) {
	l := audit.NewMemoryLog()
	e, _ := l.Append(ctx, rejectionEvent("a"))

	root, err := l.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != e.Hash {
		t.Errorf("Root(): got %q, want %q", root, e.Hash)
	}
}

func TestQuery_filtersAndOrders(t *testing.T) {
	l := audit.NewMemoryLog()
	_, _ = l.Append(ctx, model.SecurityEvent{
		EventType: model.EventCertIssued,
		Severity:  model.SeverityInfo,
		Source:    "ans-system",
		Target:    "weather-agent",
	})
	_, _ = l.Append(ctx, rejectionEvent("evil-agent"))
	_, _ = l.Append(ctx, model.SecurityEvent{
		EventType: model.EventThreatDetected,
		Severity:  model.SeverityCritical,
		Source:    "203.0.113.10",
		Target:    "evil-agent",
	})

	all, err := l.Query(ctx, model.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("unfiltered query returned %d events, want 3", len(all))
	}
	// Newest first.
	if all[0].EventType != model.EventThreatDetected {
		t.Errorf("first event = %s, want most recent", all[0].EventType)
	}

	high, err := l.Query(ctx, model.EventFilter{MinSeverity: model.SeverityHigh})
	if err != nil {
		t.Fatal(err)
	}
	if len(high) != 2 {
		t.Errorf("MinSeverity=high returned %d events, want 2", len(high))
	}

	byTarget, err := l.Query(ctx, model.EventFilter{Target: "evil-agent"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byTarget) != 2 {
		t.Errorf("target filter returned %d events, want 2", len(byTarget))
	}

	limited, err := l.Query(ctx, model.EventFilter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit 1 returned %d events", len(limited))
	}
}

func TestQuery_timeWindow(t *testing.T) {
	l := audit.NewMemoryLog()
	past := model.SecurityEvent{
		EventType: model.EventCertRevoked,
		Severity:  model.SeverityMedium,
		Source:    "ans-system",
		Timestamp: time.Now().Add(-2 * time.Hour).UTC(),
	}
	_, _ = l.Append(ctx, past)
	_, _ = l.Append(ctx, rejectionEvent("a"))

	recent, err := l.Query(ctx, model.EventFilter{Since: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 {
		t.Fatalf("Since filter returned %d events, want 1", len(recent))
	}
	if recent[0].EventType != model.EventRegistrationRejected {
		t.Errorf("recent event = %s", recent[0].EventType)
	}
}

func TestVerify_timestampPrecisionRoundTrip(t *testing.T) {
	l := audit.NewMemoryLog()
	_, _ = l.Append(ctx, rejectionEvent("a"))
	_, _ = l.Append(ctx, rejectionEvent("b"))

	// timestamptz keeps microseconds, so a chain reloaded from the database
	// may carry timestamps that differ from the appended ones below that
	// precision. Verification must not depend on sub-microsecond digits.
	for i := 1; i <= 2; i++ {
		entry, err := l.Get(ctx, i)
		if err != nil {
			t.Fatal(err)
		}
		if entry.Timestamp.Nanosecond()%1000 != 0 {
			t.Fatalf("entry %d appended with sub-microsecond precision", i)
		}
		entry.Timestamp = entry.Timestamp.Add(750 * time.Nanosecond)
	}

	if err := l.Verify(ctx); err != nil {
		t.Fatalf("Verify after precision drift: %v", err)
	}
}
