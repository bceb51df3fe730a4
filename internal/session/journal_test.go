package session

import (
	"encoding/json"
	"testing"
	"time"
)

func record(target string, at time.Time) effectRecord {
	return effectRecord{Target: target, Value: json.RawMessage(`1`), RecordedAt: at}
}

func TestJournalCountBound(t *testing.T) {
	j := newJournal(3, time.Hour)
	now := time.Now()
	for i := 0; i < 5; i++ {
		j.Append(record("t", now.Add(time.Duration(i)*time.Millisecond)))
	}
	if j.Size() != 3 {
		t.Fatalf("size = %d, want 3", j.Size())
	}
}

func TestJournalAgeBound(t *testing.T) {
	j := newJournal(16, 100*time.Millisecond)
	now := time.Now()
	j.Append(record("old", now.Add(-time.Second)))
	j.Append(record("fresh", now))

	recent := j.Recent()
	if len(recent) != 1 {
		t.Fatalf("recent = %d entries, want 1", len(recent))
	}
	if recent[0].Target != "fresh" {
		t.Fatalf("kept %q, want the fresh entry", recent[0].Target)
	}
}

func TestJournalRecentIsCopy(t *testing.T) {
	j := newJournal(8, time.Hour)
	j.Append(record("a", time.Now()))
	recent := j.Recent()
	recent[0].Target = "mutated"
	if j.Recent()[0].Target != "a" {
		t.Fatal("Recent must not alias the internal buffer")
	}
}

func TestResyncPolicyQuietBelowThreshold(t *testing.T) {
	p := newResyncPolicy()
	for i := 0; i < 100000; i++ {
		p.noteDelivery()
	}
	if p.consume() {
		t.Fatal("no drops, no resync")
	}
}

func TestResyncPolicyTriggersOnDropRatio(t *testing.T) {
	p := newResyncPolicy()
	for i := 0; i < 9999; i++ {
		p.noteDelivery()
	}
	p.noteDrop()
	if !p.consume() {
		t.Fatal("one drop in ten thousand deliveries must trigger a resync")
	}
	// The window resets after consumption.
	if p.consume() {
		t.Fatal("consume must be one-shot")
	}
	p.noteDelivery()
	if p.consume() {
		t.Fatal("fresh window must start clean")
	}
}

func TestResyncPolicyFirstDropOnQuietSession(t *testing.T) {
	p := newResyncPolicy()
	p.noteDrop()
	if !p.consume() {
		t.Fatal("a drop with no delivery history is over any ratio")
	}
}
