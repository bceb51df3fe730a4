package proto

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeClientFrameIntent(t *testing.T) {
	raw := []byte(`{"ver":1,"type":"intent","target":"tempo","value":140,"clientSeq":7}`)
	frame, err := DecodeClientFrame(raw)
	if err != nil {
		t.Fatalf("decode intent: %v", err)
	}
	if frame.Type != TypeIntent || frame.Target != "tempo" || frame.ClientSeq != 7 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if string(frame.Value) != "140" {
		t.Fatalf("value not preserved: %s", frame.Value)
	}
}

func TestDecodeClientFrameUnknownType(t *testing.T) {
	frame, err := DecodeClientFrame([]byte(`{"type":"teleport","clientSeq":3}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("want ErrUnknownType, got %v", err)
	}
	// The partially decoded frame still carries the seq so the caller can
	// answer with a rejection.
	if frame.ClientSeq != 3 {
		t.Fatalf("seq not preserved: %+v", frame)
	}
}

func TestDecodeClientFrameMalformed(t *testing.T) {
	if _, err := DecodeClientFrame([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestDecodeServerFrameEffect(t *testing.T) {
	seq := uint64(9)
	msg := EffectMessage{
		Ver:       Version,
		Type:      TypeEffect,
		Version:   12,
		Target:    "track/track-1/volume",
		Value:     json.RawMessage(`0.5`),
		PlayerID:  "p1",
		ClientSeq: &seq,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame, err := DecodeServerFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.Type != TypeEffect || frame.Version != 12 || frame.PlayerID != "p1" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.ClientSeq == nil || *frame.ClientSeq != 9 {
		t.Fatalf("clientSeq echo missing: %+v", frame)
	}
}

func TestEffectOmitsSeqWhenAbsent(t *testing.T) {
	data, err := json.Marshal(EffectMessage{Ver: Version, Type: TypeEffect, Target: "tempo", Value: json.RawMessage(`140`)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame, err := DecodeServerFrame(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if frame.ClientSeq != nil {
		t.Fatalf("clientSeq must be absent on non-sender copies: %+v", frame)
	}
}
