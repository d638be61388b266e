package proto

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"chat","text":"hi"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("EncodeFrame failed: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, got) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	hdr := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := ReadFrame(bytes.NewReader(hdr)); err == nil {
		t.Fatalf("expected invalid frame size")
	}
}

func TestMessageCodecRoundTrip(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	m := NewMessage(KindChat, "alice", "bob", []byte("hello"), now)
	m = m.Forwarded("relay")
	data, err := EncodeMessage(m)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	got, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got.ID != m.ID || got.Kind != KindChat || got.SourceID != "alice" || got.TargetID != "bob" {
		t.Fatalf("header mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("created_at mismatch: %v", got.CreatedAt)
	}
	if got.TTL != KindChat.InitialTTL()-1 || got.HopCount != 1 {
		t.Fatalf("ttl/hops mismatch: %d/%d", got.TTL, got.HopCount)
	}
	if len(got.RoutePath) != 2 || got.RoutePath[1] != "relay" {
		t.Fatalf("route path mismatch: %v", got.RoutePath)
	}
	if !bytes.Equal(got.Payload, []byte("hello")) {
		t.Fatalf("payload mismatch")
	}
}

func TestMessageCodecCompressesLargePayload(t *testing.T) {
	payload := bytes.Repeat([]byte("sos "), 1024)
	m := NewMessage(KindSignal, "alice", "", payload, time.Now())
	data, err := EncodeMessage(m)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(data) >= len(payload) {
		t.Fatalf("expected compressed envelope, got %d bytes", len(data))
	}
	got, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("payload mismatch after decompression")
	}
}

func TestDecodeMessageCorruptCompressedPayload(t *testing.T) {
	w := wireEnvelope{
		Version: EnvelopeVersion,
		ID:      "id",
		Kind:    uint8(KindChat),
		Source:  "alice",
		TTL:     1,
		Path:    []string{"alice"},
		Flags:   flagSnappyPayload,
		Payload: []byte{0xff, 0xff, 0xff, 0xff, 0x0f, 0x00},
	}
	data, err := encMode.Marshal(w)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if _, err := DecodeMessage(data); !errors.Is(err, ErrDecodingFailed) && !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected decode failure, got %v", err)
	}
}

func TestDecodeMessageGarbage(t *testing.T) {
	if _, err := DecodeMessage([]byte{0xde, 0xad, 0xbe, 0xef}); !errors.Is(err, ErrDecodingFailed) {
		t.Fatalf("expected ErrDecodingFailed, got %v", err)
	}
}

func TestEncodeMessageRejectsLoopedPath(t *testing.T) {
	m := NewMessage(KindChat, "alice", "", []byte("x"), time.Now())
	m.RoutePath = []string{"alice", "bob", "alice"}
	if _, err := EncodeMessage(m); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestEncodeMessageRejectsOversizePayload(t *testing.T) {
	m := NewMessage(KindChat, "alice", "", make([]byte, MaxPayloadSize+1), time.Now())
	if _, err := EncodeMessage(m); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestDecodeMessageUnknownKind(t *testing.T) {
	w := wireEnvelope{Version: EnvelopeVersion, ID: "id", Kind: 200, Source: "a", Path: []string{"a"}}
	data, err := encMode.Marshal(w)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if _, err := DecodeMessage(data); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestHelloRoundTrip(t *testing.T) {
	data, err := EncodeHello(Hello{NodeID: "n1", Ephemeral: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("encode hello failed: %v", err)
	}
	h, err := DecodeHello(data)
	if err != nil {
		t.Fatalf("decode hello failed: %v", err)
	}
	if h.NodeID != "n1" || !bytes.Equal(h.Ephemeral, []byte{1, 2, 3}) {
		t.Fatalf("hello mismatch: %v", h)
	}
}

func TestControlPayloadsRoundTrip(t *testing.T) {
	hb, err := EncodeHeartbeat(Heartbeat{SentAt: 42, Neighbors: []string{"b"}})
	if err != nil {
		t.Fatalf("encode heartbeat failed: %v", err)
	}
	h, err := DecodeHeartbeat(hb)
	if err != nil || h.SentAt != 42 || len(h.Neighbors) != 1 {
		t.Fatalf("heartbeat mismatch: %+v err=%v", h, err)
	}
	tg, err := EncodeTopologyGossip(TopologyGossip{Adjacency: map[string][]string{"a": {"b"}}})
	if err != nil {
		t.Fatalf("encode topology failed: %v", err)
	}
	g, err := DecodeTopologyGossip(tg)
	if err != nil || len(g.Adjacency["a"]) != 1 {
		t.Fatalf("topology mismatch: %+v err=%v", g, err)
	}
}
