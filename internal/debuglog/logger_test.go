package debuglog

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRateLimitedfOncePerInterval(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	prev := L()
	SetLogger(zap.New(core))
	defer SetLogger(prev)

	for i := 0; i < 5; i++ {
		RateLimitedf("flood:peer", time.Hour, "flood from %s", "peer")
	}
	RateLimitedf("flood:other", time.Hour, "flood from %s", "other")
	if n := logs.FilterMessage("flood from peer").Len(); n != 1 {
		t.Fatalf("expected 1 entry for peer, got %d", n)
	}
	if n := logs.Len(); n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}
}

func TestDebugfRespectsLevel(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	prev := L()
	SetLogger(zap.New(core))
	defer SetLogger(prev)

	Debugf("hidden %d", 1)
	Logf("shown %d", 2)
	if logs.Len() != 1 || logs.All()[0].Message != "shown 2" {
		t.Fatalf("unexpected entries: %v", logs.All())
	}
}
