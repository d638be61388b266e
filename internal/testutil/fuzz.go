// Package testutil holds helpers shared by the decoder fuzz tests.
package testutil

import (
	"fmt"
	"testing"
	"time"
)

const (
	MaxFuzzInput = 64 << 10
	FuzzDeadline = 100 * time.Millisecond

	maxFlips    = 16
	maxPrefixes = 32
)

// SeedVariants adds seed together with a spread of its prefixes and single
// bit flips of its leading bytes, so decoders start from near-valid input.
func SeedVariants(f *testing.F, seed []byte) {
	f.Add(seed)
	step := len(seed)/maxPrefixes + 1
	for n := 0; n < len(seed); n += step {
		f.Add(append([]byte(nil), seed[:n]...))
	}
	for i := 0; i < len(seed) && i < maxFlips; i++ {
		b := append([]byte(nil), seed...)
		b[i] ^= 0x80
		f.Add(b)
	}
}

// Decode runs fn on data capped to MaxFuzzInput. It fails t when fn panics,
// returns an error or runs past FuzzDeadline.
func Decode(t testing.TB, data []byte, fn func([]byte) error) {
	t.Helper()
	if len(data) > MaxFuzzInput {
		data = data[:MaxFuzzInput]
	}
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(data)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("decode %d bytes: %v", len(data), err)
		}
	case <-time.After(FuzzDeadline):
		t.Fatalf("decode %d bytes did not return within %s", len(data), FuzzDeadline)
	}
}
