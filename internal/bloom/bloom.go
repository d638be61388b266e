// Package bloom implements the membership filter gossiped between nodes to
// share blacklists. The encoding is versioned so nodes built from different
// codebases can exchange filters.
package bloom

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	bloomv3 "github.com/bits-and-blooms/bloom/v3"
)

const (
	Version = 1

	// MaxBits bounds filters accepted from the wire.
	MaxBits   = 1 << 24
	maxHashes = 32
	headerLen = 3 + 1 + 4 + 1 + 4
)

var magic = [3]byte{'M', 'B', 'F'}

var (
	ErrIncompatible = errors.New("bloom: incompatible filter")
	ErrEncoding     = errors.New("bloom: invalid encoding")
)

// Filter wraps a bloom.BloomFilter with a lock and the wire encoding. The
// bit count is always a whole number of 64-bit words.
type Filter struct {
	mu sync.RWMutex
	bf *bloomv3.BloomFilter
}

// New sizes a filter for n expected elements at false-positive rate p.
func New(n uint, p float64) *Filter {
	if n == 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m, k := bloomv3.EstimateParameters(n, p)
	if m > MaxBits {
		m = MaxBits
	}
	if k > maxHashes {
		k = maxHashes
	}
	return NewWithParams(uint32(m), uint8(k))
}

func NewWithParams(m uint32, k uint8) *Filter {
	if m == 0 {
		m = 1
	}
	if k == 0 {
		k = 1
	}
	return &Filter{bf: bloomv3.New(uint(wordsFor(m))*64, uint(k))}
}

func wordsFor(m uint32) int {
	return (int(m) + 63) / 64
}

func (f *Filter) M() uint32 { return uint32(f.bf.Cap()) }
func (f *Filter) K() uint8  { return uint8(f.bf.K()) }

func (f *Filter) Add(key []byte) {
	f.mu.Lock()
	f.bf.Add(key)
	f.mu.Unlock()
}

func (f *Filter) AddString(key string) { f.Add([]byte(key)) }

// Test reports whether key may be in the set. False means definitely absent.
func (f *Filter) Test(key []byte) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.Test(key)
}

func (f *Filter) TestString(key string) bool { return f.Test([]byte(key)) }

// Merge ORs other into f. Both filters must share m and k.
func (f *Filter) Merge(other *Filter) error {
	if other == nil || f == other {
		return nil
	}
	other.mu.RLock()
	src := other.bf.Copy()
	other.mu.RUnlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bf.Cap() != src.Cap() || f.bf.K() != src.K() {
		return fmt.Errorf("%w: m=%d/%d k=%d/%d", ErrIncompatible, f.bf.Cap(), src.Cap(), f.bf.K(), src.K())
	}
	if err := f.bf.Merge(src); err != nil {
		return fmt.Errorf("%w: %v", ErrIncompatible, err)
	}
	return nil
}

func (f *Filter) Clone() *Filter {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return &Filter{bf: f.bf.Copy()}
}

func (f *Filter) Equal(other *Filter) bool {
	if other == nil {
		return false
	}
	if f == other {
		return true
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()
	return f.bf.Equal(other.bf)
}

// Count returns the number of set bits.
func (f *Filter) Count() uint {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.BitSet().Count()
}

// MarshalBinary encodes the filter as
// "MBF" | version u8 | m u32 | k u8 | words u32 | words × u64, big-endian.
func (f *Filter) MarshalBinary() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m := uint32(f.bf.Cap())
	nwords := wordsFor(m)
	words := f.bf.BitSet().Bytes()
	var buf bytes.Buffer
	buf.Grow(headerLen + nwords*8)
	buf.Write(magic[:])
	buf.WriteByte(Version)
	_ = binary.Write(&buf, binary.BigEndian, m)
	buf.WriteByte(uint8(f.bf.K()))
	_ = binary.Write(&buf, binary.BigEndian, uint32(nwords))
	for i := 0; i < nwords; i++ {
		var w uint64
		if i < len(words) {
			w = words[i]
		}
		_ = binary.Write(&buf, binary.BigEndian, w)
	}
	return buf.Bytes(), nil
}

func (f *Filter) UnmarshalBinary(data []byte) error {
	g, err := Decode(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.bf = g.bf
	f.mu.Unlock()
	return nil
}

// Decode parses the versioned encoding. m must be a whole number of words.
func Decode(data []byte) (*Filter, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("%w: short header", ErrEncoding)
	}
	if !bytes.Equal(data[:3], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrEncoding)
	}
	if data[3] != Version {
		return nil, fmt.Errorf("%w: version %d", ErrEncoding, data[3])
	}
	m := binary.BigEndian.Uint32(data[4:8])
	k := data[8]
	nwords := binary.BigEndian.Uint32(data[9:13])
	if m == 0 || m > MaxBits || k == 0 || k > maxHashes {
		return nil, fmt.Errorf("%w: m=%d k=%d", ErrEncoding, m, k)
	}
	if m%64 != 0 {
		return nil, fmt.Errorf("%w: %d bits is not word aligned", ErrEncoding, m)
	}
	if int(nwords) != wordsFor(m) {
		return nil, fmt.Errorf("%w: %d words for %d bits", ErrEncoding, nwords, m)
	}
	body := data[headerLen:]
	if uint64(len(body)) != uint64(nwords)*8 {
		return nil, fmt.Errorf("%w: body %d bytes", ErrEncoding, len(body))
	}
	words := make([]uint64, nwords)
	for i := range words {
		words[i] = binary.BigEndian.Uint64(body[i*8:])
	}
	return &Filter{bf: bloomv3.From(words, uint(k))}, nil
}
