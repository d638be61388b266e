package store

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"signalmesh/internal/trust"
)

func BenchmarkSaveTrust(b *testing.B) {
	b.ReportAllocs()
	st, err := Open(filepath.Join(b.TempDir(), "db"))
	if err != nil {
		b.Fatalf("open: %v", err)
	}
	defer st.Close()
	snap := trust.Snapshot{Blacklist: map[string]string{}}
	for i := 0; i < 64; i++ {
		snap.Scores = append(snap.Scores, trust.Score{PeerID: fmt.Sprintf("peer-%02d", i), Score: 50})
	}

	lat := make([]int64, 0, b.N)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := time.Now()
		if err := st.SaveTrust(snap); err != nil {
			b.Fatalf("save failed: %v", err)
		}
		lat = append(lat, time.Since(start).Nanoseconds())
	}
	b.StopTimer()

	if len(lat) == 0 {
		return
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	b.ReportMetric(float64(lat[(len(lat)*99)/100]), "p99-ns/op")
	b.ReportMetric(float64(lat[len(lat)-1]), "max-ns/op")
}
