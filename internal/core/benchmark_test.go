package core

import (
	"context"
	"testing"
	"time"

	"github.com/3cpo-dev/flowgen/internal/telemetry"
	"github.com/3cpo-dev/flowgen/pkg/api"
)

func BenchmarkSamplerDraw(b *testing.B) {
	s, err := NewSampler([]string{"/db/a.dat", "/db/b.dat"}, 42, SamplingBounds{MaxAngle: 0.39, BaseLength: 10, LengthFactor: 10})
	if err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.Draw()
	}
}

func BenchmarkCollectorCounter(b *testing.B) {
	c := telemetry.NewCollector(true, 0)
	labels := map[string]string{"state": "persisted"}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			c.Counter("flowgen_jobs_total", 1, labels)
			c.Timer("flowgen_stage_duration", time.Millisecond, labels)
		}
	})
}

func BenchmarkLedgerAppend(b *testing.B) {
	ctx := context.Background()
	store, err := NewStore(ctx, MemoryLedger)
	if err != nil {
		b.Fatal(err)
	}
	defer store.Close()
	if err := store.BeginRun(ctx, api.RunSummary{RunID: "bench", Status: api.RunRunning, Started: time.Now()}); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := store.AppendTransition(ctx, Transition{RunID: "bench", Index: i, Geometry: "naca0012", State: api.JobPending}); err != nil {
			b.Fatal(err)
		}
	}
}
