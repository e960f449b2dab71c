package orchestrator

import (
	"context"
	"fmt"
	"testing"

	"github.com/ramiqadoumi/go-enrich-flow/internal/domain"
	"github.com/ramiqadoumi/go-enrich-flow/internal/memory"
	"github.com/ramiqadoumi/go-enrich-flow/internal/queue"
	"github.com/ramiqadoumi/go-enrich-flow/internal/quota"
	"github.com/ramiqadoumi/go-enrich-flow/internal/source"
)

// BenchmarkOrchestrator_Drain measures the engine overhead of draining a
// batch against an in-memory store and a mock source, excluding real I/O.
func BenchmarkOrchestrator_Drain(b *testing.B) {
	descs := []domain.SourceDescriptor{{ID: "mock"}}
	reg := source.NewRegistry()
	reg.Register(source.NewMockAdapter("mock", 0))
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		store := memory.New()
		for j := 0; j < 100; j++ {
			task := queue.NewTask(queue.NewTaskParams{
				TargetID:    fmt.Sprintf("target-%d", j),
				SourceIDs:   []string{"mock"},
				Reason:      domain.ReasonOnDemand,
				MaxAttempts: 3,
			})
			if _, err := store.Enqueue(ctx, task); err != nil {
				b.Fatal(err)
			}
		}
		o := New(store, store, store.CacheStore(), reg, quota.NewLocal(quota.LimitsFrom(descs)), descs,
			WithLogger(discardLogger),
			WithConcurrency(8),
			WithDeferHorizon(0),
		)
		b.StartTimer()

		if _, err := o.Drain(ctx); err != nil {
			b.Fatal(err)
		}
	}
}
