package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSupervisor_RestartsCrashedComponent(t *testing.T) {
	var runs atomic.Int32
	comp := Component{
		Name: "flaky",
		Run: func(ctx context.Context) error {
			n := runs.Add(1)
			if n < 3 {
				return errors.New("boom")
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}

	sup := NewSupervisor(comp)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = sup.Run(ctx)

	require.GreaterOrEqual(t, runs.Load(), int32(3))
}

func TestSupervisor_IsolatesFailureAcrossComponents(t *testing.T) {
	var healthyRuns atomic.Int32
	flaky := Component{
		Name: "flaky",
		Run: func(ctx context.Context) error {
			return errors.New("always fails")
		},
	}
	healthy := Component{
		Name: "healthy",
		Run: func(ctx context.Context) error {
			healthyRuns.Add(1)
			<-ctx.Done()
			return ctx.Err()
		},
	}

	sup := NewSupervisor(flaky, healthy)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = sup.Run(ctx)

	require.Equal(t, int32(1), healthyRuns.Load(), "a crashing component must not restart or affect a healthy one")
}
