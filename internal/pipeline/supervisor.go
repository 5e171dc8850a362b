package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// Component is one of the six long-running pipeline stages (ingestion is
// the HTTP handler in internal/ingress and is not itself a Component; the
// Supervisor manages the Processor, the four analyzer workers, and the
// Aggregator).
type Component struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor starts every Component, restarts a crashed one with backoff,
// and leaves the others running, per the failure-isolation model
// generalized from the teacher's single-consumer boot sequence
// (cmd/orchestrator/main.go) into a multi-component one.
type Supervisor struct {
	components []Component

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewSupervisor constructs a Supervisor over the given components.
func NewSupervisor(components ...Component) *Supervisor {
	return &Supervisor{components: components, cancels: make(map[string]context.CancelFunc)}
}

// Run starts every component and blocks until ctx is canceled, at which
// point it waits for every component's current run to return (drain) and
// returns ctx.Err(). A component whose Run returns a non-nil error while
// ctx is still live is restarted with exponential backoff instead of
// bringing down the others.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(len(s.components))
	for _, c := range s.components {
		c := c
		compCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancels[c.Name] = cancel
		s.mu.Unlock()
		go func() {
			defer wg.Done()
			s.runWithRestart(compCtx, c)
		}()
	}

	<-ctx.Done()
	log.Info().Msg("supervisor: shutdown signal received, draining components")
	wg.Wait()
	log.Info().Msg("supervisor: all components drained")
	return ctx.Err()
}

// runWithRestart runs c.Run, and on error restarts it with backoff until
// ctx is canceled. A clean (nil-error) return ends the component for good,
// matching the teacher's "ctx.Err() on graceful shutdown, nothing to
// retry" behavior.
func (s *Supervisor) runWithRestart(ctx context.Context, c Component) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		err := c.Run(ctx)
		if err == nil || ctx.Err() != nil {
			log.Info().Str("component", c.Name).Msg("component stopped")
			return
		}

		delay := b.NextBackOff()
		log.Error().Err(err).Str("component", c.Name).Dur("restart_in", delay).Msg("component crashed, restarting")
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

// Stop cancels the named component's context, for a targeted shutdown of
// a single component in tests; production shutdown instead cancels the
// root context passed to Run.
func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.cancels[name]; ok {
		cancel()
	}
}
