package bus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const respawnDelay = 5 * time.Second

// Supervisor keeps a set of named consumer loops running, respawning any
// loop that returns an error until the context is cancelled.
type Supervisor struct {
	log zerolog.Logger
	wg  sync.WaitGroup
}

func NewSupervisor(log zerolog.Logger) *Supervisor {
	return &Supervisor{log: log}
}

// Add registers run under name and starts supervising it.
func (s *Supervisor) Add(ctx context.Context, name string, run func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			err := run(ctx)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				return
			}
			s.log.Error().Err(err).Str("consumer", name).
				Dur("respawn_in", respawnDelay).Msg("consumer crashed; respawning")
			select {
			case <-ctx.Done():
				return
			case <-time.After(respawnDelay):
			}
		}
	}()
}

// Wait blocks until every supervised loop has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
