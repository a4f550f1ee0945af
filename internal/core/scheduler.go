package core

import (
	"context"

	"github.com/3cpo-dev/flowgen/pkg/api"
)

// Schedule draws n specs in index order and feeds them to the returned
// channel. The channel is unbuffered so the producer never runs ahead of
// the workers, and it is closed after the last spec or when ctx is done.
func Schedule(ctx context.Context, s *Sampler, n int) <-chan api.JobSpec {
	out := make(chan api.JobSpec)
	go func() {
		defer close(out)
		for k := 0; k < n; k++ {
			if ctx.Err() != nil {
				return
			}
			spec := s.Draw()
			select {
			case out <- spec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
