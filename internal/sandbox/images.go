package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ImageStatus reports whether one runtime image is available locally.
type ImageStatus struct {
	Ref     string
	Present bool
	Err     error
}

// CheckImages asks the backend about every ref concurrently. Per-image
// failures are reported in the result, not as an error.
func CheckImages(ctx context.Context, b Backend, refs []string) []ImageStatus {
	statuses := make([]ImageStatus, len(refs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, ref := range refs {
		g.Go(func() error {
			present, err := b.ImagePresent(ctx, ref)
			statuses[i] = ImageStatus{Ref: ref, Present: present, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Ref < statuses[j].Ref })
	return statuses
}

// MissingImages returns the refs that are not present locally.
func MissingImages(statuses []ImageStatus) []string {
	var missing []string
	for _, s := range statuses {
		if !s.Present {
			missing = append(missing, s.Ref)
		}
	}
	return missing
}

// PullImages pulls every ref, at most parallel at a time. It returns the
// first failure after all pulls have finished or been canceled.
func PullImages(ctx context.Context, b Backend, refs []string, parallel int) error {
	if parallel < 1 {
		parallel = 1
	}
	var (
		mu     sync.Mutex
		failed []string
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, ref := range refs {
		g.Go(func() error {
			start := time.Now()
			if err := b.PullImage(ctx, ref); err != nil {
				mu.Lock()
				failed = append(failed, ref)
				mu.Unlock()
				return fmt.Errorf("pulling %s: %w", ref, err)
			}
			log.Info().Str("image", ref).Dur("took", time.Since(start)).Msg("image pulled")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		sort.Strings(failed)
		log.Error().Strs("failed", failed).Msg("image pull incomplete")
		return err
	}
	return nil
}
