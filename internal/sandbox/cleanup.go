package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/rs/zerolog/log"
)

func (r *Runner) cleanupContainer(ctx context.Context, container containerd.Container) error {
	if container == nil {
		return nil
	}

	id := container.ID()
	logger := log.With().Str("container_id", id).Logger()

	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cleanupCtx = r.client.WithNamespace(cleanupCtx)

	if task, err := container.Task(cleanupCtx, nil); err == nil {
		if status, err := task.Status(cleanupCtx); err == nil && status.Status != containerd.Stopped {
			logger.Debug().Msg("killing running task")
			_ = task.Kill(cleanupCtx, 9)
		}

		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil {
			if !errdefs.IsNotFound(err) {
				logger.Warn().Err(err).Msg("failed to delete task")
			}
		}
	}

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil {
		if !errdefs.IsNotFound(err) {
			return fmt.Errorf("deleting container %s: %w", id, err)
		}
	}

	logger.Debug().Msg("container cleaned up")
	return nil
}

// ReapOrphans removes sandbox containers whose deadline label has passed.
func (r *Runner) ReapOrphans(ctx context.Context) (int, error) {
	nsCtx := r.client.WithNamespace(ctx)

	list, err := r.client.Raw().Containers(nsCtx, fmt.Sprintf("labels.%q==true", LabelManaged))
	if err != nil {
		return 0, r.client.classify("listing containers", err)
	}

	now := time.Now()
	var reaped int
	for _, c := range list {
		labels, err := c.Labels(nsCtx)
		if err != nil || !overdue(labels, now) {
			continue
		}

		logger := log.With().Str("container_id", c.ID()).Logger()
		logger.Warn().Msg("removing orphaned sandbox container")

		if err := r.cleanupContainer(ctx, c); err != nil {
			logger.Error().Err(err).Msg("failed to clean orphaned container")
			continue
		}
		reaped++
	}
	return reaped, nil
}

// StartReaper removes orphaned containers once immediately and then every
// interval until ctx is done. A zero interval runs the startup pass only.
func StartReaper(ctx context.Context, b Backend, interval time.Duration, onReap func(int)) {
	reap := func() {
		n, err := b.ReapOrphans(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug().Err(err).Str("backend", b.Name()).Msg("orphan reap skipped")
			}
			return
		}
		if n > 0 {
			log.Info().Int("count", n).Str("backend", b.Name()).Msg("reaped orphaned containers")
		}
		if onReap != nil {
			onReap(n)
		}
	}

	reap()
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				reap()
			case <-ctx.Done():
				return
			}
		}
	}()
}
