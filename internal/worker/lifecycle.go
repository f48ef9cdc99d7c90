package worker

import (
	"context"
	"errors"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const maxInstallDelay = 2 * time.Minute

// Run drives the manager from parsed to activated. Install failures are
// retried with backoff up to attempts times (0 retries forever); a failed
// install never leaves partial state behind, so every attempt starts clean.
// A manager that gives up is redundant and never serves from a cache.
func (m *Manager) Run(ctx context.Context, attempts uint) error {
	err := retry.Do(
		func() error { return m.Install(ctx) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(m.retryDelay),
		retry.MaxDelay(maxInstallDelay),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, ErrInstall)
		}),
		retry.OnRetry(func(n uint, err error) {
			m.log.WithError(err).WithField("attempt", n+1).Warn("install failed, retrying")
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		m.mu.Lock()
		if m.state == StateParsed {
			m.state = StateRedundant
		}
		m.mu.Unlock()
		return err
	}
	return m.Activate(ctx)
}

// Watch runs Sync every interval until ctx is done, so a replica sharing
// its storage picks up versions activated elsewhere even while idle.
func (m *Manager) Watch(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := m.Sync(ctx); err != nil {
				m.log.WithError(err).Warn("cache sync failed")
			}
		}
	}
}
