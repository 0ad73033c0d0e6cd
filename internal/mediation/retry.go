package mediation

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	"github.com/browserkernel/kernel/internal/objectmanager"
)

// navigateWithRetry retries a transient Renderer.Navigate failure with
// exponential backoff up to a small bound (§7: "Network-like errors
// inside a mediated call ... may be retried with exponential backoff
// up to a small bound; capability errors are never retried"). A
// non-transient error returns immediately on the first attempt.
func navigateWithRetry(ctx context.Context, r Renderer, tabID, url string) (objectmanager.LoadState, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)

	var state objectmanager.LoadState
	operation := func() error {
		var err error
		state, err = r.Navigate(ctx, tabID, url)
		if err == nil {
			return nil
		}
		if transient, ok := err.(TransientRendererError); ok && transient.Transient() {
			return err
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(operation, bo); err != nil {
		return "", err
	}
	return state, nil
}
