package mediation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browserkernel/kernel/internal/objectmanager"
)

type flakyNavigateError struct{ transient bool }

func (e *flakyNavigateError) Error() string   { return "navigate failed" }
func (e *flakyNavigateError) Transient() bool { return e.transient }

type flakyRenderer struct {
	*MockRenderer
	failuresLeft int
	transient    bool
}

func (f *flakyRenderer) Navigate(ctx context.Context, tabID, url string) (objectmanager.LoadState, error) {
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return "", &flakyNavigateError{transient: f.transient}
	}
	return f.MockRenderer.Navigate(ctx, tabID, url)
}

func TestNavigateWithRetry_RecoversFromTransientFailure(t *testing.T) {
	r := &flakyRenderer{MockRenderer: NewMockRenderer(), failuresLeft: 2, transient: true}

	state, err := navigateWithRetry(context.Background(), r, "tab:1", "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, objectmanager.LoadStateComplete, state)
	assert.Equal(t, 0, r.failuresLeft)
}

func TestNavigateWithRetry_DoesNotRetryPermanentFailure(t *testing.T) {
	r := &flakyRenderer{MockRenderer: NewMockRenderer(), failuresLeft: 1, transient: false}

	_, err := navigateWithRetry(context.Background(), r, "tab:1", "https://example.com")
	require.Error(t, err)
	var flaky *flakyNavigateError
	require.True(t, errors.As(err, &flaky))
	assert.Equal(t, 0, r.failuresLeft, "permanent failure consumes exactly one attempt")
}
