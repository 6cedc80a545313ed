package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyNavigation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"deadline", fmt.Errorf("chromedp run: %w", context.DeadlineExceeded), KindTimeout},
		{"crash", errors.New("websocket: target closed"), KindBackendCrashed},
		{"other", errors.New("net::ERR_NAME_NOT_RESOLVED"), KindNavigationFailed},
		{"already typed", NewError(KindExtractionFailed, "u", errors.New("x")), KindExtractionFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ClassifyNavigation("https://a.com", tc.err)
			assert.Equal(t, tc.want, KindOf(got))
		})
	}
	require.NoError(t, ClassifyNavigation("u", nil))
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	err := fmt.Errorf("fetch: %w", NewError(KindTimeout, "https://a.com/x", base))
	require.ErrorIs(t, err, base)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Contains(t, err.Error(), "timeout https://a.com/x: boom")
	assert.Equal(t, KindUnknown, KindOf(base))
	assert.False(t, LooksCrashed(nil))
}

func TestIsPermanentStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want bool
	}{
		{404, true},
		{403, true},
		{410, true},
		{408, false},
		{429, false},
		{500, false},
		{503, false},
	}
	for _, tc := range tests {
		err := NewError(KindNavigationFailed, "https://a.com", &StatusError{Code: tc.code})
		assert.Equal(t, tc.want, IsPermanentStatus(fmt.Errorf("fetch: %w", err)), "status %d", tc.code)
		assert.Equal(t, KindNavigationFailed, KindOf(err))
	}
	assert.False(t, IsPermanentStatus(errors.New("http status 404")))
}
