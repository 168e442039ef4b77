package browser_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/11ways/specter/internal/browser"
	"github.com/11ways/specter/internal/browser/browsertest"
)

type failingBrowser struct {
	err error
}

func (f failingBrowser) NewTab(context.Context, browser.TabOptions) (browser.Tab, error) {
	return nil, f.err
}

func (f failingBrowser) Close() error { return f.err }

func TestRegistryCloseAll(t *testing.T) {
	t.Parallel()

	reg := browser.NewRegistry()
	first := browsertest.New()
	second := browsertest.New()
	reg.Track(first)
	reg.Track(second)
	require.Equal(t, 2, reg.Len())

	require.NoError(t, reg.CloseAll())
	assert.True(t, first.Closed())
	assert.True(t, second.Closed())
	assert.Equal(t, 0, reg.Len())
}

func TestRegistryJoinsCloseErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	reg := browser.NewRegistry()
	reg.Track(failingBrowser{err: boom})
	ok := browsertest.New()
	reg.Track(ok)

	err := reg.CloseAll()
	require.ErrorIs(t, err, boom)
	assert.True(t, ok.Closed(), "a failing browser must not stop the others from closing")
}

func TestRegistryUntrack(t *testing.T) {
	t.Parallel()

	reg := browser.NewRegistry()
	b := browsertest.New()
	reg.Track(b)
	reg.Untrack(b)
	require.NoError(t, reg.CloseAll())
	assert.False(t, b.Closed())
}

func TestOpenRejectsUnknownEngine(t *testing.T) {
	t.Parallel()

	_, err := browser.Open(context.Background(), "gecko", browser.ChromeOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported browser engine")
}

func TestNavigationErrorUnwraps(t *testing.T) {
	t.Parallel()

	err := error(&browser.NavigationError{URL: "https://example.com/file.zip", Err: browser.ErrAbortedDownload})
	assert.ErrorIs(t, err, browser.ErrAbortedDownload)
	assert.Contains(t, err.Error(), "https://example.com/file.zip")
}
