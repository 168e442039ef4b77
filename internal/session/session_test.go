package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/11ways/specter/internal/browser"
	"github.com/11ways/specter/internal/browser/browsertest"
)

func openSession(t *testing.T, b *browsertest.Browser) *Session {
	t.Helper()
	s, err := Open(context.Background(), b, Options{})
	require.NoError(t, err)
	return s
}

func TestKeepRelease(t *testing.T) {
	t.Parallel()

	b := browsertest.New()
	s := openSession(t, b)

	var released int
	s.OnReleased(func() {
		released++
		require.NoError(t, s.Close())
	})

	s.Keep()
	s.Keep()
	s.Release()
	assert.Equal(t, 0, released)
	assert.Equal(t, 1, b.OpenTabs())

	s.Release()
	assert.Equal(t, 1, released)
	assert.True(t, s.Closed())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 0, b.OpenTabs())

	s.Release()
	assert.Equal(t, 1, released, "release at zero is a no-op")
	assert.Equal(t, 0, s.KeepAlive())
	require.NoError(t, s.Close())
}

func TestGotoOnlyOnce(t *testing.T) {
	t.Parallel()

	b := browsertest.New()
	b.HandleHTML("https://example.com/", "<html></html>")
	s := openSession(t, b)

	require.NoError(t, s.Goto(context.Background(), "https://example.com/"))
	assert.Equal(t, StateLoaded, s.State())
	assert.Equal(t, 200, s.Status())
	require.ErrorIs(t, s.Goto(context.Background(), "https://example.com/other"), ErrAlreadyLoading)
	assert.Equal(t, 1, b.Visits("https://example.com/"))
	assert.Equal(t, 0, b.Visits("https://example.com/other"))
}

func TestGotoRecordsRedirect(t *testing.T) {
	t.Parallel()

	b := browsertest.New()
	b.Handle("https://example.com/old", browsertest.Page{RedirectTo: "https://example.com/new"})
	b.HandleHTML("https://example.com/new", "<p>moved</p>")
	s := openSession(t, b)

	require.NoError(t, s.Goto(context.Background(), "https://example.com/old"))
	assert.Equal(t, "https://example.com/old", s.StartURL())
	assert.Equal(t, "https://example.com/new", s.ResponseURL())
	assert.True(t, s.Navigated())
}

func TestGotoFailure(t *testing.T) {
	t.Parallel()

	b := browsertest.New()
	b.Handle("https://example.com/down", browsertest.Page{Err: errors.New("net::ERR_CONNECTION_REFUSED")})
	s := openSession(t, b)

	err := s.Goto(context.Background(), "https://example.com/down")
	var navErr *browser.NavigationError
	require.ErrorAs(t, err, &navErr)
	assert.Equal(t, "https://example.com/down", navErr.URL)
	assert.Equal(t, StateError, s.State())
	assert.False(t, s.Navigated())

	_, err = s.GetLinks(context.Background())
	var extractErr *LinkExtractionError
	require.ErrorAs(t, err, &extractErr)
}

func TestSettingsAppliedBeforeNavigation(t *testing.T) {
	t.Parallel()

	b := browsertest.New()
	b.HandleHTML("https://example.com/private", "<p>ok</p>")
	s := openSession(t, b)

	s.SetCookie(browser.Cookie{Name: "session", Value: "abc"})
	s.SetHeader("X-Test", "1")
	require.Error(t, s.SetCredentials("user", ""))
	require.NoError(t, s.SetCredentials("user", "secret"))
	require.NoError(t, s.Goto(context.Background(), "https://example.com/private"))

	cookies := b.CookiesAt("https://example.com/private")
	require.Len(t, cookies, 1)
	assert.Equal(t, "session", cookies[0].Name)
	assert.Equal(t, "https://example.com/private", cookies[0].URL, "cookies without a domain are scoped to the target")
	assert.Equal(t, map[string]string{"X-Test": "1"}, b.HeadersAt("https://example.com/private"))
	creds, ok := b.CredentialsAt("https://example.com/private")
	require.True(t, ok)
	assert.Equal(t, browser.Credentials{Username: "user", Password: "secret"}, creds)
}

func TestWaitRenderedAlreadyFired(t *testing.T) {
	t.Parallel()

	b := browsertest.New()
	b.HandleHTML("https://example.com/", "<p>hi</p>")
	s := openSession(t, b)
	require.NoError(t, s.Goto(context.Background(), "https://example.com/"))

	require.NoError(t, s.WaitRendered(context.Background()))
	// The signal already fired; a second wait must not block.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, s.WaitRendered(ctx))
	assert.Equal(t, StateRendered, s.State())
}

func TestWaitRenderedHonoursDelay(t *testing.T) {
	t.Parallel()

	b := browsertest.New()
	b.HonourRenderDelay = true
	b.HandleHTML("https://example.com/", "<p>hi</p>")
	s, err := Open(context.Background(), b, Options{RenderDelay: time.Hour})
	require.NoError(t, err)
	require.NoError(t, s.Goto(context.Background(), "https://example.com/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.WaitRendered(ctx), context.DeadlineExceeded)
}

func TestWaitRenderedBeforeGoto(t *testing.T) {
	t.Parallel()

	s := openSession(t, browsertest.New())
	require.ErrorIs(t, s.WaitRendered(context.Background()), ErrNotNavigated)
}

func TestCrashedTabWakesWaiters(t *testing.T) {
	t.Parallel()

	b := browsertest.New()
	b.Handle("https://example.com/crash", browsertest.Page{Crash: true})
	s := openSession(t, b)
	require.NoError(t, s.Goto(context.Background(), "https://example.com/crash"))

	err := s.WaitRendered(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crashed")
	assert.Equal(t, StateError, s.State())
}

func TestGetLinksShared(t *testing.T) {
	t.Parallel()

	b := browsertest.New()
	b.HandleHTML("https://example.com/", `<a href="/a">A</a><a href="/b/">B</a><a href="https://other.org/">O</a>`)
	s := openSession(t, b)
	require.NoError(t, s.Goto(context.Background(), "https://example.com/"))

	var wg sync.WaitGroup
	results := make(chan any, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			links, err := s.GetLinks(context.Background())
			if err != nil {
				results <- err
				return
			}
			results <- links
		}()
	}
	wg.Wait()
	close(results)

	first := s.Links()
	require.NotNil(t, first)
	for r := range results {
		assert.Same(t, first, r, "every caller receives the single extraction result")
	}
	assert.Equal(t, StateExtracting, s.State())
	require.Len(t, first.Internal, 2)
	assert.Equal(t, "https://example.com/b", first.Internal[1].URL)
	require.Len(t, first.External, 1)
}

func TestGetLinksEvaluateFailure(t *testing.T) {
	t.Parallel()

	b := browsertest.New()
	b.Handle("https://example.com/", browsertest.Page{EvalErr: errors.New("execution context destroyed")})
	s := openSession(t, b)
	require.NoError(t, s.Goto(context.Background(), "https://example.com/"))

	_, err := s.GetLinks(context.Background())
	var extractErr *LinkExtractionError
	require.ErrorAs(t, err, &extractErr)
	assert.Equal(t, "https://example.com/", extractErr.URL)
	assert.True(t, strings.Contains(err.Error(), "execution context destroyed"))
	assert.Nil(t, s.Links())
}

func TestScreenshotWaitsForRender(t *testing.T) {
	t.Parallel()

	b := browsertest.New()
	b.HandleHTML("https://example.com/", "<p>hi</p>")
	s := openSession(t, b)
	_, err := s.Screenshot(context.Background(), browser.ScreenshotOptions{})
	require.ErrorIs(t, err, ErrNotNavigated)

	require.NoError(t, s.Goto(context.Background(), "https://example.com/"))
	shot, err := s.Screenshot(context.Background(), browser.ScreenshotOptions{FullPage: true})
	require.NoError(t, err)
	assert.NotEmpty(t, shot)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "extracting_links", StateExtracting.String())
	assert.Equal(t, "State(42)", State(42).String())
}
