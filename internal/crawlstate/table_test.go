package crawlstate

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/11ways/specter/internal/urlpolicy"
)

func TestEntryLifecycle(t *testing.T) {
	t.Parallel()

	tbl := New(urlpolicy.Identifier)

	assert.Equal(t, Entry{}, tbl.Entry("https://example.com/a"))
	assert.Equal(t, 1, tbl.Count(), "entries are created lazily on first reference")
	assert.False(t, tbl.HasBeenQueued("https://example.com/a"))

	tbl.MarkQueued("https://example.com/a")
	assert.Equal(t, Entry{Queued: true}, tbl.Entry("http://example.com/a"), "scheme is not part of the key")
	assert.True(t, tbl.HasBeenQueued("https://example.com/a#section"))

	tbl.MarkFinished("https://example.com/a")
	assert.Equal(t, Entry{Finished: true}, tbl.Entry("https://example.com/a"))

	tbl.MarkQueued("https://example.com/a")
	assert.Equal(t, Entry{Finished: true}, tbl.Entry("https://example.com/a"), "finished entries are never re-queued")
	assert.Equal(t, 1, tbl.Count())
	assert.Equal(t, 1, tbl.Finished())
}

func TestBatchMarks(t *testing.T) {
	t.Parallel()

	tbl := New(urlpolicy.Identifier)
	tbl.MarkQueued("https://example.com/start", "https://example.com/redirected")
	tbl.MarkFinished("https://example.com/start", "https://example.com/redirected")

	assert.Equal(t, Entry{Finished: true}, tbl.Entry("https://example.com/start"))
	assert.Equal(t, Entry{Finished: true}, tbl.Entry("https://example.com/redirected"))
	assert.Equal(t, 2, tbl.Count())
}

func TestTryQueue(t *testing.T) {
	t.Parallel()

	tbl := New(nil)
	require.True(t, tbl.TryQueue("a"))
	assert.False(t, tbl.TryQueue("a"))

	tbl.MarkFinished("b")
	assert.False(t, tbl.TryQueue("b"))
}

func TestTryQueueAdmitsOnce(t *testing.T) {
	t.Parallel()

	tbl := New(urlpolicy.Identifier)
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tbl.TryQueue("https://example.com/contended") {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
}
