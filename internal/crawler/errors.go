package crawler

import (
	"errors"
	"fmt"

	"github.com/11ways/specter/internal/session"
)

var (
	// ErrAlreadyStarted is returned by Start on a crawler that already ran.
	ErrAlreadyStarted = errors.New("crawler already started")
	// ErrNoStartURL is returned by Start when there is nothing to crawl.
	ErrNoStartURL = errors.New("no start url and no queued work")
)

// PageError reports a failure confined to one page. It never stops a crawl.
type PageError struct {
	URL   string
	Level int
	Err   error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %s (level %d): %v", e.URL, e.Level, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

// PageEvent is emitted once for every processed page. The session stays open
// until the handlers return; a handler that needs it longer calls Keep and
// later Release.
type PageEvent struct {
	Session *session.Session
	Level   int
}
