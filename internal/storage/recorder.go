package storage

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/11ways/specter/internal/crawler"
	"github.com/11ways/specter/pkg/types"
)

// Recorder turns page events into visit records for one crawl run.
type Recorder struct {
	store  VisitStore
	runID  string
	logger *slog.Logger
	now    func() time.Time

	saved  atomic.Int64
	failed atomic.Int64
}

// NewRecorder starts a run with a fresh id.
func NewRecorder(store VisitStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		runID:  uuid.NewString(),
		logger: logger,
		now:    time.Now,
	}
}

// RunID identifies the crawl run in stored records.
func (r *Recorder) RunID() string {
	return r.runID
}

// Saved returns the number of persisted visits.
func (r *Recorder) Saved() int {
	return int(r.saved.Load())
}

// Failed returns the number of visits that could not be persisted.
func (r *Recorder) Failed() int {
	return int(r.failed.Load())
}

// Visit builds the record for ev.
func (r *Recorder) Visit(ev crawler.PageEvent) types.Visit {
	s := ev.Session
	v := types.Visit{
		RunID:        r.runID,
		URL:          s.StartURL(),
		FinalURL:     s.ResponseURL(),
		Level:        ev.Level,
		StatusCode:   s.Status(),
		LoadDuration: s.LoadDuration(),
		VisitedAt:    r.now().UTC(),
	}
	if links := s.Links(); links != nil {
		v.InternalLinks = len(links.Internal)
		v.ExternalLinks = len(links.External)
	}
	return v
}

// Handler returns a page handler that persists every event. Store failures
// are logged and never stop the crawl.
func (r *Recorder) Handler(ctx context.Context) func(crawler.PageEvent) {
	return func(ev crawler.PageEvent) {
		visit := r.Visit(ev)
		if err := r.store.SaveVisit(ctx, visit); err != nil {
			r.failed.Add(1)
			r.logger.Warn("persist visit failed", "url", visit.URL, "run_id", r.runID, "error", err)
			return
		}
		r.saved.Add(1)
	}
}
