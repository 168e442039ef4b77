// Package crawlstate is the dedup authority of a crawl: it records, per URL
// identifier, whether the URL is queued or already finished.
package crawlstate

import "sync"

// Entry is the crawl status of one identifier. Finished implies !Queued.
type Entry struct {
	Queued   bool
	Finished bool
}

// Table maps URL identifiers to their crawl status.
type Table struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	identify func(string) string
}

// New creates a table keyed by identify(url). A nil identify keys entries by
// the raw URL.
func New(identify func(string) string) *Table {
	if identify == nil {
		identify = func(s string) string { return s }
	}
	return &Table{
		entries:  make(map[string]*Entry),
		identify: identify,
	}
}

// Entry returns a copy of the status for url, creating it if absent.
func (t *Table) Entry(url string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.entryLocked(url)
}

// HasBeenQueued reports whether url is queued or finished.
func (t *Table) HasBeenQueued(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(url)
	return e.Queued || e.Finished
}

// MarkQueued flags each url as queued. Finished entries are left alone.
func (t *Table) MarkQueued(urls ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, u := range urls {
		e := t.entryLocked(u)
		if !e.Finished {
			e.Queued = true
		}
	}
}

// MarkFinished flags each url as finished.
func (t *Table) MarkFinished(urls ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, u := range urls {
		e := t.entryLocked(u)
		e.Queued = false
		e.Finished = true
	}
}

// TryQueue marks url as queued and reports true, unless it was already
// queued or finished. The check and the mark happen under one lock, so two
// callers can never both admit the same identifier.
func (t *Table) TryQueue(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entryLocked(url)
	if e.Queued || e.Finished {
		return false
	}
	e.Queued = true
	return true
}

// Count returns the number of distinct identifiers tracked.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Finished returns the number of finished identifiers.
func (t *Table) Finished() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.Finished {
			n++
		}
	}
	return n
}

func (t *Table) entryLocked(url string) *Entry {
	key := t.identify(url)
	e, ok := t.entries[key]
	if !ok {
		e = &Entry{}
		t.entries[key] = e
	}
	return e
}
