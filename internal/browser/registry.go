package browser

import (
	"errors"
	"sync"
)

// Registry tracks live browsers so the process can close them on shutdown.
// It is owned by the entry point.
type Registry struct {
	mu       sync.Mutex
	browsers []Browser
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Track adds b to the registry and returns it.
func (r *Registry) Track(b Browser) Browser {
	if b == nil {
		return nil
	}
	r.mu.Lock()
	r.browsers = append(r.browsers, b)
	r.mu.Unlock()
	return b
}

// Untrack removes b without closing it.
func (r *Registry) Untrack(b Browser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, tracked := range r.browsers {
		if tracked == b {
			r.browsers = append(r.browsers[:i], r.browsers[i+1:]...)
			return
		}
	}
}

// Len returns the number of tracked browsers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.browsers)
}

// CloseAll closes every tracked browser, newest first, and empties the
// registry.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	browsers := r.browsers
	r.browsers = nil
	r.mu.Unlock()

	var errs []error
	for i := len(browsers) - 1; i >= 0; i-- {
		if err := browsers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
