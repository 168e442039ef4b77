// Package urlpolicy decides which URLs a crawl may visit and how they are
// keyed for deduplication.
package urlpolicy

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"
)

// ErrInvalidSeed is returned for seeds that are not absolute http(s) URLs.
var ErrInvalidSeed = errors.New("seed must be an absolute http or https url")

// Check is a custom admission predicate. anchorText is empty when the URL
// was not discovered through an anchor.
type Check func(u *url.URL, anchorText string) bool

// Options configures the static filters of a Policy.
type Options struct {
	// IgnoreExtensions lists file extensions that are never crawled.
	IgnoreExtensions []string
	// IgnoreParameters lists query parameter names removed by Normalize.
	// An entry written as /expr/ is compiled as a regular expression.
	IgnoreParameters []string
}

// Policy normalizes URLs and scopes them against the seed set.
type Policy struct {
	mu         sync.RWMutex
	seeds      []*url.URL
	extensions map[string]struct{}
	params     map[string]struct{}
	patterns   []*regexp.Regexp
	checks     []Check
}

// New builds a policy from options.
func New(opts Options) (*Policy, error) {
	p := &Policy{
		extensions: make(map[string]struct{}, len(opts.IgnoreExtensions)),
		params:     make(map[string]struct{}, len(opts.IgnoreParameters)),
	}
	for _, ext := range opts.IgnoreExtensions {
		ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
		if ext == "" {
			continue
		}
		p.extensions[ext] = struct{}{}
	}
	for _, raw := range opts.IgnoreParameters {
		raw = strings.TrimSpace(raw)
		if len(raw) > 2 && strings.HasPrefix(raw, "/") && strings.HasSuffix(raw, "/") {
			pat, err := regexp.Compile(raw[1 : len(raw)-1])
			if err != nil {
				return nil, fmt.Errorf("ignore parameter %q: %w", raw, err)
			}
			p.patterns = append(p.patterns, pat)
			continue
		}
		if raw == "" {
			continue
		}
		p.params[strings.ToLower(raw)] = struct{}{}
	}
	return p, nil
}

// IgnoreParameterPattern registers a pattern matched against parameter names.
func (p *Policy) IgnoreParameterPattern(pat *regexp.Regexp) {
	if pat == nil {
		return
	}
	p.mu.Lock()
	p.patterns = append(p.patterns, pat)
	p.mu.Unlock()
}

// AddCheck appends a custom predicate; checks run in registration order.
func (p *Policy) AddCheck(check Check) {
	if check == nil {
		return
	}
	p.mu.Lock()
	p.checks = append(p.checks, check)
	p.mu.Unlock()
}

// AddSeed parses raw and adds it to the allowed scope.
func (p *Policy) AddSeed(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse seed %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSeed, raw)
	}
	p.mu.Lock()
	p.seeds = append(p.seeds, u)
	p.mu.Unlock()
	return u, nil
}

// Seeds returns a copy of the configured seeds in insertion order.
func (p *Policy) Seeds() []*url.URL {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*url.URL, 0, len(p.seeds))
	for _, s := range p.seeds {
		clone := *s
		out = append(out, &clone)
	}
	return out
}

// Normalize removes ignored query parameters from raw. Everything else,
// including parameter order, path and fragment, is preserved.
func (p *Policy) Normalize(raw string) (string, error) {
	p.mu.RLock()
	empty := len(p.params) == 0 && len(p.patterns) == 0
	p.mu.RUnlock()
	if empty {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("normalize %q: %w", raw, err)
	}
	if u.RawQuery == "" {
		return raw, nil
	}

	pairs := strings.Split(u.RawQuery, "&")
	kept := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		name, _, _ := strings.Cut(pair, "=")
		if decoded, err := url.QueryUnescape(name); err == nil {
			name = decoded
		}
		if p.ignoredParameter(name) {
			continue
		}
		kept = append(kept, pair)
	}
	if len(kept) == len(pairs) {
		return raw, nil
	}
	u.RawQuery = strings.Join(kept, "&")
	u.ForceQuery = false
	return u.String(), nil
}

func (p *Policy) ignoredParameter(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.params[strings.ToLower(name)]; ok {
		return true
	}
	for _, pat := range p.patterns {
		if pat.MatchString(name) {
			return true
		}
	}
	return false
}

// IsAllowed reports whether raw may be crawled. It fails closed: unparsable
// URLs and URLs outside every seed are rejected.
func (p *Policy) IsAllowed(raw, anchorText string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}

	p.mu.RLock()
	ok := p.extensionAllowed(u) && p.inScope(u)
	checks := append([]Check(nil), p.checks...)
	p.mu.RUnlock()
	if !ok {
		return false
	}

	// Checks run unlocked so they may register seeds or further checks.
	for _, check := range checks {
		if !check(u, anchorText) {
			return false
		}
	}
	return true
}

// InScope reports whether raw lies on a seed host under a seed path. Unlike
// IsAllowed it ignores extensions and custom checks.
func (p *Policy) InScope(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inScope(u)
}

func (p *Policy) extensionAllowed(u *url.URL) bool {
	if len(p.extensions) == 0 {
		return true
	}
	ext := path.Ext(u.Path)
	if ext == "" {
		return true
	}
	_, blocked := p.extensions[strings.ToLower(strings.TrimPrefix(ext, "."))]
	return !blocked
}

// inScope matches the host exactly and the seed path by substring
// containment, so /blogx is inside a /blog seed. One trailing slash of the
// seed path is ignored, matching how start URLs and links are trimmed.
func (p *Policy) inScope(u *url.URL) bool {
	for _, seed := range p.seeds {
		if !strings.EqualFold(seed.Host, u.Host) {
			continue
		}
		if strings.Contains(u.Path, strings.TrimSuffix(seed.Path, "/")) {
			return true
		}
	}
	return false
}

// Identifier returns the dedup key of raw: the URL without its leading
// scheme and without any fragment. Callers normalize first.
func Identifier(raw string) string {
	switch {
	case strings.HasPrefix(raw, "https://"):
		raw = raw[len("https://"):]
	case strings.HasPrefix(raw, "http://"):
		raw = raw[len("http://"):]
	}
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
	}
	return raw
}

// Identifier is a method form of the package function.
func (p *Policy) Identifier(raw string) string {
	return Identifier(raw)
}
