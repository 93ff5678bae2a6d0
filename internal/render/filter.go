package render

import (
	"fmt"
	"regexp"
	"sync"
)

// Filter hides lines matching any exclusion pattern. Patterns can be
// replaced while the console is running.
type Filter struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
}

func NewFilter(patterns []string) (*Filter, error) {
	f := &Filter{}
	if err := f.Set(patterns); err != nil {
		return nil, err
	}
	return f, nil
}

// Set swaps in a new pattern list. On error the old list stays active.
func (f *Filter) Set(patterns []string) error {
	compiled, err := CompilePatterns(patterns)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.patterns = compiled
	f.mu.Unlock()
	return nil
}

func (f *Filter) Excluded(text string) bool {
	if f == nil {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, re := range f.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid exclusion pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
