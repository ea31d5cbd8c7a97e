package expressions

import "sync"

// compileCache memoizes compiled programs keyed by expression source.
// Concurrent first compilations of the same source race benignly: both
// compile, last write wins, results are identical.
type compileCache[P any] struct {
	mu       sync.RWMutex
	programs map[string]P
}

func newCompileCache[P any]() *compileCache[P] {
	return &compileCache[P]{programs: make(map[string]P)}
}

func (c *compileCache[P]) fetch(src string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.programs[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := compile(src)
	if err != nil {
		var zero P
		return zero, err
	}

	c.mu.Lock()
	c.programs[src] = p
	c.mu.Unlock()
	return p, nil
}
