package replace

const MaxCachedWords = maxCachedWords

// CachedWords reports the number of compiled matchers held by e.
func (e *Engine) CachedWords() int {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	return len(e.cache)
}
