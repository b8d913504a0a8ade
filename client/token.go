package client

import "sync"

// Token is a bearer shared by everything acting for one user. A newer token
// presented by the same user replaces it in place.
type Token struct {
	mu    sync.RWMutex
	value string
}

func NewToken(value string) *Token { return &Token{value: value} }

// Get returns the current bearer. A nil Token has none.
func (t *Token) Get() string {
	if t == nil {
		return ""
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.value
}

// Set swaps the bearer and reports whether it changed.
func (t *Token) Set(value string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.value == value {
		return false
	}
	t.value = value
	return true
}
