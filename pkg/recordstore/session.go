package recordstore

import (
	"context"
	"strings"
	"sync"
)

// Session coalesces identical point reads issued concurrently within one
// logical operation. It never outlives that operation: handlers attach a
// fresh session per request, and every write invalidates the model's
// entries, so no staleness can cross request boundaries.
type Session struct {
	mu    sync.Mutex
	calls map[string]*call
}

type call struct {
	done chan struct{}
	val  any
	err  error
}

func NewSession() *Session {
	return &Session{calls: make(map[string]*call)}
}

type sessionKeyType struct{}

var sessionKey sessionKeyType

// WithSession attaches a fresh coalescing session to ctx.
func WithSession(ctx context.Context) context.Context {
	return context.WithValue(ctx, sessionKey, NewSession())
}

func sessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey).(*Session)
	return s
}

// do runs fetch once per key per session; concurrent callers with the
// same key wait for the first result. Without a session it degrades to a
// plain call.
func (s *Session) do(key string, fetch func() (any, error)) (any, error) {
	s.mu.Lock()
	if c, ok := s.calls[key]; ok {
		s.mu.Unlock()
		<-c.done
		return c.val, c.err
	}
	c := &call{done: make(chan struct{})}
	s.calls[key] = c
	s.mu.Unlock()

	c.val, c.err = fetch()
	close(c.done)
	return c.val, c.err
}

// invalidate drops all cached reads for one model after a write.
func (s *Session) invalidate(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := model + "|"
	for k := range s.calls {
		if strings.HasPrefix(k, prefix) {
			delete(s.calls, k)
		}
	}
}
