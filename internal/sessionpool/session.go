package sessionpool

import (
	"context"
	"sync"
	"time"

	"github.com/tendrel/tendrel/internal/assistant"
)

// Session owns one assistant subprocess and the FIFO of messages waiting on
// it. The queue and the processing flag live under one mutex, so a reply
// arriving while a caller enqueues can never orphan a queued message.
type Session struct {
	pool       *Pool
	key        string
	tenantID   string
	userHandle string
	sessionKey string
	proc       assistant.Proc

	mu           sync.Mutex
	queue        []*pendingMessage
	isProcessing bool
	closed       bool
	lastUsedAt   time.Time
	fresh        bool
}

type pendingMessage struct {
	ctx  context.Context
	text string
	done chan injectResult
}

type injectResult struct {
	reply string
	err   error
}

// usable reports whether the session can serve the given session key.
func (s *Session) usable(sessionKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.sessionKey == sessionKey && s.proc.Alive()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isProcessing || len(s.queue) > 0 {
		return 0
	}
	return now.Sub(s.lastUsedAt)
}

// takeFresh returns true exactly once after a spawn, so only the first
// caller observes "created".
func (s *Session) takeFresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	created := s.fresh
	s.fresh = false
	return created
}

// Inject enqueues text and blocks until its reply. Messages are delivered to
// the subprocess in enqueue order; replies return to callers in that same
// order.
func (s *Session) Inject(ctx context.Context, text string) (string, error) {
	msg := &pendingMessage{
		ctx:  ctx,
		text: text,
		done: make(chan injectResult, 1),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", &assistant.Error{Msg: "session closed"}
	}
	s.lastUsedAt = time.Now()
	s.queue = append(s.queue, msg)
	if !s.isProcessing {
		s.isProcessing = true
		go s.drain()
	}
	s.mu.Unlock()

	select {
	case res := <-msg.done:
		return res.reply, res.err
	case <-ctx.Done():
		// The message may still reach the subprocess; the drain loop will
		// discard the reply into the buffered channel.
		return "", ctx.Err()
	}
}

// drain sends queued messages one at a time. It exits when the queue is
// empty, clearing isProcessing under the same lock that guards enqueue.
func (s *Session) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.isProcessing = false
			s.mu.Unlock()
			return
		}
		msg := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		reply, err := s.proc.InjectMessage(msg.ctx, msg.text)
		msg.done <- injectResult{reply: reply, err: err}
		s.touch()

		if !s.proc.Alive() {
			s.pool.evict(s)
			s.shutdown(&assistant.Error{Msg: "process died"})
			return
		}
	}
}

// shutdown closes the subprocess and rejects everything still queued.
func (s *Session) shutdown(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, msg := range pending {
		msg.done <- injectResult{err: cause}
	}
	s.proc.Close()
}
