package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tjfontaine/tunnelhook/internal/core/domain"
)

// Handler receives dispatched events. A returned error is logged; it never
// reaches the HTTP caller.
type Handler func(ctx context.Context, ev *domain.DispatchEvent) error

// Subscriber is the caller-facing handle of a webhook.
type Subscriber struct {
	id     domain.WebhookID
	ctx    context.Context
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[domain.Method][]Handler
	any      []Handler

	qmu     sync.Mutex
	queue   []*domain.DispatchEvent
	closing bool
	wake    chan struct{}
	done    chan struct{}
}

func newSubscriber(ctx context.Context, id domain.WebhookID, logger *slog.Logger) *Subscriber {
	s := &Subscriber{
		id:       id,
		ctx:      ctx,
		logger:   logger.With(slog.String("webhook_id", string(id))),
		handlers: make(map[domain.Method][]Handler),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// ID returns the webhook id.
func (s *Subscriber) ID() domain.WebhookID {
	return s.id
}

// On registers h for events delivered with method. Handlers for the same
// method run in registration order.
func (s *Subscriber) On(method domain.Method, h Handler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = append(s.handlers[method], h)
}

// OnAny registers h for events of every method. It runs after the
// method-specific handlers.
func (s *Subscriber) OnAny(h Handler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.any = append(s.any, h)
}

// HandlerCount returns the number of handlers that would receive an event
// with method.
func (s *Subscriber) HandlerCount(method domain.Method) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers[method]) + len(s.any)
}

// Pending returns the number of queued events not yet delivered.
func (s *Subscriber) Pending() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.queue)
}

// emit queues ev for asynchronous delivery. It never blocks and returns false
// once the subscriber is closing.
func (s *Subscriber) emit(ev *domain.DispatchEvent) bool {
	s.qmu.Lock()
	if s.closing {
		s.qmu.Unlock()
		return false
	}
	s.queue = append(s.queue, ev)
	s.qmu.Unlock()

	s.signal()
	return true
}

func (s *Subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// close stops accepting events; the worker exits once the queue is drained.
func (s *Subscriber) close() {
	s.qmu.Lock()
	s.closing = true
	s.qmu.Unlock()
	s.signal()
}

func (s *Subscriber) run() {
	defer close(s.done)

	for {
		s.qmu.Lock()
		if len(s.queue) == 0 {
			closing := s.closing
			s.qmu.Unlock()
			if closing {
				return
			}
			<-s.wake
			continue
		}
		ev := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.qmu.Unlock()

		s.deliver(ev)
	}
}

func (s *Subscriber) deliver(ev *domain.DispatchEvent) {
	if err := s.ctx.Err(); err != nil {
		s.logger.Warn("dropping event after shutdown",
			slog.String("method", ev.Method.String()),
			slog.String("request_id", ev.RequestID))
		return
	}

	s.mu.RLock()
	handlers := make([]Handler, 0, len(s.handlers[ev.Method])+len(s.any))
	handlers = append(handlers, s.handlers[ev.Method]...)
	handlers = append(handlers, s.any...)
	s.mu.RUnlock()

	if len(handlers) == 0 {
		s.logger.Debug("no handler for event",
			slog.String("method", ev.Method.String()),
			slog.String("request_id", ev.RequestID))
		return
	}

	for _, h := range handlers {
		if err := s.invoke(h, ev); err != nil {
			s.logger.Error("webhook handler failed",
				slog.String("method", ev.Method.String()),
				slog.String("request_id", ev.RequestID),
				slog.String("error", err.Error()))
		}
	}
}

func (s *Subscriber) invoke(h Handler, ev *domain.DispatchEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(s.ctx, ev)
}
