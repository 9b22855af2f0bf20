package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
)

const streamHeartbeat = 30 * time.Second

// updateBroker fans out "collection changed" signals to stream subscribers.
// Signals coalesce: a slow subscriber sees at most one pending notification.
type updateBroker struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func newUpdateBroker() *updateBroker {
	return &updateBroker{subs: make(map[chan struct{}]struct{})}
}

func (b *updateBroker) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *updateBroker) unsubscribe(ch chan struct{}) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

func (b *updateBroker) notify() {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *updateBroker) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// streamTasks sends the whole collection as a server-sent event on connect
// and again after every change.
func streamTasks(store Storage, broker *updateBroker, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		res := c.Response()
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set(echo.HeaderCacheControl, "no-cache")
		res.Header().Set(echo.HeaderConnection, "keep-alive")
		res.Header().Set("X-Accel-Buffering", "no")
		res.WriteHeader(http.StatusOK)

		updates := broker.subscribe()
		defer broker.unsubscribe(updates)

		ctx := c.Request().Context()
		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()

		send := func() bool {
			tasks, err := store.Load(ctx)
			if err != nil {
				logger.WithError(err).Error("stream: load tasks")
				return ctx.Err() == nil
			}
			data, err := sonic.Marshal(tasks)
			if err != nil {
				logger.WithError(err).Error("stream: marshal tasks")
				return true
			}
			if _, err := res.Write([]byte("event: tasks\ndata: ")); err != nil {
				return false
			}
			if _, err := res.Write(data); err != nil {
				return false
			}
			if _, err := res.Write([]byte("\n\n")); err != nil {
				return false
			}
			res.Flush()
			return true
		}

		if !send() {
			return nil
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-updates:
				if !send() {
					return nil
				}
			case <-heartbeat.C:
				if _, err := res.Write([]byte(": ping\n\n")); err != nil {
					return nil
				}
				res.Flush()
			}
		}
	}
}
