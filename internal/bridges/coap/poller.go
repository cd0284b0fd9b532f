package coap

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-coap/internal/coapclient"
)

// pollLoop polls t immediately and then every refresh interval until the
// bridge stops.
func (b *Bridge) pollLoop(t *Thing) {
	if !t.hasReadable() {
		return
	}

	ticker := time.NewTicker(t.cfg.RefreshInterval())
	defer ticker.Stop()

	b.pollThing(b.ctx, t)
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.pollThing(b.ctx, t)
		}
	}
}

type pendingRead struct {
	ch     *channel
	future *coapclient.Future
}

// pollThing requests every readable channel of t through its dispatcher and
// applies the results. A thing is online when at least one request got a
// response, successful or not.
func (b *Bridge) pollThing(ctx context.Context, t *Thing) {
	delay := t.dispatcher.Delay()
	queued := t.dispatcher.Pending()

	var reads []pendingRead
	for _, id := range t.order {
		ch := t.channels[id]
		if !ch.cfg.Readable() {
			continue
		}
		f, err := t.requestState(ch)
		if err != nil {
			continue
		}
		reads = append(reads, pendingRead{ch: ch, future: f})
	}
	if len(reads) == 0 {
		return
	}

	wait := t.cfg.RequestTimeout() + time.Duration(queued+len(reads))*delay
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	answered := false
	var lastErr error
	var se *coapclient.StatusError

	for _, r := range reads {
		value, err := t.await(wctx, r.ch, r.future)
		switch {
		case err == nil:
			answered = true
			b.applyState(t, r.ch, value, time.Now().UTC())
		case ctx.Err() != nil:
			return
		case errors.As(err, &se):
			answered = true
			lastErr = err
		case errors.Is(err, coapclient.ErrCanceled), errors.Is(err, coapclient.ErrShutdown):
			return
		default:
			lastErr = err
		}
	}

	prev := t.Status()
	t.recordPoll(time.Now().UTC(), answered, lastErr)
	if now := t.Status(); now != prev {
		b.logInfo("thing status changed", "thing_id", t.ID(), "status", string(now))
	}
}

func (t *Thing) hasReadable() bool {
	for _, ch := range t.channels {
		if ch.cfg.Readable() {
			return true
		}
	}
	return false
}
