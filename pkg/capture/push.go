package capture

import (
	"context"
	"sync"
)

// pushBuffer is the per-subscriber channel capacity. Older notifications are
// dropped when a subscriber falls behind; only the latest text matters.
const pushBuffer = 8

// Push is an in-process [FocusedTextReader] and [Subscriber] fed by the host,
// for instance through the HTTP API when an accessibility observer lives in a
// separate process. The zero value is not usable; call [NewPush].
type Push struct {
	mu     sync.Mutex
	latest string
	has    bool
	subs   map[chan string]struct{}
}

var (
	_ FocusedTextReader = (*Push)(nil)
	_ Subscriber        = (*Push)(nil)
)

// NewPush returns an empty Push source.
func NewPush() *Push {
	return &Push{subs: make(map[chan string]struct{})}
}

// Publish records text as the focused element's current text and notifies
// all subscribers.
func (p *Push) Publish(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = text
	p.has = true
	for ch := range p.subs {
		select {
		case ch <- text:
		default:
			// Drop the oldest pending value to make room for the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- text:
			default:
			}
		}
	}
}

// ReadFocusedEditableText implements [FocusedTextReader]. It returns
// [ErrUnavailable] until the first Publish.
func (p *Push) ReadFocusedEditableText(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.has {
		return "", ErrUnavailable
	}
	return p.latest, nil
}

// Subscribe implements [Subscriber].
func (p *Push) Subscribe(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, pushBuffer)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.subs, ch)
		close(ch)
		p.mu.Unlock()
	}()
	return ch, nil
}

// Reset forgets the latest published text.
func (p *Push) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = ""
	p.has = false
}
