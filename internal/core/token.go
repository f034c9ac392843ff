package core

import (
	"context"
	"sync"
)

// Token resolves when a reconciliation cycle completes. Every caller that
// enqueued before the cycle started shares the same token.
type Token struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

func (t *Token) resolve(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Done is closed once the covering cycle finished.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Err returns the cycle's listing error once Done is closed.
func (t *Token) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the cycle completes or ctx is done.
func (t *Token) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Ticket tracks the commands enqueued by one call together with the cycle
// that covers them. A nil Ticket means nothing was enqueued and is already
// complete.
type Ticket struct {
	token *Token
	ids   []string

	mu   sync.Mutex
	errs []error
}

func newTicket(token *Token) *Ticket {
	return &Ticket{token: token}
}

func (t *Ticket) record(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	t.errs = append(t.errs, err)
	t.mu.Unlock()
}

// CommandIDs returns the correlation ids of the enqueued commands.
func (t *Ticket) CommandIDs() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.ids...)
}

// Done is closed once the covering cycle finished.
func (t *Ticket) Done() <-chan struct{} {
	if t == nil {
		return closedChan
	}
	return t.token.Done()
}

// Err returns the first command failure, else the cycle error, once Done is
// closed.
func (t *Ticket) Err() error {
	if t == nil {
		return nil
	}
	select {
	case <-t.token.Done():
	default:
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.errs) > 0 {
		return t.errs[0]
	}
	return t.token.err
}

// Wait blocks until the covering cycle completes and returns the first
// command failure, else the cycle error.
func (t *Ticket) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if err := t.token.Wait(ctx); err != nil && ctx.Err() != nil {
		return err
	}
	return t.Err()
}
