package llm

import (
	"context"
	"errors"
)

// ErrEmptyCompletion is returned when the model answers with no text
var ErrEmptyCompletion = errors.New("completion returned no text")

// Completer produces assistant replies for one user utterance
type Completer interface {
	// Complete returns the whole reply at once
	Complete(ctx context.Context, system, user string) (string, error)

	// Stream opens an incremental reply. An error here means nothing was produced.
	Stream(ctx context.Context, system, user string) (*TokenStream, error)
}

// TokenStream delivers reply fragments in order. C is closed when the reply
// ends; Err then reports whether it ended early.
type TokenStream struct {
	C <-chan string

	done chan struct{}
	err  error
}

// Err blocks until the stream has ended and returns the failure that ended it, if any
func (s *TokenStream) Err() error {
	<-s.done
	return s.err
}

// NewTokenStream runs produce in its own goroutine. emit returns false once
// ctx is done, after which produce should return.
func NewTokenStream(ctx context.Context, produce func(emit func(string) bool) error) *TokenStream {
	ch := make(chan string, 64)
	s := &TokenStream{C: ch, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		defer close(ch)

		emit := func(fragment string) bool {
			select {
			case ch <- fragment:
				return true
			case <-ctx.Done():
				return false
			}
		}
		s.err = produce(emit)
		if s.err == nil && ctx.Err() != nil {
			s.err = ctx.Err()
		}
	}()
	return s
}

// StaticStream yields fragments and ends cleanly
func StaticStream(ctx context.Context, fragments ...string) *TokenStream {
	return NewTokenStream(ctx, func(emit func(string) bool) error {
		for _, f := range fragments {
			if !emit(f) {
				return nil
			}
		}
		return nil
	})
}
