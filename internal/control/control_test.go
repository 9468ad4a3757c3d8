package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitRunsOpOnConsumerAndReturnsItsError(t *testing.T) {
	s := New(4)
	done := make(chan struct{})
	go func() {
		req := <-s.Requests()
		req.Done <- req.Op()
		close(done)
	}()

	err := s.Submit(context.Background(), func() error { return nil })
	require.NoError(t, err)
	<-done
}

func TestSubmitPropagatesOpError(t *testing.T) {
	s := New(4)
	sentinel := errNotFound
	go func() {
		req := <-s.Requests()
		req.Done <- req.Op()
	}()

	err := s.Submit(context.Background(), func() error { return sentinel })
	require.ErrorIs(t, err, sentinel)
}

func TestSubmitRespectsContextCancelBeforeConsumption(t *testing.T) {
	s := New(0) // unbuffered and nobody reading, Submit must block until ctx done
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Submit(ctx, func() error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

var errNotFound = &testError{"not found"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
