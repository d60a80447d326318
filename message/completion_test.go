package message

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompletionSuccessOnce(t *testing.T) {
	c := NewCompletion()
	ack := NewPubAck(1)

	c.CompleteSuccess(ack)
	c.CompleteFailure(errors.New("too late")) // no-op, already terminal
	c.Cancel()                                // no-op

	state, result, err := c.Await(0)
	require.Equal(t, Success, state)
	require.Equal(t, Packet(ack), result)
	require.NoError(t, err)
}

func TestCompletionFailure(t *testing.T) {
	c := NewCompletion()
	cause := errors.New("boom")
	c.CompleteFailure(cause)

	state, _, err := c.Await(time.Second)
	require.Equal(t, Failure, state)
	require.Equal(t, cause, err)
}

func TestCompletionCancel(t *testing.T) {
	c := NewCompletion()
	c.Cancel()

	state, _, _ := c.Await(0)
	require.Equal(t, Cancelled, state)
}

func TestCompletionAwaitTimeout(t *testing.T) {
	c := NewCompletion()
	state, _, err := c.Await(10 * time.Millisecond)
	require.Equal(t, Pending, state)
	require.ErrorIs(t, err, ErrAwaitTimeout)
}

func TestCompletionCrossGoroutine(t *testing.T) {
	c := NewCompletion()
	go func() {
		time.Sleep(5 * time.Millisecond)
		c.CompleteSuccess(nil)
	}()

	state, _, err := c.Await(time.Second)
	require.Equal(t, Success, state)
	require.NoError(t, err)
}
