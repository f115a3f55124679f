package client

import (
	"context"
	"errors"
	"time"

	"dstream/internal/transport"
)

type OutcomeKind int

const (
	OutcomeReply OutcomeKind = iota
	OutcomeExpired
	OutcomeRemoteError
	OutcomeClosed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeReply:
		return "reply"
	case OutcomeExpired:
		return "expired"
	case OutcomeRemoteError:
		return "remote_error"
	case OutcomeClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcome is the result of waiting for one reply. Payload is set for
// OutcomeReply, Message for OutcomeRemoteError and Err for OutcomeClosed.
type Outcome struct {
	Kind    OutcomeKind
	Payload []byte
	Message string
	Err     error
}

// Receiver is the part of a session the waiter reads from.
type Receiver interface {
	Receive(ctx context.Context, timeout time.Duration) (transport.Message, error)
	Abandon()
}

type Waiter struct{}

// AwaitReply waits up to timeout for the reply to the outstanding frame.
// Control messages from the peer are skipped and do not extend the deadline.
// On expiry the request is abandoned, not cancelled: a late reply will be the
// next message the session delivers.
func (Waiter) AwaitReply(ctx context.Context, r Receiver, timeout time.Duration) Outcome {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			r.Abandon()
			return Outcome{Kind: OutcomeExpired}
		}
		msg, err := r.Receive(ctx, remaining)
		if errors.Is(err, transport.ErrTimeout) {
			r.Abandon()
			return Outcome{Kind: OutcomeExpired}
		}
		if err != nil {
			return Outcome{Kind: OutcomeClosed, Err: err}
		}
		switch msg.Kind {
		case transport.KindFrame:
			return Outcome{Kind: OutcomeReply, Payload: msg.Payload}
		case transport.KindError:
			return Outcome{Kind: OutcomeRemoteError, Message: msg.RemoteError}
		}
	}
}
