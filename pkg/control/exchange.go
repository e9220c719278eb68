package control

import (
	"context"
	"fmt"
	"time"
)

type ExchangeState int

const (
	ExchangeIdle ExchangeState = iota
	ExchangeSent
	ExchangeCompleted
	ExchangeFailed
)

func (s ExchangeState) String() string {
	switch s {
	case ExchangeIdle:
		return "idle"
	case ExchangeSent:
		return "sent"
	case ExchangeCompleted:
		return "completed"
	case ExchangeFailed:
		return "failed"
	}
	return fmt.Sprintf("ExchangeState(%d)", int(s))
}

// Exchange is a single request/response call
type Exchange struct {
	Destination string
	Method      string
	Payload     string
	Timeout     time.Duration
	State       ExchangeState
	Response    string // Valid when State is ExchangeCompleted
	Err         error  // Valid when State is ExchangeFailed
	Elapsed     time.Duration
}

func NewExchange(destination, method, payload string, timeout time.Duration) *Exchange {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Exchange{
		Destination: destination,
		Method:      method,
		Payload:     payload,
		Timeout:     timeout,
	}
}

// Run performs the call, and leaves the exchange in a terminal state.
// Run returns within Timeout even if the RPC invoker never returns. In that case,
// the invoker's goroutine is left to finish on its own (its context has been cancelled).
func (e *Exchange) Run(ctx context.Context, rpc RPCInvoker) {
	start := time.Now()
	defer func() {
		e.Elapsed = time.Now().Sub(start)
	}()

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	type result struct {
		response string
		err      error
	}
	done := make(chan result, 1)
	e.State = ExchangeSent
	go func() {
		resp, err := rpc.PerformRPC(ctx, e.Destination, e.Method, e.Payload, e.Timeout)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			e.State = ExchangeFailed
			e.Err = r.err
		} else {
			e.State = ExchangeCompleted
			e.Response = r.response
		}
	case <-ctx.Done():
		e.State = ExchangeFailed
		e.Err = fmt.Errorf("%v timed out after %v: %w", e.Method, e.Timeout, ctx.Err())
	}
}
