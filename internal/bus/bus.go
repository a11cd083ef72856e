// Package bus is the thin subject-based pub/sub abstraction every service
// coordinates through. The NATS-backed Client is the production
// implementation; Memory provides the same contract in-process for tests
// and single-process runs.
package bus

import (
	"context"
	"errors"
	"time"
)

// DefaultRequestTimeout bounds request/reply calls that pass no timeout.
const DefaultRequestTimeout = 10 * time.Second

var (
	// ErrTimeout is returned when a request sees no reply in time.
	ErrTimeout = errors.New("bus: request timeout")
	// ErrNoResponders is returned when nothing is subscribed to a request
	// subject.
	ErrNoResponders = errors.New("bus: no responders")
	// ErrClosed is returned for operations on a closed bus.
	ErrClosed = errors.New("bus: closed")
)

// Handler consumes a message and returns the reply payload. A nil return
// means no reply; on a request subject the requester will time out, which
// is the contract for malformed payloads.
type Handler func(ctx context.Context, subject string, payload []byte) []byte

// Subscription is an ephemeral listener handle created by Listen.
type Subscription interface {
	Unsubscribe() error
}

// State tracks the connection lifecycle: Init -> Connected ->
// (Disconnected <-> Connected)* -> Closed.
type State int

const (
	StateInit State = iota
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Bus is the service-facing contract.
//
// Subscribe records the subscription for the life of the bus; recorded
// subscriptions survive reconnects. queued joins a queue group named after
// the subject so competing subscribers share the load; otherwise delivery
// is fan-out. Subscribe returns false if the subject is already bound in
// this client.
//
// Listen creates an additional, unrecorded fan-out listener and may bind a
// subject any number of times; the gateway uses it for per-connection
// topic pipelines.
//
// Publish is fire-and-forget and silently drops while disconnected.
// Request performs request/reply with the given timeout (zero means
// DefaultRequestTimeout).
type Bus interface {
	Start(ctx context.Context) error
	Stop()
	Run(ctx context.Context) error

	Subscribe(subject string, handler Handler, queued bool) bool
	Unsubscribe(subject string) bool
	Listen(subject string, handler Handler) (Subscription, error)

	Publish(ctx context.Context, subject string, payload []byte) error
	Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error)

	IsConnected() bool
	Subjects() []string
}
