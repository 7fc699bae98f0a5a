package coordination

import (
	"context"
	"errors"
	"sort"
)

var (
	// ErrConnection is returned when the coordination service stayed
	// unreachable for the whole retry budget.
	ErrConnection = errors.New("coordination service unreachable")
	// ErrSessionLost means the session expired and every ephemeral node it
	// owned is gone.
	ErrSessionLost = errors.New("coordination session lost")
	// ErrNoNode is returned when the addressed node does not exist.
	ErrNoNode = errors.New("node does not exist")
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("coordination client closed")
)

// SessionState is a session-level transition reported by a Client.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnected
	StateSuspended
	StateLost
	StateReconnected
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateSuspended:
		return "suspended"
	case StateLost:
		return "lost"
	case StateReconnected:
		return "reconnected"
	default:
		return "unknown"
	}
}

// Usable reports whether requests can be issued in this state.
func (s SessionState) Usable() bool {
	return s == StateConnected || s == StateReconnected
}

// Node is an ephemeral sequential registration. Seq is assigned by the
// coordination service and is strictly increasing per election path.
type Node struct {
	Path string
	Seq  int64
	Data []byte
}

// Client is a session with the coordination service.
type Client interface {
	// CreateEphemeralSequential registers a node under dir. The node
	// disappears when the session is lost or closed.
	CreateEphemeralSequential(ctx context.Context, dir string, data []byte) (Node, error)

	// Delete removes a node. Deleting a missing node is not an error.
	Delete(ctx context.Context, node Node) error

	// Children lists the live nodes under dir ordered by sequence.
	Children(ctx context.Context, dir string) ([]Node, error)

	// Watch returns a channel closed once node is removed. If the node is
	// already gone the channel is closed immediately. The watch is dropped
	// when ctx is cancelled.
	Watch(ctx context.Context, node Node) (<-chan struct{}, error)

	// States delivers session transitions. There is a single consumer.
	States() <-chan SessionState

	// Close ends the session, releasing every ephemeral node it owns.
	Close() error
}

// SortBySeq orders nodes by ascending sequence number.
func SortBySeq(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Seq < nodes[j].Seq })
}

// ClosedWatch is the result of watching a node that no longer exists.
func ClosedWatch() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
