package election

import (
	"errors"
	"fmt"

	"dbreader/pkg/coordination"
)

// State is the engine's position in the election.
type State int32

const (
	NotRegistered State = iota
	Registering
	Watching
	Leading
)

func (s State) String() string {
	switch s {
	case NotRegistered:
		return "not_registered"
	case Registering:
		return "registering"
	case Watching:
		return "watching"
	case Leading:
		return "leading"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transition describes one state change.
type Transition struct {
	From   State
	To     State
	Reason string
}

// Candidate is one registration in the election pool.
type Candidate struct {
	InstanceID string
	Token      coordination.Node
	Rank       int
}

var errNotRegistered = errors.New("election: registration not found among candidates")

// rankOf returns the position of self among nodes (sorted by sequence) and
// the node directly ahead of it. Position 0 is the leader.
func rankOf(nodes []coordination.Node, self coordination.Node) (int, coordination.Node, error) {
	for i, n := range nodes {
		if n.Path != self.Path {
			continue
		}
		if i == 0 {
			return 0, coordination.Node{}, nil
		}
		return i, nodes[i-1], nil
	}
	return -1, coordination.Node{}, errNotRegistered
}

func toCandidates(nodes []coordination.Node) []Candidate {
	out := make([]Candidate, len(nodes))
	for i, n := range nodes {
		out[i] = Candidate{InstanceID: string(n.Data), Token: n, Rank: i}
	}
	return out
}
