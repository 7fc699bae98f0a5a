package election

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbreader/pkg/coordination"
)

func TestRankOf(t *testing.T) {
	nodes := []coordination.Node{
		{Path: "/e/candidate-0000000003", Seq: 3},
		{Path: "/e/candidate-0000000007", Seq: 7},
		{Path: "/e/candidate-0000000009", Seq: 9},
	}

	rank, pred, err := rankOf(nodes, nodes[0])
	require.NoError(t, err)
	assert.Equal(t, 0, rank)
	assert.Empty(t, pred.Path)

	rank, pred, err = rankOf(nodes, nodes[2])
	require.NoError(t, err)
	assert.Equal(t, 2, rank)
	assert.Equal(t, nodes[1].Path, pred.Path, "only the immediate predecessor is watched")

	_, _, err = rankOf(nodes, coordination.Node{Path: "/e/candidate-0000000004", Seq: 4})
	assert.ErrorIs(t, err, errNotRegistered)

	_, _, err = rankOf(nil, nodes[0])
	assert.ErrorIs(t, err, errNotRegistered)
}

func TestToCandidates(t *testing.T) {
	c := toCandidates([]coordination.Node{
		{Path: "/e/a", Seq: 1, Data: []byte("node-a")},
		{Path: "/e/b", Seq: 2, Data: []byte("node-b")},
	})
	require.Len(t, c, 2)
	assert.Equal(t, "node-a", c[0].InstanceID)
	assert.Equal(t, 1, c[1].Rank)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "not_registered", NotRegistered.String())
	assert.Equal(t, "leading", Leading.String())
	assert.Equal(t, "state(9)", State(9).String())
}
