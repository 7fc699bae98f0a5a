package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbreader/pkg/coordination"
)

const dir = "/dbreader/leader"

func nextState(t *testing.T, c *Client) coordination.SessionState {
	t.Helper()
	select {
	case st := <-c.States():
		return st
	case <-time.After(time.Second):
		t.Fatal("no session state delivered")
		return coordination.StateDisconnected
	}
}

func TestCreateEphemeralSequential_IncreasingSequence(t *testing.T) {
	svc := NewService()
	a, b := svc.Connect(), svc.Connect()
	ctx := context.Background()

	n1, err := a.CreateEphemeralSequential(ctx, dir, []byte("a"))
	require.NoError(t, err)
	n2, err := b.CreateEphemeralSequential(ctx, dir, []byte("b"))
	require.NoError(t, err)

	assert.Less(t, n1.Seq, n2.Seq)

	children, err := a.Children(ctx, dir)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, n1.Path, children[0].Path)
	assert.Equal(t, []byte("b"), children[1].Data)
}

func TestWatch_FiresOnDelete(t *testing.T) {
	svc := NewService()
	a, b := svc.Connect(), svc.Connect()
	ctx := context.Background()

	n, err := a.CreateEphemeralSequential(ctx, dir, nil)
	require.NoError(t, err)

	ch, err := b.Watch(ctx, n)
	require.NoError(t, err)

	select {
	case <-ch:
		t.Fatal("watch fired before delete")
	default:
	}

	require.NoError(t, a.Delete(ctx, n))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("watch did not fire")
	}
}

func TestWatch_MissingNodeFiresImmediately(t *testing.T) {
	c := NewService().Connect()
	ch, err := c.Watch(context.Background(), coordination.Node{Path: dir + "/candidate-0000000042"})
	require.NoError(t, err)
	_, open := <-ch
	assert.False(t, open)
}

func TestClose_RemovesEphemeralNodes(t *testing.T) {
	svc := NewService()
	c := svc.Connect()
	_, err := c.CreateEphemeralSequential(context.Background(), dir, nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.Empty(t, svc.Nodes(dir))

	_, err = c.Children(context.Background(), dir)
	assert.ErrorIs(t, err, coordination.ErrClosed)
}

func TestPartitionHealExpire(t *testing.T) {
	svc := NewService()
	c := svc.Connect()
	assert.Equal(t, coordination.StateConnected, nextState(t, c))

	_, err := c.CreateEphemeralSequential(context.Background(), dir, nil)
	require.NoError(t, err)

	c.Partition()
	assert.Equal(t, coordination.StateSuspended, nextState(t, c))
	_, err = c.Children(context.Background(), dir)
	assert.ErrorIs(t, err, ErrSuspended)

	// Partition healed before expiry keeps the session.
	c.Heal()
	assert.Equal(t, coordination.StateReconnected, nextState(t, c))
	assert.Len(t, svc.Nodes(dir), 1)

	c.Partition()
	assert.Equal(t, coordination.StateSuspended, nextState(t, c))
	c.Expire()
	assert.Empty(t, svc.Nodes(dir))

	c.Heal()
	assert.Equal(t, coordination.StateLost, nextState(t, c))
	assert.Equal(t, coordination.StateReconnected, nextState(t, c))
}
