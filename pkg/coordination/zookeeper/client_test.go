package zookeeper

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeq(t *testing.T) {
	seq, err := parseSeq("/dbreader/leader/_c_0f1e2d3c4b5a69788796a5b4c3d2e1f0-candidate-0000000042")
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)

	seq, err = parseSeq("candidate-0000000007")
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)

	_, err = parseSeq("lock-0000000001")
	assert.Error(t, err)

	_, err = parseSeq("candidate-00000000xx")
	assert.Error(t, err)
}

// TestClient_Live runs against a real ensemble when ZK_TEST_SERVERS is set.
func TestClient_Live(t *testing.T) {
	servers := os.Getenv("ZK_TEST_SERVERS")
	if servers == "" {
		t.Skip("ZK_TEST_SERVERS not set")
	}
	ctx := context.Background()
	cfg := Config{
		Servers:        strings.Split(servers, ","),
		SessionTimeout: 5 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
	dir := "/dbreader-test/leader-" + time.Now().Format("150405.000")

	a, err := Dial(ctx, cfg, nil)
	require.NoError(t, err)
	b, err := Dial(ctx, cfg, nil)
	require.NoError(t, err)
	defer b.Close()

	n1, err := a.CreateEphemeralSequential(ctx, dir, []byte("a"))
	require.NoError(t, err)
	n2, err := b.CreateEphemeralSequential(ctx, dir, []byte("b"))
	require.NoError(t, err)
	assert.Less(t, n1.Seq, n2.Seq)

	watch, err := b.Watch(ctx, n1)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	select {
	case <-watch:
	case <-time.After(10 * time.Second):
		t.Fatal("predecessor deletion not observed")
	}

	children, err := b.Children(ctx, dir)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, n2.Path, children[0].Path)
}
