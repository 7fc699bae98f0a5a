package supervisor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	config "dbreader/configs"
	"dbreader/pkg/coordination"
	"dbreader/pkg/coordination/memory"
	"dbreader/pkg/models"
	recordmem "dbreader/pkg/storage/memory"
)

func testConfig(id string) *config.Config {
	return &config.Config{
		InstanceID:         id,
		ElectionPath:       "/dbreader/leader",
		ConnectTimeout:     time.Second,
		RetryBaseDelay:     10 * time.Millisecond,
		AutoRequeue:        true,
		LeaderHeartbeat:    10 * time.Millisecond,
		ProcessingInterval: 10 * time.Millisecond,
	}
}

func seedRecords(t *testing.T, store *recordmem.RecordStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, store.Create(context.Background(), &models.DataRecord{Message: fmt.Sprintf("msg-%d", i)}))
	}
}

func start(t *testing.T, s *Supervisor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return cancel, done
}

func TestResolveInstanceID(t *testing.T) {
	assert.Equal(t, "node-a", ResolveInstanceID("node-a"))
	assert.NotEmpty(t, ResolveInstanceID(""))
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{Config: testConfig("a")})
	assert.Error(t, err)
}

func TestSupervisor_ProcessesAndReleasesOnShutdown(t *testing.T) {
	svc := memory.NewService()
	store := recordmem.NewRecordStore()
	seedRecords(t, store, 5)

	var hookRan bool
	s, err := New(Options{
		Config: testConfig("node-a"),
		Client: svc.Connect(),
		Store:  store,
		OnShutdown: []func(context.Context) error{
			func(context.Context) error { hookRan = true; return nil },
		},
	})
	require.NoError(t, err)

	cancel, done := start(t, s)
	require.Eventually(t, func() bool {
		n, _ := store.CountPending(context.Background())
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)

	for id := int64(1); id <= 5; id++ {
		rec, _ := store.Get(id)
		assert.Equal(t, "node-a", *rec.ProcessedBy)
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
	assert.False(t, s.Engine().IsLeader())
	assert.Empty(t, svc.Nodes("/dbreader/leader"), "registration released on shutdown")
	assert.True(t, hookRan)
}

func TestSupervisor_OnlyLeaderProcesses(t *testing.T) {
	svc := memory.NewService()
	store := recordmem.NewRecordStore()

	a, err := New(Options{Config: testConfig("node-a"), Client: svc.Connect(), Store: store})
	require.NoError(t, err)
	b, err := New(Options{Config: testConfig("node-b"), Client: svc.Connect(), Store: store})
	require.NoError(t, err)

	cancelA, doneA := start(t, a)
	require.Eventually(t, a.Engine().IsLeader, 2*time.Second, 5*time.Millisecond)
	cancelB, doneB := start(t, b)
	defer func() {
		cancelB()
		<-doneB
	}()

	seedRecords(t, store, 10)
	require.Eventually(t, func() bool {
		n, _ := store.CountPending(context.Background())
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)
	for id := int64(1); id <= 10; id++ {
		rec, _ := store.Get(id)
		assert.Equal(t, "node-a", *rec.ProcessedBy)
	}

	// Failover: B takes over once A leaves.
	cancelA()
	require.NoError(t, <-doneA)
	require.Eventually(t, b.Engine().IsLeader, 2*time.Second, 5*time.Millisecond)

	seedRecords(t, store, 3)
	require.Eventually(t, func() bool {
		rec, _ := store.Get(13)
		return rec.Processed() && *rec.ProcessedBy == "node-b"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSupervisor_JoinFailure(t *testing.T) {
	svc := memory.NewService()
	client := svc.Connect()
	client.Partition()

	s, err := New(Options{Config: testConfig("node-a"), Client: client, Store: recordmem.NewRecordStore()})
	require.NoError(t, err)

	err = s.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, memory.ErrSuspended))

	// The session is closed on the way out.
	_, err = client.Children(context.Background(), "/dbreader/leader")
	assert.ErrorIs(t, err, coordination.ErrClosed)
}

func TestSupervisor_ComponentLogsCarryInstance(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s, err := New(Options{
		Config: testConfig("node-a"),
		Client: memory.NewService().Connect(),
		Store:  recordmem.NewRecordStore(),
		Logger: zap.New(core),
	})
	require.NoError(t, err)

	cancel, done := start(t, s)
	require.Eventually(t, s.Engine().IsLeader, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	started := logs.FilterMessage("scheduler started").All()
	require.Len(t, started, 1)
	assert.Equal(t, "scheduler", started[0].LoggerName)
	assert.Equal(t, "node-a", started[0].ContextMap()["instance"])
}

func TestSupervisor_InvalidSchedule(t *testing.T) {
	cfg := testConfig("node-a")
	cfg.ProcessingSchedule = "every now and then"
	_, err := New(Options{Config: cfg, Client: memory.NewService().Connect(), Store: recordmem.NewRecordStore()})
	assert.Error(t, err)
}
