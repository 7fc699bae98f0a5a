package etcd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
	"google.golang.org/grpc/connectivity"

	"dbreader/pkg/coordination"
)

// Config holds etcd session settings. SessionTTL is in seconds.
type Config struct {
	Endpoints   []string
	SessionTTL  int
	DialTimeout time.Duration
}

// EtcdCoordinator maps the coordination primitives onto etcd: the session
// is a lease kept alive by concurrency.Session, ephemeral nodes are keys
// attached to that lease, and a key's create revision is its sequence.
type EtcdCoordinator struct {
	client *clientv3.Client
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	session *concurrency.Session

	emitMu sync.Mutex
	last   coordination.SessionState
	states chan coordination.SessionState

	done chan struct{}
	once sync.Once
}

func Dialer(cfg Config, logger *zap.Logger) coordination.Dialer {
	return func(ctx context.Context) (coordination.Client, error) {
		return NewEtcdCoordinator(ctx, cfg, logger)
	}
}

func NewEtcdCoordinator(ctx context.Context, cfg Config, logger *zap.Logger) (*EtcdCoordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	sess, err := newSession(ctx, cli, cfg)
	if err != nil {
		cli.Close()
		return nil, err
	}

	c := &EtcdCoordinator{
		client:  cli,
		cfg:     cfg,
		logger:  logger,
		session: sess,
		last:    coordination.StateConnected,
		states:  make(chan coordination.SessionState, 16),
		done:    make(chan struct{}),
	}
	c.states <- coordination.StateConnected
	go c.watchSession()
	go c.watchConnectivity()
	return c, nil
}

// newSession grants the lease under a bounded context, then hands it to a
// concurrency.Session whose keepalive outlives that context.
func newSession(ctx context.Context, cli *clientv3.Client, cfg Config) (*concurrency.Session, error) {
	grantCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	lease, err := cli.Grant(grantCtx, int64(cfg.SessionTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to grant session lease: %w", err)
	}
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(cfg.SessionTTL), concurrency.WithLease(lease.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}
	return sess, nil
}

func (c *EtcdCoordinator) currentSession() *concurrency.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// emit drops transitions that repeat what the consumer already knows.
func (c *EtcdCoordinator) emit(st coordination.SessionState) {
	c.emitMu.Lock()
	switch st {
	case coordination.StateSuspended:
		if c.last == coordination.StateSuspended || c.last == coordination.StateLost {
			c.emitMu.Unlock()
			return
		}
	case coordination.StateReconnected:
		if c.last.Usable() {
			c.emitMu.Unlock()
			return
		}
	}
	c.last = st
	c.emitMu.Unlock()

	c.logger.Debug("etcd session transition", zap.String("state", st.String()))
	select {
	case c.states <- st:
	case <-c.done:
	}
}

// watchSession reports lease expiry as a lost session and keeps trying to
// establish a fresh one.
func (c *EtcdCoordinator) watchSession() {
	for {
		select {
		case <-c.currentSession().Done():
		case <-c.done:
			return
		}
		c.emit(coordination.StateLost)

		b := backoff.NewExponentialBackOff()
		b.MaxInterval = time.Duration(c.cfg.SessionTTL) * time.Second
		for {
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-c.done:
					cancel()
				case <-ctx.Done():
				}
			}()
			sess, err := newSession(ctx, c.client, c.cfg)
			cancel()
			if err == nil {
				c.mu.Lock()
				c.session = sess
				c.mu.Unlock()
				c.emit(coordination.StateReconnected)
				break
			}
			c.logger.Warn("etcd session re-establish failed", zap.Error(err))
			select {
			case <-time.After(b.NextBackOff()):
			case <-c.done:
				return
			}
		}
	}
}

// watchConnectivity maps a transient gRPC failure to a suspended session.
// Recovery is only reported here when the lease survived; after a lost
// session watchSession reports it once the new lease exists.
func (c *EtcdCoordinator) watchConnectivity() {
	conn := c.client.ActiveConnection()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.done
		cancel()
	}()

	state := conn.GetState()
	for conn.WaitForStateChange(ctx, state) {
		state = conn.GetState()
		switch state {
		case connectivity.TransientFailure:
			c.emit(coordination.StateSuspended)
		case connectivity.Ready:
			c.emitMu.Lock()
			suspended := c.last == coordination.StateSuspended
			c.emitMu.Unlock()
			if suspended {
				c.emit(coordination.StateReconnected)
			}
		}
	}
}

func (c *EtcdCoordinator) CreateEphemeralSequential(ctx context.Context, dir string, data []byte) (coordination.Node, error) {
	sess := c.currentSession()
	key := fmt.Sprintf("%s/%x-%s", strings.TrimSuffix(dir, "/"), int64(sess.Lease()), uuid.NewString())
	resp, err := c.client.Put(ctx, key, string(data), clientv3.WithLease(sess.Lease()))
	if err != nil {
		return coordination.Node{}, fmt.Errorf("failed to register %s: %w", key, err)
	}
	return coordination.Node{Path: key, Seq: resp.Header.Revision, Data: data}, nil
}

func (c *EtcdCoordinator) Delete(ctx context.Context, node coordination.Node) error {
	if _, err := c.client.Delete(ctx, node.Path); err != nil {
		return fmt.Errorf("failed to delete %s: %w", node.Path, err)
	}
	return nil
}

func (c *EtcdCoordinator) Children(ctx context.Context, dir string) ([]coordination.Node, error) {
	resp, err := c.client.Get(ctx, strings.TrimSuffix(dir, "/")+"/",
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	nodes := make([]coordination.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		nodes = append(nodes, coordination.Node{
			Path: string(kv.Key),
			Seq:  kv.CreateRevision,
			Data: kv.Value,
		})
	}
	return nodes, nil
}

// Watch starts at the revision after the existence check, so a delete
// racing the check is still delivered.
func (c *EtcdCoordinator) Watch(ctx context.Context, node coordination.Node) (<-chan struct{}, error) {
	resp, err := c.client.Get(ctx, node.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", node.Path, err)
	}
	if len(resp.Kvs) == 0 || resp.Kvs[0].CreateRevision != node.Seq {
		return coordination.ClosedWatch(), nil
	}

	wch := c.client.Watch(ctx, node.Path, clientv3.WithRev(resp.Header.Revision+1))
	out := make(chan struct{})
	go func() {
		for wr := range wch {
			if wr.Err() != nil {
				return
			}
			for _, ev := range wr.Events {
				if ev.Type == mvccpb.DELETE {
					close(out)
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *EtcdCoordinator) States() <-chan coordination.SessionState {
	return c.states
}

// Close revokes the lease, which removes every key registered under it.
func (c *EtcdCoordinator) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		if sess := c.currentSession(); sess != nil {
			sess.Close()
		}
		err = c.client.Close()
	})
	return err
}
