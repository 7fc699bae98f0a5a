package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"dbreader/pkg/coordination"
	"dbreader/pkg/logger"
)

const (
	nodePrefix = "candidate-"
	seqDigits  = 10
)

// Config holds ZooKeeper session settings.
type Config struct {
	Servers        []string
	SessionTimeout time.Duration
	ConnectTimeout time.Duration
}

// Client is a coordination.Client on a ZooKeeper session.
type Client struct {
	conn   *zk.Conn
	acl    []zk.ACL
	logger *zap.Logger

	states chan coordination.SessionState
	done   chan struct{}
	once   sync.Once
}

// Dialer returns a coordination.Dialer that opens a ZooKeeper session and
// waits up to ConnectTimeout for it to be established.
func Dialer(cfg Config, log *zap.Logger) coordination.Dialer {
	return func(ctx context.Context) (coordination.Client, error) {
		return Dial(ctx, cfg, log)
	}
}

func Dial(ctx context.Context, cfg Config, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, events, err := zk.Connect(cfg.Servers, cfg.SessionTimeout, zk.WithLogger(logger.Printf{L: log.Named("zk")}))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
	}

	wait, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := awaitSession(wait, events); err != nil {
		conn.Close()
		return nil, err
	}

	c := &Client{
		conn:   conn,
		acl:    zk.WorldACL(zk.PermAll),
		logger: log,
		states: make(chan coordination.SessionState, 16),
		done:   make(chan struct{}),
	}
	c.states <- coordination.StateConnected
	go c.forward(events)
	return c, nil
}

func awaitSession(ctx context.Context, events <-chan zk.Event) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return zk.ErrClosing
			}
			if ev.Type != zk.EventSession {
				continue
			}
			switch ev.State {
			case zk.StateHasSession:
				return nil
			case zk.StateAuthFailed:
				return fmt.Errorf("zookeeper authentication failed")
			}
		case <-ctx.Done():
			return fmt.Errorf("zookeeper session not established: %w", ctx.Err())
		}
	}
}

// forward translates ZooKeeper session events. Disconnected maps to
// suspended, expired to lost, and a regained session to reconnected.
func (c *Client) forward(events <-chan zk.Event) {
	suspended, lost := false, false
	for {
		var ev zk.Event
		var ok bool
		select {
		case ev, ok = <-events:
			if !ok {
				return
			}
		case <-c.done:
			return
		}
		if ev.Type != zk.EventSession {
			continue
		}

		var st coordination.SessionState
		switch ev.State {
		case zk.StateDisconnected:
			if suspended || lost {
				continue
			}
			suspended = true
			st = coordination.StateSuspended
		case zk.StateExpired:
			if lost {
				continue
			}
			lost = true
			st = coordination.StateLost
		case zk.StateHasSession:
			if !suspended && !lost {
				continue
			}
			suspended, lost = false, false
			st = coordination.StateReconnected
		default:
			continue
		}

		c.logger.Debug("zookeeper session transition", zap.String("state", st.String()))
		select {
		case c.states <- st:
		case <-c.done:
			return
		}
	}
}

func (c *Client) ensureDir(dir string) error {
	dir = path.Clean(dir)
	if dir == "/" {
		return nil
	}
	cur := ""
	for _, part := range strings.Split(strings.TrimPrefix(dir, "/"), "/") {
		cur += "/" + part
		_, err := c.conn.Create(cur, nil, 0, c.acl)
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("failed to create %s: %w", cur, err)
		}
	}
	return nil
}

// CreateEphemeralSequential uses the protected create recipe so a create
// that races a connection loss does not leave an orphan behind.
func (c *Client) CreateEphemeralSequential(ctx context.Context, dir string, data []byte) (coordination.Node, error) {
	if err := ctx.Err(); err != nil {
		return coordination.Node{}, err
	}
	if err := c.ensureDir(dir); err != nil {
		return coordination.Node{}, err
	}
	created, err := c.conn.CreateProtectedEphemeralSequential(path.Join(dir, nodePrefix), data, c.acl)
	if err != nil {
		return coordination.Node{}, translate(err)
	}
	seq, err := parseSeq(created)
	if err != nil {
		return coordination.Node{}, err
	}
	return coordination.Node{Path: created, Seq: seq, Data: data}, nil
}

func (c *Client) Delete(ctx context.Context, node coordination.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.conn.Delete(node.Path, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return translate(err)
	}
	return nil
}

func (c *Client) Children(ctx context.Context, dir string) ([]coordination.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names, _, err := c.conn.Children(dir)
	if err != nil {
		if errors.Is(err, zk.ErrNoNode) {
			return nil, nil
		}
		return nil, translate(err)
	}

	nodes := make([]coordination.Node, 0, len(names))
	for _, name := range names {
		seq, err := parseSeq(name)
		if err != nil {
			continue
		}
		full := path.Join(dir, name)
		data, _, err := c.conn.Get(full)
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, translate(err)
		}
		nodes = append(nodes, coordination.Node{Path: full, Seq: seq, Data: data})
	}
	coordination.SortBySeq(nodes)
	return nodes, nil
}

func (c *Client) Watch(ctx context.Context, node coordination.Node) (<-chan struct{}, error) {
	exists, _, events, err := c.conn.ExistsW(node.Path)
	if err != nil {
		return nil, translate(err)
	}
	if !exists {
		return coordination.ClosedWatch(), nil
	}

	out := make(chan struct{})
	go func() {
		for {
			select {
			case ev := <-events:
				switch ev.Type {
				case zk.EventNodeDeleted:
					close(out)
					return
				case zk.EventNotWatching:
					// Session ended; the engine learns about it from States.
					return
				}
				// Data or creation change: re-arm.
				var err error
				exists, _, events, err = c.conn.ExistsW(node.Path)
				if err != nil {
					return
				}
				if !exists {
					close(out)
					return
				}
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) States() <-chan coordination.SessionState {
	return c.states
}

func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	return nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%w: %v", coordination.ErrNoNode, err)
	case errors.Is(err, zk.ErrSessionExpired):
		return fmt.Errorf("%w: %v", coordination.ErrSessionLost, err)
	case errors.Is(err, zk.ErrClosing):
		return fmt.Errorf("%w: %v", coordination.ErrClosed, err)
	}
	return err
}

// parseSeq extracts the sequence suffix ZooKeeper appends to sequential
// node names, e.g. "_c_<guid>-candidate-0000000042".
func parseSeq(name string) (int64, error) {
	base := path.Base(name)
	if !strings.Contains(base, nodePrefix) || len(base) < seqDigits {
		return 0, fmt.Errorf("not a candidate node: %q", name)
	}
	seq, err := strconv.ParseInt(base[len(base)-seqDigits:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad sequence in %q: %w", name, err)
	}
	return seq, nil
}
