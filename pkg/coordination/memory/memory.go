// Package memory is an in-process coordination service. It backs single
// process development runs and lets tests partition, heal and expire
// sessions deterministically.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"dbreader/pkg/coordination"
)

// ErrSuspended is returned while a client is partitioned from the service.
var ErrSuspended = errors.New("memory: connection suspended")

type status int

const (
	statusConnected status = iota
	statusSuspended
	statusClosed
)

type entry struct {
	node    coordination.Node
	session int64
}

// Service is the shared coordination state all clients talk to.
type Service struct {
	mu          sync.Mutex
	seq         int64
	nextSession int64
	nodes       map[string]entry
	watches     map[string][]chan struct{}
}

func NewService() *Service {
	return &Service{
		nodes:   make(map[string]entry),
		watches: make(map[string][]chan struct{}),
	}
}

// Dialer returns a coordination.Dialer opening sessions on s.
func (s *Service) Dialer() coordination.Dialer {
	return func(ctx context.Context) (coordination.Client, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return s.Connect(), nil
	}
}

// Connect opens a new session. The client's first state is connected.
func (s *Service) Connect() *Client {
	s.mu.Lock()
	s.nextSession++
	c := &Client{
		svc:     s,
		session: s.nextSession,
		states:  make(chan coordination.SessionState, 64),
	}
	s.mu.Unlock()
	c.states <- coordination.StateConnected
	return c
}

// Nodes lists the live nodes under dir, for assertions.
func (s *Service) Nodes(dir string) []coordination.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childrenLocked(dir)
}

func (s *Service) childrenLocked(dir string) []coordination.Node {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var out []coordination.Node
	for path, e := range s.nodes {
		if strings.HasPrefix(path, prefix) && !strings.Contains(path[len(prefix):], "/") {
			out = append(out, copyNode(e.node))
		}
	}
	coordination.SortBySeq(out)
	return out
}

// deleteLocked removes a node and returns the watch channels to close.
func (s *Service) deleteLocked(path string) []chan struct{} {
	if _, ok := s.nodes[path]; !ok {
		return nil
	}
	delete(s.nodes, path)
	fired := s.watches[path]
	delete(s.watches, path)
	return fired
}

func (s *Service) dropSessionLocked(session int64) []chan struct{} {
	var fired []chan struct{}
	for path, e := range s.nodes {
		if e.session == session {
			fired = append(fired, s.deleteLocked(path)...)
		}
	}
	return fired
}

func (s *Service) removeWatch(path string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.watches[path]
	for i, w := range list {
		if w == ch {
			s.watches[path] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.watches[path]) == 0 {
		delete(s.watches, path)
	}
}

func fire(chans []chan struct{}) {
	for _, ch := range chans {
		close(ch)
	}
}

func copyNode(n coordination.Node) coordination.Node {
	n.Data = append([]byte(nil), n.Data...)
	return n
}

// Client is one session on a Service.
type Client struct {
	svc     *Service
	states  chan coordination.SessionState
	session int64
	status  status
	expired bool // expired while suspended; reported on Heal
}

func (c *Client) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch c.status {
	case statusClosed:
		return coordination.ErrClosed
	case statusSuspended:
		return ErrSuspended
	}
	return nil
}

func (c *Client) CreateEphemeralSequential(ctx context.Context, dir string, data []byte) (coordination.Node, error) {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return coordination.Node{}, err
	}
	s.seq++
	node := coordination.Node{
		Path: fmt.Sprintf("%s/candidate-%010d", strings.TrimSuffix(dir, "/"), s.seq),
		Seq:  s.seq,
		Data: append([]byte(nil), data...),
	}
	s.nodes[node.Path] = entry{node: node, session: c.session}
	return copyNode(node), nil
}

func (c *Client) Delete(ctx context.Context, node coordination.Node) error {
	s := c.svc
	s.mu.Lock()
	if err := c.check(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	fired := s.deleteLocked(node.Path)
	s.mu.Unlock()
	fire(fired)
	return nil
}

func (c *Client) Children(ctx context.Context, dir string) ([]coordination.Node, error) {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return s.childrenLocked(dir), nil
}

func (c *Client) Watch(ctx context.Context, node coordination.Node) (<-chan struct{}, error) {
	s := c.svc
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	if _, ok := s.nodes[node.Path]; !ok {
		return coordination.ClosedWatch(), nil
	}
	ch := make(chan struct{})
	s.watches[node.Path] = append(s.watches[node.Path], ch)
	go func() {
		select {
		case <-ch:
		case <-ctx.Done():
			s.removeWatch(node.Path, ch)
		}
	}()
	return ch, nil
}

func (c *Client) States() <-chan coordination.SessionState {
	return c.states
}

// Close ends the session and removes its nodes.
func (c *Client) Close() error {
	s := c.svc
	s.mu.Lock()
	if c.status == statusClosed {
		s.mu.Unlock()
		return nil
	}
	c.status = statusClosed
	fired := s.dropSessionLocked(c.session)
	s.mu.Unlock()
	fire(fired)
	return nil
}

// Partition cuts the client off: it reports suspended and its requests fail,
// but its session and nodes survive until Expire.
func (c *Client) Partition() {
	s := c.svc
	s.mu.Lock()
	if c.status != statusConnected {
		s.mu.Unlock()
		return
	}
	c.status = statusSuspended
	s.mu.Unlock()
	c.states <- coordination.StateSuspended
}

// Expire ends the session on the service side, deleting its nodes. A
// connected client observes lost followed by reconnected on a new session;
// a partitioned client observes them on Heal.
func (c *Client) Expire() {
	s := c.svc
	s.mu.Lock()
	if c.status == statusClosed {
		s.mu.Unlock()
		return
	}
	fired := s.dropSessionLocked(c.session)
	var events []coordination.SessionState
	if c.status == statusSuspended {
		c.expired = true
	} else {
		s.nextSession++
		c.session = s.nextSession
		events = []coordination.SessionState{coordination.StateLost, coordination.StateReconnected}
	}
	s.mu.Unlock()
	// The client learns of the expiry before its watches fire.
	for _, ev := range events {
		c.states <- ev
	}
	fire(fired)
}

// Heal ends a partition.
func (c *Client) Heal() {
	s := c.svc
	s.mu.Lock()
	if c.status != statusSuspended {
		s.mu.Unlock()
		return
	}
	c.status = statusConnected
	events := []coordination.SessionState{coordination.StateReconnected}
	if c.expired {
		c.expired = false
		s.nextSession++
		c.session = s.nextSession
		events = []coordination.SessionState{coordination.StateLost, coordination.StateReconnected}
	}
	s.mu.Unlock()
	for _, ev := range events {
		c.states <- ev
	}
}
