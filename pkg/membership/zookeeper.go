// Package membership announces this node in ZooKeeper and keeps the raft
// peer address book in line with the registered members.
package membership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

// Member is one registered node.
type Member struct {
	ID   uint64
	Addr string
}

// PeerBook receives address changes for known members.
type PeerBook interface {
	UpdatePeer(id uint64, addr string)
}

type zkConn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	State() zk.State
	Close()
}

type ZKMembership struct {
	conn     zkConn
	rootPath string
	self     Member

	retryDelay time.Duration

	mu    sync.Mutex
	known map[uint64]string
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath string, self Member, sessionTimeout time.Duration) (*ZKMembership, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return newMembership(conn, rootPath, self), nil
}

func newMembership(conn zkConn, rootPath string, self Member) *ZKMembership {
	return &ZKMembership{
		conn:       conn,
		rootPath:   strings.TrimSuffix(rootPath, "/"),
		self:       self,
		retryDelay: 2 * time.Second,
		known:      make(map[uint64]string),
	}
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) nodesPath() string {
	return m.rootPath + "/nodes"
}

func (m *ZKMembership) ensurePath(path string) error {
	cur := ""
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf creates the ephemeral node for this member.
func (m *ZKMembership) RegisterSelf() error {
	if err := m.waitConnected(10 * time.Second); err != nil {
		return err
	}

	if err := m.ensurePath(m.nodesPath()); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	nodePath := m.nodesPath() + "/" + memberNode(m.self)
	_, err := m.conn.Create(nodePath, nil, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && !errors.Is(err, zk.ErrNodeExists) {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered in zookeeper", "path", nodePath)
	return nil
}

// Members lists the registered nodes. Malformed children are skipped.
func (m *ZKMembership) Members() ([]Member, error) {
	children, _, err := m.conn.Children(m.nodesPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return parseMembers(children), nil
}

// RunWatch follows the members list and pushes address changes of other
// members into book until ctx ends.
func (m *ZKMembership) RunWatch(ctx context.Context, book PeerBook) {
	go func() {
		for {
			children, _, ch, err := m.conn.ChildrenW(m.nodesPath())
			if err != nil {
				slog.Warn("zk watch failed", "error", err)
				select {
				case <-time.After(m.retryDelay):
					continue
				case <-ctx.Done():
					return
				}
			}

			m.apply(parseMembers(children), book)

			select {
			case ev := <-ch:
				slog.Debug("zk event", "type", ev.Type, "path", ev.Path)
			case <-ctx.Done():
				slog.Info("zk watch stopped")
				return
			}
		}
	}()
}

func (m *ZKMembership) apply(members []Member, book PeerBook) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, mem := range members {
		if mem.ID == m.self.ID || m.known[mem.ID] == mem.Addr {
			continue
		}
		m.known[mem.ID] = mem.Addr
		book.UpdatePeer(mem.ID, mem.Addr)
	}
}

func (m *ZKMembership) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// memberNode is the znode name: "<id>@<escaped addr>".
func memberNode(mem Member) string {
	return strconv.FormatUint(mem.ID, 10) + "@" + url.PathEscape(mem.Addr)
}

func parseMember(name string) (Member, error) {
	id, addr, ok := strings.Cut(name, "@")
	if !ok {
		return Member{}, fmt.Errorf("member %q: missing '@'", name)
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return Member{}, fmt.Errorf("member %q: %w", name, err)
	}
	a, err := url.PathUnescape(addr)
	if err != nil || a == "" {
		return Member{}, fmt.Errorf("member %q: bad address", name)
	}
	return Member{ID: n, Addr: a}, nil
}

func parseMembers(children []string) []Member {
	out := make([]Member, 0, len(children))
	for _, c := range children {
		mem, err := parseMember(c)
		if err != nil {
			slog.Warn("ignoring zk member", "error", err)
			continue
		}
		out = append(out, mem)
	}
	return out
}
