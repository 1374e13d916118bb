package zk

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
	"github.com/superfly/litedelta"
)

// Default connection settings.
const (
	DefaultPrefix         = "/litedelta"
	DefaultSessionTimeout = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

var _ litedelta.LockManager = (*LockManager)(nil)

// LockManager implements the cross-process lock table with the ZooKeeper
// shared lock recipe. Every request is an ephemeral sequential node under
// "<prefix>/<key>/locks". A shared request is granted once no earlier
// exclusive request exists; an exclusive request once no earlier request
// exists. The persisted value lives in "<prefix>/<key>/value".
type LockManager struct {
	servers []string
	conn    *zk.Conn
	owner   string // unique per manager, embedded in node names

	mu      sync.Mutex
	held    map[string]heldLock
	watches map[string]func()

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	// Root node that every key is placed under.
	Prefix string

	// ZooKeeper session timeout. Ephemeral nodes are removed after it lapses.
	SessionTimeout time.Duration
}

type heldLock struct {
	mode litedelta.LockMode
	node string
}

// NewLockManager returns a new instance of LockManager for a comma-separated server list.
func NewLockManager(servers []string) *LockManager {
	m := &LockManager{
		servers:        servers,
		owner:          strings.ReplaceAll(uuid.New().String(), "-", ""),
		held:           make(map[string]heldLock),
		watches:        make(map[string]func()),
		Prefix:         DefaultPrefix,
		SessionTimeout: DefaultSessionTimeout,
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// ParseURL returns the servers & prefix of a "zk://host1:2181,host2:2181/prefix" URL.
func ParseURL(s string) (servers []string, prefix string, err error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, "", err
	} else if u.Scheme != "zk" && u.Scheme != "zookeeper" {
		return nil, "", fmt.Errorf("invalid zookeeper url scheme: %q", u.Scheme)
	} else if u.Host == "" {
		return nil, "", fmt.Errorf("zookeeper url requires at least one server")
	}

	servers = strings.Split(u.Host, ",")
	if prefix = strings.TrimSuffix(u.Path, "/"); prefix == "" {
		prefix = DefaultPrefix
	}
	return servers, prefix, nil
}

// Open connects to the ensemble and waits for a session.
func (m *LockManager) Open() (err error) {
	if m.conn, _, err = zk.Connect(m.servers, m.SessionTimeout, zk.WithLogger(zkLogger{})); err != nil {
		return fmt.Errorf("zk connect: %w", err)
	}
	if err := m.waitConnected(DefaultConnectTimeout); err != nil {
		m.conn.Close()
		return err
	}
	return m.ensurePath(m.Prefix)
}

// Close stops watches and closes the session, removing every lock node.
func (m *LockManager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		if m.conn != nil {
			m.conn.Close()
		}
	})
	m.wg.Wait()
	return nil
}

// Type returns "zookeeper".
func (m *LockManager) Type() string { return "zookeeper" }

func (m *LockManager) keyPath(key string) string   { return path.Join(m.Prefix, key) }
func (m *LockManager) locksPath(key string) string { return path.Join(m.Prefix, key, "locks") }

// Acquire obtains key in mode. A held mode is released before the new request
// is queued.
func (m *LockManager) Acquire(ctx context.Context, key string, mode litedelta.LockMode, wait bool) (err error) {
	defer func() {
		litedelta.TraceLog.Printf("[ZKAcquire(%s)]: mode=%s wait=%v %s", key, mode, wait, errorKeyValue(err))
	}()

	m.mu.Lock()
	prev, ok := m.held[key]
	m.mu.Unlock()
	if ok && prev.mode == mode {
		return nil
	} else if ok {
		if err := m.Release(ctx, key); err != nil {
			return err
		}
	}

	if err := m.ensurePath(m.locksPath(key)); err != nil {
		return err
	}

	node, err := m.conn.Create(
		path.Join(m.locksPath(key), nodePrefix(mode)+m.owner+"-"),
		nil, zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll),
	)
	if err != nil {
		return fmt.Errorf("create lock node: %w", err)
	}
	name := path.Base(node)

	for {
		children, _, ch, err := m.conn.ChildrenW(m.locksPath(key))
		if err != nil {
			m.deleteNode(node)
			return fmt.Errorf("list lock nodes: %w", err)
		}

		if granted(children, name, m.owner) {
			m.mu.Lock()
			m.held[key] = heldLock{mode: mode, node: node}
			m.mu.Unlock()
			return nil
		} else if !wait {
			m.deleteNode(node)
			return litedelta.ErrLockConflict
		}

		select {
		case <-ctx.Done():
			m.deleteNode(node)
			return ctx.Err()
		case <-ch:
		}
	}
}

// Release gives up any mode held on key.
func (m *LockManager) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	h, ok := m.held[key]
	delete(m.held, key)
	m.mu.Unlock()

	if !ok {
		return nil
	} else if err := m.conn.Delete(h.node, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("delete lock node: %w", err)
	}
	litedelta.TraceLog.Printf("[ZKRelease(%s)]: node=%s", key, h.node)
	return nil
}

func (m *LockManager) deleteNode(node string) {
	if err := m.conn.Delete(node, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		log.Printf("zk lock node delete error: node=%s err=%s", node, err)
	}
}

// ReadValue returns the value persisted on key. Returns zero if unset.
func (m *LockManager) ReadValue(ctx context.Context, key string) (uint32, error) {
	data, _, err := m.conn.Get(path.Join(m.keyPath(key), "value"))
	if errors.Is(err, zk.ErrNoNode) {
		return 0, nil
	} else if err != nil {
		return 0, err
	} else if len(data) != 4 {
		return 0, fmt.Errorf("invalid lock value size on %q: %d", key, len(data))
	}
	return binary.BigEndian.Uint32(data), nil
}

// WriteValue persists value on key. The manager must hold key exclusively.
func (m *LockManager) WriteValue(ctx context.Context, key string, value uint32) error {
	m.mu.Lock()
	h := m.held[key]
	m.mu.Unlock()
	if h.mode != litedelta.LockModeExclusive {
		return fmt.Errorf("cannot write lock value on %q: held in %s mode", key, h.mode)
	}

	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, value)

	valuePath := path.Join(m.keyPath(key), "value")
	if _, err := m.conn.Set(valuePath, data, -1); errors.Is(err, zk.ErrNoNode) {
		_, err = m.conn.Create(valuePath, data, 0, zk.WorldACL(zk.PermAll))
		return err
	} else if err != nil {
		return err
	}
	return nil
}

// Watch calls fn whenever another manager queues a request on key that
// conflicts with the mode held by this manager.
func (m *LockManager) Watch(key string, fn func()) {
	m.mu.Lock()
	_, exists := m.watches[key]
	m.watches[key] = fn
	m.mu.Unlock()

	if !exists {
		m.wg.Add(1)
		go func() { defer m.wg.Done(); m.monitorRequests(m.ctx, key) }()
	}
}

func (m *LockManager) monitorRequests(ctx context.Context, key string) {
	if err := m.ensurePath(m.locksPath(key)); err != nil && ctx.Err() == nil {
		log.Printf("zk watch setup error: key=%s err=%s", key, err)
	}

	for {
		children, _, ch, err := m.conn.ChildrenW(m.locksPath(key))
		if ctx.Err() != nil {
			return
		} else if err != nil {
			log.Printf("zk lock watch error, retrying: key=%s err=%s", key, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		m.mu.Lock()
		h, fn := m.held[key], m.watches[key]
		m.mu.Unlock()

		if h.mode != litedelta.LockModeNone && fn != nil && hasConflictingRequest(children, m.owner, h.mode) {
			fn()
		}

		select {
		case <-ctx.Done():
			return
		case <-ch:
		}
	}
}

func (m *LockManager) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		if _, err := m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("create %q: %w", cur, err)
		}
	}
	return nil
}

func (m *LockManager) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if st := m.conn.State(); st == zk.StateHasSession {
			return nil
		} else if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// lockNode is a parsed lock node name: "<mode>-<owner>-<seq>".
type lockNode struct {
	mode  litedelta.LockMode
	owner string
	seq   string
}

func nodePrefix(mode litedelta.LockMode) string {
	if mode == litedelta.LockModeExclusive {
		return "write-"
	}
	return "read-"
}

func parseLockNode(name string) (lockNode, bool) {
	a := strings.Split(name, "-")
	if len(a) != 3 {
		return lockNode{}, false
	}

	n := lockNode{owner: a[1], seq: a[2]}
	switch a[0] {
	case "read":
		n.mode = litedelta.LockModeShared
	case "write":
		n.mode = litedelta.LockModeExclusive
	default:
		return lockNode{}, false
	}
	return n, true
}

// sortedLockNodes returns parsed nodes ordered by sequence number.
func sortedLockNodes(children []string) []lockNode {
	nodes := make([]lockNode, 0, len(children))
	for _, name := range children {
		if n, ok := parseLockNode(name); ok {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].seq < nodes[j].seq })
	return nodes
}

// granted returns true if no earlier node of another owner conflicts with name.
func granted(children []string, name, owner string) bool {
	self, ok := parseLockNode(name)
	if !ok {
		return false
	}

	for _, n := range sortedLockNodes(children) {
		if n.seq >= self.seq {
			break
		} else if n.owner == owner {
			continue
		}
		if self.mode == litedelta.LockModeExclusive || n.mode == litedelta.LockModeExclusive {
			return false
		}
	}
	return true
}

// hasConflictingRequest returns true if another owner has a node whose mode
// is incompatible with held.
func hasConflictingRequest(children []string, owner string, held litedelta.LockMode) bool {
	for _, n := range sortedLockNodes(children) {
		if n.owner == owner {
			continue
		}
		if held == litedelta.LockModeExclusive || n.mode == litedelta.LockModeExclusive {
			return true
		}
	}
	return false
}

type zkLogger struct{}

func (zkLogger) Printf(format string, args ...any) {
	litedelta.TraceLog.Printf("[ZK]: "+format, args...)
}

func errorKeyValue(err error) string {
	if err == nil {
		return ""
	}
	return "err=" + err.Error()
}
