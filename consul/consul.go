package consul

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/superfly/litedelta"
)

// Default session settings.
const (
	DefaultSessionName = "litedelta"
	DefaultTTL         = 10 * time.Second
	DefaultLockDelay   = 0
	DefaultRetryDelay  = 50 * time.Millisecond
	DefaultWaitTime    = 10 * time.Second
)

var _ litedelta.LockManager = (*LockManager)(nil)

// LockManager implements a cross-process reader/writer lock table on Consul.
//
// Each key is a directory in the KV store. Holders are recorded under
// "holders/<session>" and waiting requests under "requests/<session>", both
// locked by this manager's session so they disappear when the process dies.
// Grants are serialized by briefly holding the "guard" key. The persisted
// value lives at "value".
type LockManager struct {
	consulURL string
	client    *api.Client
	sessionID string

	mu      sync.Mutex
	held    map[string]litedelta.LockMode
	watches map[string]func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// SessionName is the name associated with the Consul session.
	SessionName string

	// Prefix that is prepended to every key. Automatically set if the URL contains a path.
	KeyPrefix string

	// TTL is the time until the session expires if it is not renewed.
	TTL time.Duration

	// LockDelay is the time after a session is invalidated before its keys can be reacquired.
	LockDelay time.Duration

	// RetryDelay is the wait between attempts to obtain the guard key.
	RetryDelay time.Duration
}

// NewLockManager returns a new instance of LockManager.
func NewLockManager(consulURL string) *LockManager {
	m := &LockManager{
		consulURL:   consulURL,
		held:        make(map[string]litedelta.LockMode),
		watches:     make(map[string]func()),
		SessionName: DefaultSessionName,
		TTL:         DefaultTTL,
		LockDelay:   DefaultLockDelay,
		RetryDelay:  DefaultRetryDelay,
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Open initializes the Consul client and creates the session.
func (m *LockManager) Open() error {
	u, err := url.Parse(m.consulURL)
	if err != nil {
		return err
	}

	config := api.DefaultConfig()
	config.HttpClient = http.DefaultClient
	config.Address = u.Host
	config.Scheme = u.Scheme
	if u.User != nil {
		config.Token, _ = u.User.Password()
	}
	if v := strings.TrimPrefix(u.Path, "/"); v != "" {
		m.KeyPrefix = v
	}

	if m.client, err = api.NewClient(config); err != nil {
		return err
	}

	// Register a node that is shared by all instances.
	if nodeName := m.NodeName(); nodeName != "" {
		if _, err := m.client.Catalog().Register(&api.CatalogRegistration{
			Node:    nodeName,
			Address: "localhost", // not used
		}, nil); err != nil {
			return fmt.Errorf("register node %q: %w", nodeName, err)
		}
	}

	if m.sessionID, _, err = m.client.Session().CreateNoChecks(&api.SessionEntry{
		Node:      m.NodeName(),
		Name:      m.SessionName,
		Behavior:  api.SessionBehaviorDelete,
		LockDelay: m.LockDelay,
		TTL:       m.TTL.String(),
	}, nil); err != nil {
		return fmt.Errorf("create consul session: %w", err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.client.Session().RenewPeriodic(m.TTL.String(), m.sessionID, nil, m.ctx.Done()); err != nil && m.ctx.Err() == nil {
			log.Printf("consul session renewal stopped: session=%s err=%s", m.sessionID, err)
		}
	}()

	return nil
}

// Close stops watches and destroys the session, releasing every lock.
func (m *LockManager) Close() (err error) {
	m.cancel()
	m.wg.Wait()

	if m.client != nil && m.sessionID != "" {
		_, err = m.client.Session().Destroy(m.sessionID, nil)
	}
	return err
}

// Type returns "consul".
func (m *LockManager) Type() string { return "consul" }

// SessionID returns the Consul session that owns this manager's locks.
func (m *LockManager) SessionID() string { return m.sessionID }

// NodeName returns a name for a node based on the key prefix.
func (m *LockManager) NodeName() string {
	if m.KeyPrefix == "" {
		return ""
	}
	return path.Join(m.KeyPrefix, "litedelta")
}

func (m *LockManager) kvDir(key string) string { return path.Join(m.KeyPrefix, key) }

func (m *LockManager) holdersPrefix(key string) string  { return m.kvDir(key) + "/holders/" }
func (m *LockManager) requestsPrefix(key string) string { return m.kvDir(key) + "/requests/" }

// Acquire obtains key in mode, converting any mode already held.
func (m *LockManager) Acquire(ctx context.Context, key string, mode litedelta.LockMode, wait bool) (err error) {
	defer func() {
		litedelta.TraceLog.Printf("[ConsulAcquire(%s)]: mode=%s wait=%v %s", key, mode, wait, errorKeyValue(err))
	}()

	requested := false
	defer func() {
		if requested {
			m.deleteOwnKey(m.requestsPrefix(key) + m.sessionID)
		}
	}()

	var waitIndex uint64
	for {
		ok, index, err := m.tryGrant(ctx, key, mode)
		if err != nil {
			return err
		} else if ok {
			m.mu.Lock()
			m.held[key] = mode
			m.mu.Unlock()
			return nil
		} else if !wait {
			return litedelta.ErrLockConflict
		}

		// Publish the request on every failed attempt so holders that regained
		// the lock in the meantime are notified again through their watches.
		if err := m.publishRequest(ctx, key, mode); err != nil {
			return err
		}
		requested = true

		// Block until the holder set changes.
		if waitIndex < index {
			waitIndex = index
		}
		_, meta, err := m.client.KV().List(m.holdersPrefix(key), (&api.QueryOptions{
			WaitIndex: waitIndex,
			WaitTime:  DefaultWaitTime,
		}).WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		waitIndex = meta.LastIndex
	}
}

// publishRequest writes the request key of this session for key. Rewriting
// an existing request bumps its modify index, which wakes watching holders.
func (m *LockManager) publishRequest(ctx context.Context, key string, mode litedelta.LockMode) error {
	acquired, _, err := m.client.KV().Acquire(&api.KVPair{
		Key:     m.requestsPrefix(key) + m.sessionID,
		Value:   []byte{byte(mode)},
		Session: m.sessionID,
	}, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("publish lock request: %w", err)
	} else if !acquired {
		return fmt.Errorf("cannot publish lock request on %q", key)
	}
	return nil
}

// tryGrant records this session as a holder of key if no other session holds
// a conflicting mode. Returns the index of the holder listing on conflict.
func (m *LockManager) tryGrant(ctx context.Context, key string, mode litedelta.LockMode) (ok bool, index uint64, err error) {
	release, err := m.lockGuard(ctx, key)
	if err != nil {
		return false, 0, err
	}
	defer release()

	pairs, meta, err := m.client.KV().List(m.holdersPrefix(key), (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return false, 0, fmt.Errorf("list lock holders: %w", err)
	}
	if conflicts(pairs, m.sessionID, mode) {
		return false, meta.LastIndex, nil
	}

	if acquired, _, err := m.client.KV().Acquire(&api.KVPair{
		Key:     m.holdersPrefix(key) + m.sessionID,
		Value:   []byte{byte(mode)},
		Session: m.sessionID,
	}, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return false, 0, fmt.Errorf("record lock holder: %w", err)
	} else if !acquired {
		return false, 0, fmt.Errorf("cannot record lock holder on %q", key)
	}
	return true, 0, nil
}

// lockGuard obtains the guard key for key, retrying until it is free.
func (m *LockManager) lockGuard(ctx context.Context, key string) (release func(), err error) {
	guardKey := m.kvDir(key) + "/guard"
	for {
		acquired, _, err := m.client.KV().Acquire(&api.KVPair{
			Key:     guardKey,
			Session: m.sessionID,
		}, (&api.WriteOptions{}).WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("acquire lock guard: %w", err)
		} else if acquired {
			return func() {
				if _, _, err := m.client.KV().Release(&api.KVPair{Key: guardKey, Session: m.sessionID}, nil); err != nil {
					log.Printf("consul guard release error: key=%s session=%s err=%s", guardKey, m.sessionID, err)
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.RetryDelay):
		}
	}
}

// Release gives up any mode held on key.
func (m *LockManager) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	_, ok := m.held[key]
	delete(m.held, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	holderKey := m.holdersPrefix(key) + m.sessionID
	if _, _, err := m.client.KV().Release(&api.KVPair{Key: holderKey, Session: m.sessionID}, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("release lock holder: %w", err)
	} else if _, err := m.client.KV().Delete(holderKey, (&api.WriteOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("delete lock holder: %w", err)
	}
	litedelta.TraceLog.Printf("[ConsulRelease(%s)]: session=%s", key, m.sessionID)
	return nil
}

func (m *LockManager) deleteOwnKey(k string) {
	if _, _, err := m.client.KV().Release(&api.KVPair{Key: k, Session: m.sessionID}, nil); err != nil {
		log.Printf("consul key release error: key=%s session=%s", k, m.sessionID)
	}
	if _, err := m.client.KV().Delete(k, nil); err != nil {
		log.Printf("consul key delete error: key=%s session=%s", k, m.sessionID)
	}
}

// ReadValue returns the value persisted on key. Returns zero if unset.
func (m *LockManager) ReadValue(ctx context.Context, key string) (uint32, error) {
	kv, _, err := m.client.KV().Get(m.kvDir(key)+"/value", (&api.QueryOptions{RequireConsistent: true}).WithContext(ctx))
	if err != nil {
		return 0, err
	} else if kv == nil {
		return 0, nil
	} else if len(kv.Value) != 4 {
		return 0, fmt.Errorf("invalid lock value size on %q: %d", key, len(kv.Value))
	}
	return binary.BigEndian.Uint32(kv.Value), nil
}

// WriteValue persists value on key. The session must hold key exclusively.
func (m *LockManager) WriteValue(ctx context.Context, key string, value uint32) error {
	m.mu.Lock()
	mode := m.held[key]
	m.mu.Unlock()
	if mode != litedelta.LockModeExclusive {
		return fmt.Errorf("cannot write lock value on %q: held in %s mode", key, mode)
	}

	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, value)
	_, err := m.client.KV().Put(&api.KVPair{Key: m.kvDir(key) + "/value", Value: buf}, (&api.WriteOptions{}).WithContext(ctx))
	return err
}

// Watch calls fn whenever another session requests a mode on key that
// conflicts with the mode held by this session.
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

// monitorRequests runs blocking queries on the request directory of key.
func (m *LockManager) monitorRequests(ctx context.Context, key string) {
	var waitIndex uint64
	for {
		pairs, meta, err := m.client.KV().List(m.requestsPrefix(key), (&api.QueryOptions{
			WaitIndex: waitIndex,
			WaitTime:  DefaultWaitTime,
		}).WithContext(ctx))
		if ctx.Err() != nil {
			return
		} else if err != nil {
			log.Printf("consul lock request watch error, retrying: key=%s err=%s", key, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		waitIndex = meta.LastIndex

		m.mu.Lock()
		held, fn := m.held[key], m.watches[key]
		m.mu.Unlock()

		if held != litedelta.LockModeNone && fn != nil && conflicts(pairs, m.sessionID, held) {
			fn()
		}
	}
}

// conflicts returns true if any other session's entry is incompatible with mode.
func conflicts(pairs api.KVPairs, sessionID string, mode litedelta.LockMode) bool {
	for _, p := range pairs {
		if p.Session == "" || p.Session == sessionID || len(p.Value) != 1 {
			continue
		}
		if mode == litedelta.LockModeExclusive || litedelta.LockMode(p.Value[0]) == litedelta.LockModeExclusive {
			return true
		}
	}
	return false
}

func errorKeyValue(err error) string {
	if err == nil {
		return ""
	} else if errors.Is(err, context.Canceled) {
		return "err=canceled"
	}
	return "err=" + err.Error()
}
