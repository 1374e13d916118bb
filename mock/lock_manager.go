package mock

import (
	"context"

	"github.com/superfly/litedelta"
)

var _ litedelta.LockManager = (*LockManager)(nil)

type LockManager struct {
	CloseFunc      func() error
	AcquireFunc    func(ctx context.Context, key string, mode litedelta.LockMode, wait bool) error
	ReleaseFunc    func(ctx context.Context, key string) error
	ReadValueFunc  func(ctx context.Context, key string) (uint32, error)
	WriteValueFunc func(ctx context.Context, key string, value uint32) error
	WatchFunc      func(key string, fn func())
}

func (m *LockManager) Close() error {
	return m.CloseFunc()
}

func (m *LockManager) Type() string { return "mock" }

func (m *LockManager) Acquire(ctx context.Context, key string, mode litedelta.LockMode, wait bool) error {
	return m.AcquireFunc(ctx, key, mode, wait)
}

func (m *LockManager) Release(ctx context.Context, key string) error {
	return m.ReleaseFunc(ctx, key)
}

func (m *LockManager) ReadValue(ctx context.Context, key string) (uint32, error) {
	return m.ReadValueFunc(ctx, key)
}

func (m *LockManager) WriteValue(ctx context.Context, key string, value uint32) error {
	return m.WriteValueFunc(ctx, key, value)
}

func (m *LockManager) Watch(key string, fn func()) {
	if m.WatchFunc != nil {
		m.WatchFunc(key, fn)
	}
}
