package lock

import (
	"context"
	"sync"
	"time"
)

// LocalLock 进程内互斥锁（单实例模式）
// 每个 key 记录持有状态和过期时间，过期后可被抢占
type LocalLock struct {
	mu   sync.Mutex
	held map[string]time.Time // key -> 过期时间
}

// NewLocalLock 创建本地锁
func NewLocalLock() *LocalLock {
	return &LocalLock{
		held: make(map[string]time.Time),
	}
}

// TryLock 尝试获取锁，立即返回
func (l *LocalLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if expiry, ok := l.held[key]; ok && now.Before(expiry) {
		return false, nil
	}

	l.held[key] = now.Add(ttl)
	return true, nil
}

// Unlock 释放锁
func (l *LocalLock) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

// Extend 延长锁的过期时间
func (l *LocalLock) Extend(ctx context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		l.held[key] = time.Now().Add(ttl)
	}
	return nil
}

// Close 关闭（本地锁无资源可释放）
func (l *LocalLock) Close() error {
	return nil
}
