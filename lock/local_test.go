package lock

import (
	"context"
	"testing"
	"time"
)

func TestLocalLock_MutualExclusion(t *testing.T) {
	l := NewLocalLock()
	ctx := context.Background()

	ok, err := l.TryLock(ctx, "agent:1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("首次加锁应成功: ok=%v err=%v", ok, err)
	}

	// 同一 key 再次加锁应失败
	ok, err = l.TryLock(ctx, "agent:1", time.Minute)
	if err != nil {
		t.Fatalf("加锁出错: %v", err)
	}
	if ok {
		t.Error("锁被占用时 TryLock 应返回 false")
	}

	// 不同 key 互不影响
	ok, _ = l.TryLock(ctx, "agent:2", time.Minute)
	if !ok {
		t.Error("不同 key 应可并行加锁")
	}

	// 释放后可重新获取
	if err := l.Unlock(ctx, "agent:1"); err != nil {
		t.Fatalf("释放锁失败: %v", err)
	}
	ok, _ = l.TryLock(ctx, "agent:1", time.Minute)
	if !ok {
		t.Error("释放后应可重新加锁")
	}
}

func TestLocalLock_TTLExpiry(t *testing.T) {
	l := NewLocalLock()
	ctx := context.Background()

	ok, _ := l.TryLock(ctx, "agent:1", 10*time.Millisecond)
	if !ok {
		t.Fatal("首次加锁应成功")
	}

	time.Sleep(20 * time.Millisecond)

	// 过期后可被抢占
	ok, _ = l.TryLock(ctx, "agent:1", time.Minute)
	if !ok {
		t.Error("锁过期后应可被重新获取")
	}
}
