package common

import (
	"sync"
	"time"
)

// Clock 可注入的时间源
type Clock interface {
	Now() time.Time
}

// SystemClock 返回 UTC 当前时间
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FakeClock 测试用时钟，只在显式调用 Set/Advance 时前进
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock 创建固定在 t 的时钟
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set 设置当前时间
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Advance 时间前进 d
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
