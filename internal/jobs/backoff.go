package jobs

import "time"

// Backoff 指数退避：base * 2^attempts，上限 max
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay 第 attempts 次失败后的等待时长
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	d := b.Base
	for i := 0; i < attempts; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
