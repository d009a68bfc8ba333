package clock

import "time"

// Clock 抽象时间来源：节流、ping 过期、滚动冷却等定时行为都通过它拿时间和定时器，
// 测试里换成 Fake 即可精确推进时间。
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	// Stop 返回 true 表示定时器在触发前被取消
	Stop() bool
}

type realClock struct{}

func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
