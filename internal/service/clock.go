package service

import (
	"time"
)

// Clock 时钟抽象
// 生产环境用真实时间，测试注入可控时钟以确定性地验证 cutoff 和清理行为
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// NewRealClock 创建真实时钟
func NewRealClock() Clock {
	return realClock{}
}
