package endpoint

import (
	"errors"
	"math/rand"
	"time"
)

// 传输参数默认值（RFC 7252 §4.8）
const (
	DefaultAckTimeout       = 2 * time.Second
	DefaultAckRandomFactor  = 1.5
	DefaultMaxRetransmit    = 4
	DefaultExchangeLifetime = 247 * time.Second
	DefaultNonLifetime      = 145 * time.Second
	DefaultSeparateAfter    = time.Second
)

// 交换结果错误，文本与对外的状态字符串一致
var (
	ErrReset          = errors.New("RST")
	ErrTooManyRetries = errors.New("TOO MANY RETRIES")
	ErrNotDeliverable = errors.New("NOT DELIVERABLE")
	ErrTimeout        = errors.New("TIMEOUT")
	ErrCancelled      = errors.New("exchange cancelled")
	ErrClosed         = errors.New("endpoint closed")
	ErrInvalidMessage = errors.New("invalid message")
)

// Params 可靠传输参数
type Params struct {
	AckTimeout       time.Duration
	AckRandomFactor  float64
	MaxRetransmit    int
	ExchangeLifetime time.Duration // 去重缓存保留时间
	NonLifetime      time.Duration // NON请求等待响应的时间
	SeparateAfter    time.Duration // 处理超过该时间改为分离响应
}

// DefaultParams 返回RFC默认参数
func DefaultParams() Params {
	return Params{
		AckTimeout:       DefaultAckTimeout,
		AckRandomFactor:  DefaultAckRandomFactor,
		MaxRetransmit:    DefaultMaxRetransmit,
		ExchangeLifetime: DefaultExchangeLifetime,
		NonLifetime:      DefaultNonLifetime,
		SeparateAfter:    DefaultSeparateAfter,
	}
}

// withDefaults 零值字段使用默认值
func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.AckTimeout <= 0 {
		p.AckTimeout = d.AckTimeout
	}
	if p.AckRandomFactor < 1 {
		p.AckRandomFactor = d.AckRandomFactor
	}
	if p.MaxRetransmit < 0 {
		p.MaxRetransmit = d.MaxRetransmit
	}
	if p.ExchangeLifetime <= 0 {
		p.ExchangeLifetime = d.ExchangeLifetime
	}
	if p.NonLifetime <= 0 {
		p.NonLifetime = d.NonLifetime
	}
	if p.SeparateAfter <= 0 {
		p.SeparateAfter = d.SeparateAfter
	}
	return p
}

// initialTimeout 首次重传超时，在[ACK_TIMEOUT, ACK_TIMEOUT*ACK_RANDOM_FACTOR]内随机
func (p Params) initialTimeout() time.Duration {
	span := float64(p.AckTimeout) * (p.AckRandomFactor - 1)
	return p.AckTimeout + time.Duration(rand.Float64()*span)
}

// MaxTransmitWait 最后一次重传后等待ACK的上限
func (p Params) MaxTransmitWait() time.Duration {
	return time.Duration(float64(p.AckTimeout) * float64(int(1)<<(p.MaxRetransmit+1)-1) * p.AckRandomFactor)
}
