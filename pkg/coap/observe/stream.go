package observe

import (
	"sync"
	"time"

	"github.com/junbin-yang/coap-go/pkg/coap/message"
)

// FreshnessWindow 超过该时间的通知一律视为更新（RFC 7641 §3.4）
const FreshnessWindow = 128 * time.Second

// Notification 客户端收到的一条通知
type Notification struct {
	Message    *message.Message
	Body       []byte // 分块通知重组后的表示
	Seq        uint32
	HasSeq     bool
	ReceivedAt time.Time
}

// Fresher 判断(v2, t2)是否比(v1, t1)新
func Fresher(v1 uint32, t1 time.Time, v2 uint32, t2 time.Time) bool {
	const half = 1 << 23
	return (v1 < v2 && v2-v1 < half) ||
		(v1 > v2 && v1-v2 > half) ||
		t2.After(t1.Add(FreshnessWindow))
}

// Stream 按新鲜度顺序投递通知的客户端流
type Stream struct {
	ch     chan Notification
	done   chan struct{}
	sendMu sync.Mutex // 串行化发送与关闭通道

	mu       sync.Mutex
	started  bool
	lastSeq  uint32
	lastTime time.Time
	closed   bool
	ended    bool
}

// NewStream buffer为通道缓冲大小
func NewStream(buffer int) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	return &Stream{
		ch:   make(chan Notification, buffer),
		done: make(chan struct{}),
	}
}

// C 通知通道，流结束后关闭
func (s *Stream) C() <-chan Notification { return s.ch }

// Done 流结束时关闭
func (s *Stream) Done() <-chan struct{} { return s.done }

// Deliver 投递一条通知，过期或重复的序号被丢弃
// 没有Observe选项或非2.xx的通知投递后结束流
// 返回是否投递
func (s *Stream) Deliver(n Notification) bool {
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = time.Now()
	}
	if n.Message != nil && !n.HasSeq {
		n.Seq, n.HasSeq = n.Message.Observe()
	}
	final := n.Message == nil || !n.HasSeq || !n.Message.Code.IsSuccess()

	s.mu.Lock()
	if s.closed || s.ended {
		s.mu.Unlock()
		return false
	}
	if !final && s.started && !Fresher(s.lastSeq, s.lastTime, n.Seq, n.ReceivedAt) {
		s.mu.Unlock()
		return false
	}
	if n.HasSeq {
		s.started = true
		s.lastSeq = n.Seq
		s.lastTime = n.ReceivedAt
	}
	if final {
		s.ended = true
	}
	s.mu.Unlock()

	s.sendMu.Lock()
	select {
	case <-s.done:
		s.sendMu.Unlock()
		return false
	default:
	}
	select {
	case s.ch <- n:
	case <-s.done:
		s.sendMu.Unlock()
		return false
	}
	s.sendMu.Unlock()
	if final {
		s.Close()
	}
	return true
}

// Ended 是否已收到终止通知
func (s *Stream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended || s.closed
}

// Close 结束流，重复调用无副作用
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)

	s.sendMu.Lock()
	close(s.ch)
	s.sendMu.Unlock()
}
