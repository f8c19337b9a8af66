package endpoint

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/junbin-yang/coap-go/pkg/coap/message"
	log "github.com/junbin-yang/coap-go/pkg/utils/logger"
)

// State 交换状态
type State int32

const (
	StateSent      State = iota // 已发送，等待ACK或响应
	StateAcked                  // 收到空ACK，等待分离响应
	StateComplete               // 收到响应（或通知已被确认）
	StateTimedOut               // 重传耗尽或NON等待超时
	StateReset                  // 对端回复RST
	StateCancelled              // 调用方取消或端点关闭
)

var stateNames = [...]string{"SENT", "ACKED", "COMPLETE", "TIMED_OUT", "RESET", "CANCELLED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

type exchangeKind uint8

const (
	kindRequest exchangeKind = iota // 等待响应
	kindNotify                      // 服务端主动发送，ACK即完成
)

// Exchange 一次出站交换的句柄
type Exchange struct {
	ep      *Endpoint
	kind    exchangeKind
	peer    net.Addr
	midKey  string
	tokKey  string
	req     *message.Message
	data    []byte
	onFail  func(error)
	created time.Time

	mu      sync.Mutex
	state   State
	resp    *message.Message
	err     error
	done    chan struct{}
	timer   *time.Timer
	retries int
	timeout time.Duration
}

// Request 发送的报文
func (x *Exchange) Request() *message.Message { return x.req }

// Peer 对端地址
func (x *Exchange) Peer() net.Addr { return x.peer }

// Done 交换结束时关闭
func (x *Exchange) Done() <-chan struct{} { return x.done }

// State 当前状态
func (x *Exchange) State() State {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Result 结束后的响应和错误，未结束时返回(nil, nil)
func (x *Exchange) Result() (*message.Message, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.resp, x.err
}

// Wait 等待交换结束，ctx结束时取消交换
func (x *Exchange) Wait(ctx context.Context) (*message.Message, error) {
	select {
	case <-x.done:
		return x.Result()
	case <-ctx.Done():
		x.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel 取消交换，停止重传并释放关联
func (x *Exchange) Cancel() {
	x.complete(StateCancelled, nil, ErrCancelled)
}

// complete 结束交换，只有第一次调用生效
func (x *Exchange) complete(state State, resp *message.Message, err error) bool {
	x.mu.Lock()
	if x.finishedLocked() {
		x.mu.Unlock()
		return false
	}
	x.state = state
	x.resp = resp
	x.err = err
	if x.timer != nil {
		x.timer.Stop()
	}
	close(x.done)
	x.mu.Unlock()

	x.ep.unregister(x)
	if err != nil && x.onFail != nil && (state == StateReset || state == StateTimedOut) {
		x.onFail(err)
	}
	return true
}

func (x *Exchange) finishedLocked() bool {
	select {
	case <-x.done:
		return true
	default:
		return false
	}
}

// acked 收到空ACK
func (x *Exchange) acked() {
	x.mu.Lock()
	if x.finishedLocked() || x.state != StateSent {
		x.mu.Unlock()
		return
	}
	x.state = StateAcked
	if x.timer != nil {
		x.timer.Stop()
	}
	// 分离响应最长等待EXCHANGE_LIFETIME
	x.timer = time.AfterFunc(x.ep.params.ExchangeLifetime, func() {
		x.complete(StateTimedOut, nil, ErrTimeout)
	})
	x.mu.Unlock()
	x.ep.unregisterMID(x)
}

// retransmit 重传定时器回调，超时时间指数退避
func (x *Exchange) retransmit() {
	x.mu.Lock()
	if x.finishedLocked() || x.state != StateSent {
		x.mu.Unlock()
		return
	}
	if x.retries >= x.ep.params.MaxRetransmit {
		x.mu.Unlock()
		log.Debugf("[COAP_ENDPOINT] 报文 %d 重传%d次无响应，放弃", x.req.MessageID, x.retries)
		x.complete(StateTimedOut, nil, ErrTooManyRetries)
		return
	}
	x.retries++
	x.timeout *= 2
	x.timer.Reset(x.timeout)
	x.mu.Unlock()

	if err := x.ep.write(x.data, x.peer); err != nil {
		x.complete(StateTimedOut, nil, ErrNotDeliverable)
	}
}
