// Package resources 提供一组自带状态的示例资源，供coap-cli serve和集成测试使用
package resources

import (
	"sync"

	"github.com/junbin-yang/coap-go/pkg/coap/message"
	"github.com/junbin-yang/coap-go/pkg/coap/server"
	log "github.com/junbin-yang/coap-go/pkg/utils/logger"
)

// Notifier 资源状态变化时通知服务端，*server.Server实现了该接口
type Notifier interface {
	NotifyChanged(path string) error
}

func notify(n Notifier, path string) {
	if n == nil {
		return
	}
	if err := n.NotifyChanged(path); err != nil {
		log.Warnf("[COAP_RESOURCE] 通知 /%s 变化失败: %v", path, err)
	}
}

// InfoText Info资源的固定内容
const InfoText = "Welcome from Artik CoAP Server Test"

// Info 只读的欢迎信息
type Info struct{}

func (Info) Get(req *server.Request) *server.Response {
	return server.TextResponse(message.Content, InfoText)
}

// Resource 路径/info
func (i Info) Resource() *server.Resource {
	return &server.Resource{
		Path: "info",
		Attributes: []server.Attribute{
			{Name: "ct", Value: "0"},
			{Name: "title", Value: "General Info"},
		},
		Handler: i,
	}
}

// PutPolicy 对空缓冲区PUT时的行为
type PutPolicy int

const (
	PutOnEmptyUnauthorized PutPolicy = iota // 4.01，要求先POST
	PutOnEmptyCreates                       // 2.01，直接创建
)

const (
	// MaxBufferLen Buffer可接受的最大负载
	MaxBufferLen = 256

	MsgTooLong    = "The length must be inferior to 256"
	MsgNotCreated = "The resource is not created (do POST before)"
)

// Buffer 可观察的文本缓冲区
type Buffer struct {
	path     string
	policy   PutPolicy
	notifier Notifier

	mu   sync.Mutex
	data []byte
}

// NewBuffer 创建缓冲区资源
// 参数：
//   - path：资源路径，通常为"test"
//   - policy：对空缓冲区PUT的处理策略
//   - n：状态变化时调用，可为nil
func NewBuffer(path string, policy PutPolicy, n Notifier) *Buffer {
	return &Buffer{path: path, policy: policy, notifier: n}
}

// SetNotifier 设置通知者，用于先创建资源后创建服务端的场景
func (b *Buffer) SetNotifier(n Notifier) {
	b.mu.Lock()
	b.notifier = n
	b.mu.Unlock()
}

// Value 当前内容
func (b *Buffer) Value() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

func (b *Buffer) Resource() *server.Resource {
	return &server.Resource{
		Path:       b.path,
		Observable: true,
		Attributes: []server.Attribute{
			{Name: "ct", Value: "0"},
			{Name: "title", Value: "Internal Buffer"},
			{Name: "rt", Value: "Data"},
			{Name: "if", Value: "buffer"},
		},
		Handler: b,
	}
}

func (b *Buffer) Get(req *server.Request) *server.Response {
	return server.TextResponse(message.Content, string(b.Value()))
}

func (b *Buffer) Post(req *server.Request) *server.Response {
	if len(req.Payload()) > MaxBufferLen {
		return server.TextResponse(message.Unauthorized, MsgTooLong)
	}
	code := b.store(req.Payload(), true)
	return server.NewResponse(code, nil)
}

func (b *Buffer) Put(req *server.Request) *server.Response {
	if len(req.Payload()) > MaxBufferLen {
		return server.TextResponse(message.Unauthorized, MsgTooLong)
	}
	code := b.store(req.Payload(), b.policy == PutOnEmptyCreates)
	if code == message.Unauthorized {
		return server.TextResponse(code, MsgNotCreated)
	}
	return server.NewResponse(code, nil)
}

// store 写入内容；缓冲区为空且不允许创建时返回4.01
func (b *Buffer) store(data []byte, create bool) message.Code {
	b.mu.Lock()
	code := message.Changed
	if len(b.data) == 0 {
		if !create {
			b.mu.Unlock()
			return message.Unauthorized
		}
		code = message.Created
	}
	b.data = append([]byte(nil), data...)
	n := b.notifier
	b.mu.Unlock()

	notify(n, b.path)
	return code
}

// Delete 清空缓冲区；观察者只收到服务端在2.02之后发出的4.04
func (b *Buffer) Delete(req *server.Request) *server.Response {
	b.mu.Lock()
	b.data = nil
	b.mu.Unlock()
	return server.NewResponse(message.Deleted, nil)
}
