package server

import (
	"bytes"
	"net"
	"strings"

	"github.com/junbin-yang/coap-go/pkg/coap/message"
)

// Attribute 资源的link-format属性，例如 ct=0、title="..."、rt="..."
type Attribute struct {
	Name  string
	Value string
}

// NotifType 资源的Observe通知类型
type NotifType uint8

const (
	NotifyAsRequest      NotifType = iota // 与注册GET的类型相同
	NotifyConfirmable                     // 总是CON
	NotifyNonConfirmable                  // 总是NON（每24条插入一条CON）
)

// typeFor 注册请求类型为reg时通知使用的报文类型
func (n NotifType) typeFor(reg message.Type) message.Type {
	switch n {
	case NotifyConfirmable:
		return message.Confirmable
	case NotifyNonConfirmable:
		return message.NonConfirmable
	}
	if reg == message.NonConfirmable {
		return message.NonConfirmable
	}
	return message.Confirmable
}

// Resource 一个CoAP资源
// Handler 实现 Getter/Poster/Putter/Deleter 中的任意几个，未实现的方法回复4.05
type Resource struct {
	Path       string
	NotifType  NotifType
	Observable bool
	Attributes []Attribute
	Handler    interface{}
}

// Attribute 查找属性
func (r *Resource) Attribute(name string) (string, bool) {
	for _, a := range r.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

type Getter interface {
	Get(req *Request) *Response
}

type Poster interface {
	Post(req *Request) *Response
}

type Putter interface {
	Put(req *Request) *Response
}

type Deleter interface {
	Delete(req *Request) *Response
}

// Funcs 用函数组装资源处理器，nil的方法视为不支持
type Funcs struct {
	GetFunc    func(req *Request) *Response
	PostFunc   func(req *Request) *Response
	PutFunc    func(req *Request) *Response
	DeleteFunc func(req *Request) *Response
}

func (f *Funcs) Get(req *Request) *Response    { return f.GetFunc(req) }
func (f *Funcs) Post(req *Request) *Response   { return f.PostFunc(req) }
func (f *Funcs) Put(req *Request) *Response    { return f.PutFunc(req) }
func (f *Funcs) Delete(req *Request) *Response { return f.DeleteFunc(req) }

// Allows 方法是否提供
func (f *Funcs) Allows(code message.Code) bool {
	switch code {
	case message.GET:
		return f.GetFunc != nil
	case message.POST:
		return f.PostFunc != nil
	case message.PUT:
		return f.PutFunc != nil
	case message.DELETE:
		return f.DeleteFunc != nil
	}
	return false
}

// Request 交给资源处理器的请求
type Request struct {
	Message   *message.Message
	Peer      net.Addr
	Multicast bool
}

// Path 请求路径
func (r *Request) Path() string { return r.Message.Path() }

// Payload 请求负载
func (r *Request) Payload() []byte { return r.Message.Payload }

// Query 取名为name的Uri-Query参数
func (r *Request) Query(name string) (string, bool) {
	for _, q := range r.Message.Queries() {
		k, v, _ := strings.Cut(q, "=")
		if k == name {
			return v, true
		}
	}
	return "", false
}

// Response 资源处理器的响应
type Response struct {
	Code    message.Code
	Payload []byte
	Options message.Options
}

// NewResponse 构造响应
func NewResponse(code message.Code, payload []byte) *Response {
	return &Response{Code: code, Payload: payload}
}

// TextResponse 构造text/plain响应
func TextResponse(code message.Code, text string) *Response {
	r := NewResponse(code, []byte(text))
	r.SetContentFormat(message.TextPlain)
	return r
}

func (r *Response) SetContentFormat(mt message.MediaType) *Response {
	r.Options.SetUint(message.ContentFormat, uint32(mt))
	return r
}

func (r *Response) ContentFormat() (message.MediaType, bool) {
	v, ok := r.Options.GetUint(message.ContentFormat)
	return message.MediaType(v), ok
}

func (r *Response) SetETag(tag []byte) *Response {
	r.Options.Set(message.ETag, tag)
	return r
}

func (r *Response) SetLocationPath(p string) *Response {
	m := &message.Message{Options: r.Options}
	m.SetLocationPath(p)
	r.Options = m.Options
	return r
}

func (r *Response) SetLocationQuery(q string) *Response {
	m := &message.Message{Options: r.Options}
	m.SetLocationQuery(q)
	r.Options = m.Options
	return r
}

func (r *Response) SetMaxAge(seconds uint32) *Response {
	r.Options.SetUint(message.MaxAge, seconds)
	return r
}

// MatchIfMatch 检查If-Match前置条件
// etag为nil表示资源不存在；空的If-Match值匹配任何已存在的资源
func MatchIfMatch(req *Request, etag []byte) bool {
	conds := req.Message.IfMatch()
	if len(conds) == 0 {
		return true
	}
	if etag == nil {
		return false
	}
	for _, c := range conds {
		if len(c) == 0 || bytes.Equal(c, etag) {
			return true
		}
	}
	return false
}

// MatchIfNoneMatch 检查If-None-Match前置条件，资源已存在时不满足
func MatchIfNoneMatch(req *Request, exists bool) bool {
	return !(req.Message.IfNoneMatch() && exists)
}
