package client

import (
	"context"
	"fmt"

	"github.com/junbin-yang/coap-go/pkg/coap/blockwise"
	"github.com/junbin-yang/coap-go/pkg/coap/endpoint"
	"github.com/junbin-yang/coap-go/pkg/coap/message"
)

// Response 完整的响应，分块传输时Body为重组后的表示
type Response struct {
	Message *message.Message // 第一块响应
	Body    []byte
	Blocks  int
}

// Code 响应码
func (r *Response) Code() message.Code { return r.Message.Code }

// ContentFormat 表示格式
func (r *Response) ContentFormat() (message.MediaType, bool) { return r.Message.ContentFormat() }

// Call 已发出的请求
type Call struct {
	c   *Client
	req *message.Message
	x   *endpoint.Exchange
	err error
}

// Request 实际发送的请求报文
func (call *Call) Request() *message.Message { return call.req }

// Exchange 底层交换，发送失败时为nil
func (call *Call) Exchange() *endpoint.Exchange { return call.x }

// Wait 等待响应；响应分块时按同一token自动请求后续块
func (call *Call) Wait(ctx context.Context) (*Response, error) {
	if call.err != nil {
		return nil, call.err
	}
	msg, err := call.x.Wait(ctx)
	if err != nil {
		// RST也交给调用方，便于核对MID
		if msg != nil {
			return &Response{Message: msg, Body: msg.Payload, Blocks: 1}, err
		}
		return nil, err
	}
	return call.c.complete(ctx, call.req, msg, true)
}

// RequestOption 调整请求报文
type RequestOption func(*message.Message)

func WithAccept(mt message.MediaType) RequestOption {
	return func(m *message.Message) { m.SetAccept(mt) }
}

func WithETag(tag []byte) RequestOption {
	return func(m *message.Message) { m.Options.Add(message.ETag, tag) }
}

// WithIfMatch 空tag表示“资源存在即可”
func WithIfMatch(tag []byte) RequestOption {
	return func(m *message.Message) { m.Options.Add(message.IfMatch, tag) }
}

func WithIfNoneMatch() RequestOption {
	return func(m *message.Message) { m.Options.Set(message.IfNoneMatch, nil) }
}

func WithBlock2(b message.Block) RequestOption {
	return func(m *message.Message) { m.SetBlock2(b) }
}

// WithToken 指定请求token，Observe注册时即观察关系的token
func WithToken(token []byte) RequestOption {
	return func(m *message.Message) { m.Token = append([]byte{}, token...) }
}

// Do 发送msg，path形如 "seg1/seg2?a=1&b=2"，为空时使用拨号URI中的路径
// msg中已有的MessageID和token保持不变，token为空时生成随机token
// 空报文（ping）原样发送，不带路径和token
func (c *Client) Do(path string, msg *message.Message) *Call {
	call := &Call{c: c, req: msg}
	if msg.Code == message.Empty {
		call.x, call.err = c.ep.Send(c.peer, msg)
		return call
	}
	if path == "" {
		path = c.uri.PathQuery()
	}
	if path != "" {
		msg.SetPathQuery(path)
	}
	if msg.Token == nil {
		msg.Token = c.newToken()
	}
	if c.opts.early && msg.Code == message.GET && !msg.Options.Has(message.Block2) {
		msg.SetBlock2(message.Block{SZX: c.opts.blockSZX})
	}
	call.x, call.err = c.ep.Send(c.peer, msg)
	return call
}

// Send 发送msg并等待完整响应
func (c *Client) Send(ctx context.Context, path string, msg *message.Message) (*Response, error) {
	return c.Do(path, msg).Wait(ctx)
}

func (c *Client) newRequest(code message.Code, opts []RequestOption) *message.Message {
	m := &message.Message{Type: c.opts.typ, Code: code}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (c *Client) newToken() []byte {
	if c.opts.tokenLen == 0 {
		return []byte{}
	}
	return message.NewToken(c.opts.tokenLen)
}

// Get 读取资源
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Send(ctx, path, c.newRequest(message.GET, opts))
}

// Post 提交负载
func (c *Client) Post(ctx context.Context, path string, ct message.MediaType, payload []byte, opts ...RequestOption) (*Response, error) {
	m := c.newRequest(message.POST, opts)
	m.SetContentFormat(ct)
	m.Payload = payload
	return c.Send(ctx, path, m)
}

// Put 更新资源
func (c *Client) Put(ctx context.Context, path string, ct message.MediaType, payload []byte, opts ...RequestOption) (*Response, error) {
	m := c.newRequest(message.PUT, opts)
	m.SetContentFormat(ct)
	m.Payload = payload
	return c.Send(ctx, path, m)
}

// Delete 删除资源
func (c *Client) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Send(ctx, path, c.newRequest(message.DELETE, opts))
}

// complete 若first是分块响应，继续请求剩余的块并重组
// sameToken为false时续传使用新token（Observe通知的续传不能与通知共用token）
func (c *Client) complete(ctx context.Context, req, first *message.Message, sameToken bool) (*Response, error) {
	if !first.Code.IsSuccess() || !first.Options.Has(message.Block2) {
		return &Response{Message: first, Body: first.Payload, Blocks: 1}, nil
	}

	asm := blockwise.NewAssembler()
	msg := first
	for {
		done, err := asm.Add(msg)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}

		b := asm.Next()
		next := &message.Message{Type: req.Type, Code: req.Code, Options: req.Options.Clone()}
		next.Options.Remove(message.Observe)
		next.Options.Remove(message.ContentFormat)
		next.SetBlock2(b)
		if sameToken {
			next.Token = req.Token
		} else {
			next.Token = c.newToken()
		}
		x, err := c.ep.Send(c.peer, next)
		if err != nil {
			return nil, err
		}
		if msg, err = x.Wait(ctx); err != nil {
			return nil, fmt.Errorf("block %d: %w", b.Num, err)
		}
		if !msg.Code.IsSuccess() {
			return &Response{Message: msg, Body: msg.Payload, Blocks: len(asm.Blocks()) + 1}, nil
		}
	}
	return &Response{Message: first, Body: asm.Body(), Blocks: len(asm.Blocks())}, nil
}
