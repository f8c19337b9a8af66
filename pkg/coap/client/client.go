// Package client CoAP客户端：请求/响应、自动分块续传、Observe与资源发现
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/junbin-yang/coap-go/pkg/coap/endpoint"
	"github.com/junbin-yang/coap-go/pkg/coap/message"
	"github.com/junbin-yang/coap-go/pkg/coap/transport"
	log "github.com/junbin-yang/coap-go/pkg/utils/logger"
)

var (
	ErrSecurityRequired = fmt.Errorf("%w: coaps requires PSK or certificate", transport.ErrSecurityConfig)
	ErrClientClosed     = errors.New("client closed")
)

type options struct {
	security *transport.SecurityConfig
	params   endpoint.Params
	blockSZX uint8
	early    bool // 首个请求即携带Block2
	typ      message.Type
	tokenLen int
	buffer   int
}

// Option 客户端选项
type Option func(*options)

// WithPSK 使用预共享密钥建立DTLS
func WithPSK(identity, key []byte) Option {
	return func(o *options) {
		if o.security == nil {
			o.security = &transport.SecurityConfig{}
		}
		o.security.PSK = &transport.PSKConfig{Identity: identity, Key: key}
	}
}

// WithCert 使用证书建立DTLS
func WithCert(cfg *transport.CertConfig) Option {
	return func(o *options) {
		if o.security == nil {
			o.security = &transport.SecurityConfig{}
		}
		o.security.Cert = cfg
	}
}

// WithHandshakeTimeout DTLS握手超时
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if o.security == nil {
			o.security = &transport.SecurityConfig{}
		}
		o.security.HandshakeTimeout = d
	}
}

// WithParams 可靠传输参数
func WithParams(p endpoint.Params) Option {
	return func(o *options) { o.params = p }
}

// WithBlockSZX GET请求首包即声明块大小（早期协商），szx取0..6
func WithBlockSZX(szx uint8) Option {
	return func(o *options) {
		if szx > message.MaxSZX {
			szx = message.MaxSZX
		}
		o.blockSZX = szx
		o.early = true
	}
}

// WithType 便捷方法使用的报文类型，CON或NON
func WithType(t message.Type) Option {
	return func(o *options) { o.typ = t }
}

// WithTokenLen 生成token的长度，0..8
func WithTokenLen(n int) Option {
	return func(o *options) { o.tokenLen = n }
}

// WithObserveBuffer 通知通道的缓冲大小
func WithObserveBuffer(n int) Option {
	return func(o *options) { o.buffer = n }
}

// Client 连接到单个CoAP服务端的客户端
type Client struct {
	uri  *transport.URI
	peer net.Addr
	ep   *endpoint.Endpoint
	opts options

	mu           sync.Mutex
	observations map[*Observation]struct{}
	closed       bool
}

// Dial 连接到uri（coap://host[:port] 或 coaps://host[:port]）
// coaps必须提供PSK或证书，握手失败返回包装了transport.ErrTLSFailed的错误
func Dial(ctx context.Context, uri string, opts ...Option) (*Client, error) {
	u, err := transport.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	o := options{typ: message.Confirmable, tokenLen: message.DefaultTokenLen, buffer: 16}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tokenLen < 0 || o.tokenLen > message.MaxTokenLen {
		return nil, fmt.Errorf("%w: token length %d", transport.ErrInvalidParam, o.tokenLen)
	}

	var conn transport.PacketConn
	if u.Secure() {
		if o.security == nil || (o.security.PSK == nil && o.security.Cert == nil) {
			return nil, ErrSecurityRequired
		}
		conn, err = transport.DialDTLS(ctx, u.Address(), o.security)
	} else {
		conn, err = transport.DialUDP(ctx, u.Address())
	}
	if err != nil {
		return nil, err
	}

	c := &Client{
		uri:          u,
		peer:         transport.RemoteAddr(conn),
		opts:         o,
		observations: make(map[*Observation]struct{}),
	}
	c.ep = endpoint.New(conn, o.params, nil)
	log.Debugf("[COAP_CLIENT] 已连接 %s", u)
	return c, nil
}

// URI 连接地址
func (c *Client) URI() *transport.URI { return c.uri }

// RemoteAddr 服务端地址
func (c *Client) RemoteAddr() net.Addr { return c.peer }

// LocalAddr 本地地址
func (c *Client) LocalAddr() net.Addr { return c.ep.LocalAddr() }

// Ping 发送空CON
// 返回：对端存活时为MID相同的RST与endpoint.ErrReset（Status为"RST"）；
// 对端以空ACK回应时返回该ACK与nil；其余为超时或重传耗尽
func (c *Client) Ping(ctx context.Context) (*message.Message, error) {
	x, err := c.ep.Ping(c.peer)
	if err != nil {
		return nil, err
	}
	return x.Wait(ctx)
}

// Close 取消所有观察并关闭连接，重复调用无副作用
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	obs := make([]*Observation, 0, len(c.observations))
	for o := range c.observations {
		obs = append(obs, o)
	}
	c.observations = nil
	c.mu.Unlock()

	for _, o := range obs {
		o.stop()
	}
	log.Debugf("[COAP_CLIENT] 断开 %s", c.uri)
	return c.ep.Close()
}

func (c *Client) track(o *Observation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	c.observations[o] = struct{}{}
	return nil
}

func (c *Client) untrack(o *Observation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.observations, o)
}

// Status 把请求结果映射为状态字符串
func Status(err error) string {
	switch {
	case err == nil:
		return "NONE"
	case errors.Is(err, endpoint.ErrReset):
		return endpoint.ErrReset.Error()
	case errors.Is(err, transport.ErrTLSFailed):
		return transport.ErrTLSFailed.Error()
	case errors.Is(err, endpoint.ErrTooManyRetries):
		return endpoint.ErrTooManyRetries.Error()
	case errors.Is(err, endpoint.ErrNotDeliverable):
		return endpoint.ErrNotDeliverable.Error()
	case errors.Is(err, endpoint.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return endpoint.ErrTimeout.Error()
	}
	return err.Error()
}
