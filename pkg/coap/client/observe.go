package client

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/junbin-yang/coap-go/pkg/coap/message"
	"github.com/junbin-yang/coap-go/pkg/coap/observe"
	log "github.com/junbin-yang/coap-go/pkg/utils/logger"
)

// Observation 一个客户端观察关系
type Observation struct {
	c     *Client
	path  string
	token []byte
	typ   message.Type
	opts  []RequestOption

	first  *Response
	stream *observe.Stream
	queue  chan *message.Message
	quit   chan struct{}

	stopOnce   sync.Once
	cancelOnce sync.Once
	cancelResp *Response
	cancelErr  error
}

// Observe 以Observe=0注册观察，typ为注册请求的类型，服务端的通知默认沿用该类型
// opts含WithToken时使用指定token，否则生成随机token
// 注册响应作为第一条通知投递到C()；服务端不接受观察时流随即结束
func (c *Client) Observe(ctx context.Context, path string, typ message.Type, opts ...RequestOption) (*Observation, error) {
	if path == "" {
		path = c.uri.PathQuery()
	}
	req := c.newRequest(message.GET, opts)
	req.Type = typ
	if len(req.Token) == 0 {
		req.Token = message.NewToken(message.DefaultTokenLen)
	}
	req.SetObserve(0)
	o := &Observation{
		c:      c,
		path:   path,
		token:  req.Token,
		typ:    typ,
		opts:   opts,
		stream: observe.NewStream(c.opts.buffer),
		queue:  make(chan *message.Message, c.opts.buffer),
		quit:   make(chan struct{}),
	}
	if err := c.track(o); err != nil {
		return nil, err
	}
	c.ep.Listen(c.peer, o.token, o.enqueue)

	call := c.Do(path, req)
	if call.err != nil {
		o.stop()
		return nil, call.err
	}
	resp, err := call.x.Wait(ctx)
	if err != nil {
		o.stop()
		return nil, err
	}
	full, err := c.complete(ctx, req, resp, false)
	if err != nil {
		o.stop()
		return nil, err
	}
	o.first = full
	o.stream.Deliver(observe.Notification{Message: resp, Body: full.Body})

	if o.stream.Ended() {
		log.Debugf("[COAP_CLIENT] /%s 不接受观察: %s", path, resp.Code)
		o.stop()
		return o, nil
	}
	go o.run()
	return o, nil
}

// Response 注册请求的响应
func (o *Observation) Response() *Response { return o.first }

// Token 观察使用的token
func (o *Observation) Token() []byte { return o.token }

// C 通知通道，观察结束后关闭
func (o *Observation) C() <-chan observe.Notification { return o.stream.C() }

// Done 观察结束时关闭
func (o *Observation) Done() <-chan struct{} { return o.stream.Done() }

// enqueue 运行在端点读协程上，不能阻塞
func (o *Observation) enqueue(msg *message.Message, _ net.Addr) {
	select {
	case o.queue <- msg:
	case <-o.quit:
	default:
		log.Warnf("[COAP_CLIENT] /%s 通知积压，丢弃 %s", o.path, msg)
	}
}

func (o *Observation) run() {
	for {
		select {
		case <-o.quit:
			return
		case <-o.c.ep.Closed():
			return
		case msg := <-o.queue:
			o.handle(msg)
		}
	}
}

func (o *Observation) handle(msg *message.Message) {
	received := time.Now()
	body := msg.Payload
	if msg.Code.IsSuccess() && msg.Options.Has(message.Block2) {
		ctx, cancel := context.WithTimeout(context.Background(), o.c.ep.Params().MaxTransmitWait())
		req := o.c.newRequest(message.GET, o.opts)
		req.Type = o.typ
		req.SetPathQuery(o.path)
		full, err := o.c.complete(ctx, req, msg, false)
		cancel()
		if err != nil {
			log.Warnf("[COAP_CLIENT] 获取 /%s 通知的剩余块失败: %v", o.path, err)
			return
		}
		body = full.Body
	}
	o.stream.Deliver(observe.Notification{Message: msg, Body: body, ReceivedAt: received})
	if o.stream.Ended() {
		o.stop()
	}
}

// Cancel 主动取消：用同一token发送不带Observe的GET，返回该响应
// 重复调用返回第一次的结果
func (o *Observation) Cancel(ctx context.Context) (*Response, error) {
	o.cancelOnce.Do(func() {
		req := o.c.newRequest(message.GET, o.opts)
		req.Type = o.typ
		req.Token = o.token
		o.cancelResp, o.cancelErr = o.c.Send(ctx, o.path, req)
		o.stop()
	})
	return o.cancelResp, o.cancelErr
}

// Forget 被动取消：停止监听，服务端的下一条通知将收到RST
func (o *Observation) Forget() {
	o.stop()
}

func (o *Observation) stop() {
	o.stopOnce.Do(func() {
		o.c.ep.Unlisten(o.c.peer, o.token)
		close(o.quit)
		o.stream.Close()
		o.c.untrack(o)
	})
}
