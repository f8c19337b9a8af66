package endpoint

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/junbin-yang/coap-go/pkg/coap/message"
	"github.com/junbin-yang/coap-go/pkg/coap/transport"
	log "github.com/junbin-yang/coap-go/pkg/utils/logger"
)

// Request 入站请求
type Request struct {
	Message   *message.Message
	Peer      net.Addr
	Multicast bool // 发往组播地址的请求
}

// Handler 处理入站请求，返回的报文只需填写Code/Options/Payload
// 返回nil表示不响应（CON请求仍会回复空ACK）
type Handler func(req *Request) *message.Message

// Listener 按token接收报文（Observe通知、组播响应）
type Listener func(msg *message.Message, peer net.Addr)

// Endpoint 绑定一个PacketConn的CoAP消息层
// 单个读协程按序处理数据报，请求交给单个分发协程串行处理
type Endpoint struct {
	conn    transport.PacketConn
	params  Params
	handler Handler
	ids     *message.MessageIDSource

	mu        sync.Mutex
	byMID     map[string]*Exchange
	byToken   map[string]*Exchange
	listeners map[string]Listener
	dedup     map[string]*dedupEntry
	nextSweep time.Time

	queue     chan *inbound
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New 创建端点并启动读协程和分发协程
// 参数：
//   - conn：底层收发连接，端点关闭时一并关闭
//   - params：可靠传输参数，零值使用RFC默认值
//   - handler：请求处理函数，纯客户端可传nil（请求一律回复4.04）
func New(conn transport.PacketConn, params Params, handler Handler) *Endpoint {
	if params == (Params{}) {
		params = DefaultParams()
	}
	ep := &Endpoint{
		conn:      conn,
		params:    params.withDefaults(),
		handler:   handler,
		ids:       message.NewMessageIDSource(),
		byMID:     make(map[string]*Exchange),
		byToken:   make(map[string]*Exchange),
		listeners: make(map[string]Listener),
		dedup:     make(map[string]*dedupEntry),
		queue:     make(chan *inbound, 128),
		closed:    make(chan struct{}),
	}
	ep.wg.Add(2)
	go ep.readLoop()
	go ep.dispatchLoop()
	return ep
}

// Params 生效的传输参数
func (ep *Endpoint) Params() Params { return ep.params }

// LocalAddr 本地地址
func (ep *Endpoint) LocalAddr() net.Addr { return ep.conn.LocalAddr() }

// NextMessageID 分配一个消息ID
func (ep *Endpoint) NextMessageID() uint16 { return ep.ids.Next() }

func peerKey(peer net.Addr) string {
	if peer == nil {
		return "*"
	}
	return peer.String()
}

func midKey(peer net.Addr, mid uint16) string {
	return fmt.Sprintf("%s#%d", peerKey(peer), mid)
}

func tokenKey(peer net.Addr, token []byte) string {
	return peerKey(peer) + "/" + hex.EncodeToString(token)
}

// Send 发送请求或ping，返回交换句柄
// MessageID为0时自动分配；CON按指数退避重传，NON等待NON_LIFETIME
func (ep *Endpoint) Send(peer net.Addr, msg *message.Message) (*Exchange, error) {
	if msg.Type != message.Confirmable && msg.Type != message.NonConfirmable {
		return nil, fmt.Errorf("%w: requests must be CON or NON", ErrInvalidMessage)
	}
	return ep.submit(peer, msg, kindRequest, nil)
}

// Ping 发送空CON，对端回复RST时交换以ErrReset结束
func (ep *Endpoint) Ping(peer net.Addr) (*Exchange, error) {
	return ep.submit(peer, message.NewPing(0), kindRequest, nil)
}

// Notify 发送服务端主动报文（Observe通知、分离响应）
// CON在收到ACK后完成；NON发送即完成，但在NON_LIFETIME内仍可匹配RST
// 收到RST或重传耗尽时调用onFail
func (ep *Endpoint) Notify(peer net.Addr, msg *message.Message, onFail func(error)) (*Exchange, error) {
	if msg.Type != message.Confirmable && msg.Type != message.NonConfirmable {
		return nil, fmt.Errorf("%w: notifications must be CON or NON", ErrInvalidMessage)
	}
	return ep.submit(peer, msg, kindNotify, onFail)
}

func (ep *Endpoint) submit(peer net.Addr, msg *message.Message, kind exchangeKind, onFail func(error)) (*Exchange, error) {
	select {
	case <-ep.closed:
		return nil, ErrClosed
	default:
	}
	if msg.MessageID == 0 {
		msg.MessageID = ep.ids.Next()
	}
	data, err := message.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	x := &Exchange{
		ep:      ep,
		kind:    kind,
		peer:    peer,
		midKey:  midKey(peer, msg.MessageID),
		req:     msg,
		data:    data,
		onFail:  onFail,
		created: time.Now(),
		state:   StateSent,
		done:    make(chan struct{}),
	}
	if kind == kindRequest && msg.Code != message.Empty {
		x.tokKey = tokenKey(peer, msg.Token)
	}

	ep.mu.Lock()
	if _, dup := ep.byMID[x.midKey]; dup {
		ep.mu.Unlock()
		return nil, fmt.Errorf("%w: message id %d in use", ErrInvalidMessage, msg.MessageID)
	}
	ep.byMID[x.midKey] = x
	if x.tokKey != "" {
		if old, ok := ep.byToken[x.tokKey]; ok {
			log.Debugf("[COAP_ENDPOINT] token %x 被新请求替换", msg.Token)
			old.tokKey = ""
		}
		ep.byToken[x.tokKey] = x
	}
	ep.mu.Unlock()

	x.mu.Lock()
	switch {
	case msg.Type == message.Confirmable:
		x.timeout = ep.params.initialTimeout()
		x.timer = time.AfterFunc(x.timeout, x.retransmit)
	case kind == kindRequest:
		x.timer = time.AfterFunc(ep.params.NonLifetime, func() {
			x.complete(StateTimedOut, nil, ErrTimeout)
		})
	}
	x.mu.Unlock()

	if err := ep.write(data, peer); err != nil {
		x.complete(StateTimedOut, nil, ErrNotDeliverable)
		return nil, fmt.Errorf("%w: %v", ErrNotDeliverable, err)
	}

	if kind == kindNotify && msg.Type == message.NonConfirmable {
		// NON通知没有确认，发送即完成；保留MID映射以便匹配RST
		x.mu.Lock()
		x.state = StateComplete
		close(x.done)
		x.mu.Unlock()
		time.AfterFunc(ep.params.NonLifetime, func() { ep.unregisterMID(x) })
	}
	return x, nil
}

// Listen 注册token监听，peer为nil时匹配任意对端
func (ep *Endpoint) Listen(peer net.Addr, token []byte, fn Listener) {
	ep.mu.Lock()
	ep.listeners[tokenKey(peer, token)] = fn
	ep.mu.Unlock()
}

// Unlisten 取消token监听
func (ep *Endpoint) Unlisten(peer net.Addr, token []byte) {
	ep.mu.Lock()
	delete(ep.listeners, tokenKey(peer, token))
	ep.mu.Unlock()
}

func (ep *Endpoint) unregister(x *Exchange) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	// NON通知的MID映射由定时器释放
	if !(x.kind == kindNotify && x.req.Type == message.NonConfirmable && x.err == nil) {
		if ep.byMID[x.midKey] == x {
			delete(ep.byMID, x.midKey)
		}
	}
	if x.tokKey != "" && ep.byToken[x.tokKey] == x {
		delete(ep.byToken, x.tokKey)
	}
}

func (ep *Endpoint) unregisterMID(x *Exchange) {
	ep.mu.Lock()
	if ep.byMID[x.midKey] == x {
		delete(ep.byMID, x.midKey)
	}
	ep.mu.Unlock()
}

func (ep *Endpoint) write(data []byte, peer net.Addr) error {
	return ep.conn.WritePacket(data, peer)
}

// writeMessage 编码并直接发送（ACK/RST/NON响应）
func (ep *Endpoint) writeMessage(msg *message.Message, peer net.Addr) {
	data, err := message.Marshal(msg)
	if err != nil {
		log.Errorf("[COAP_ENDPOINT] 编码报文失败: %v", err)
		return
	}
	if err := ep.write(data, peer); err != nil {
		log.Warnf("[COAP_ENDPOINT] 发送到 %s 失败: %v", peerKey(peer), err)
	}
}

// replyTo 登记到去重缓存后再发送，保证重复报文总能拿到相同回复
func (ep *Endpoint) replyTo(peer net.Addr, mid uint16, msg *message.Message) {
	data, err := message.Marshal(msg)
	if err != nil {
		log.Errorf("[COAP_ENDPOINT] 编码报文失败: %v", err)
		return
	}
	ep.remember(peer, mid, data)
	if err := ep.write(data, peer); err != nil {
		log.Warnf("[COAP_ENDPOINT] 发送到 %s 失败: %v", peerKey(peer), err)
	}
}

// Close 关闭端点，所有未完成的交换以ErrClosed结束
func (ep *Endpoint) Close() error {
	var err error
	ep.closeOnce.Do(func() {
		close(ep.closed)
		err = ep.conn.Close()

		ep.mu.Lock()
		pending := make([]*Exchange, 0, len(ep.byMID)+len(ep.byToken))
		for _, x := range ep.byMID {
			pending = append(pending, x)
		}
		for _, x := range ep.byToken {
			pending = append(pending, x)
		}
		ep.listeners = make(map[string]Listener)
		ep.mu.Unlock()

		for _, x := range pending {
			x.complete(StateCancelled, nil, ErrClosed)
		}
		ep.wg.Wait()
	})
	return err
}

// Closed 端点关闭时关闭
func (ep *Endpoint) Closed() <-chan struct{} { return ep.closed }

// readLoop 读取并按序处理数据报
func (ep *Endpoint) readLoop() {
	defer ep.wg.Done()

	buf := make([]byte, transport.MaxDatagramSize)
	for {
		d, err := ep.conn.ReadPacket(buf)
		if err != nil {
			select {
			case <-ep.closed:
				return
			default:
			}
			if errors.Is(err, transport.ErrClosed) {
				log.Debugf("[COAP_ENDPOINT] 连接已关闭，读协程退出")
				return
			}
			log.Debugf("[COAP_ENDPOINT] 读取错误: %v", err)
			continue
		}
		ep.handleDatagram(d)
	}
}

func (ep *Endpoint) handleDatagram(d transport.Datagram) {
	msg, err := message.Unmarshal(d.Data)
	if err != nil {
		if errors.Is(err, message.ErrUnknownCritical) && msg != nil {
			ep.rejectCritical(msg, d.Peer)
			return
		}
		log.Debugf("[COAP_ENDPOINT] 丢弃来自 %s 的畸形报文: %v", peerKey(d.Peer), err)
		// 能读出报文头的CON用RST拒绝
		if len(d.Data) >= 4 && d.Data[0]>>6 == message.Version && message.Type(d.Data[0]>>4&0x3) == message.Confirmable {
			ep.writeMessage(message.NewReset(uint16(d.Data[2])<<8|uint16(d.Data[3])), d.Peer)
		}
		return
	}

	switch {
	case msg.Code == message.Empty:
		ep.handleEmpty(msg, d.Peer)
	case msg.Code.IsRequest():
		ep.handleRequest(msg, d.Peer, d.Multicast)
	case msg.Code.IsResponse():
		ep.handleResponse(msg, d.Peer)
	default:
		log.Debugf("[COAP_ENDPOINT] 保留的响应码 %s", msg.Code)
		if msg.Type == message.Confirmable {
			ep.writeMessage(message.NewReset(msg.MessageID), d.Peer)
		}
	}
}

// rejectCritical 含未识别critical选项：CON请求回复4.02，其余CON回复RST
func (ep *Endpoint) rejectCritical(msg *message.Message, peer net.Addr) {
	log.Debugf("[COAP_ENDPOINT] 来自 %s 的报文含未识别的critical选项", peerKey(peer))
	if msg.Type != message.Confirmable {
		return
	}
	if msg.Code.IsRequest() {
		ep.writeMessage(&message.Message{
			Type:      message.Acknowledgement,
			Code:      message.BadOption,
			MessageID: msg.MessageID,
			Token:     msg.Token,
		}, peer)
		return
	}
	ep.writeMessage(message.NewReset(msg.MessageID), peer)
}

func (ep *Endpoint) handleEmpty(msg *message.Message, peer net.Addr) {
	switch msg.Type {
	case message.Confirmable:
		// CoAP ping
		ep.writeMessage(message.NewReset(msg.MessageID), peer)
	case message.Acknowledgement:
		x := ep.lookupMID(peer, msg.MessageID)
		if x == nil {
			return
		}
		if x.kind == kindNotify || x.req.Code == message.Empty {
			x.complete(StateComplete, msg, nil)
			return
		}
		x.acked()
	case message.Reset:
		x := ep.lookupMID(peer, msg.MessageID)
		if x == nil {
			return
		}
		if x.kind == kindNotify && x.req.Type == message.NonConfirmable {
			ep.unregisterMID(x)
			if x.onFail != nil {
				x.onFail(ErrReset)
			}
			return
		}
		x.complete(StateReset, msg, ErrReset)
	}
}

func (ep *Endpoint) lookupMID(peer net.Addr, mid uint16) *Exchange {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.byMID[midKey(peer, mid)]
}

// handleResponse 匹配响应：ACK按MID，CON/NON按token，其次交给token监听
func (ep *Endpoint) handleResponse(msg *message.Message, peer net.Addr) {
	if msg.Type == message.Reset {
		return
	}
	if msg.Type == message.Acknowledgement {
		x := ep.lookupMID(peer, msg.MessageID)
		if x == nil || x.kind != kindRequest {
			return
		}
		if string(x.req.Token) != string(msg.Token) {
			log.Debugf("[COAP_ENDPOINT] ACK %d token不匹配，丢弃", msg.MessageID)
			return
		}
		x.complete(StateComplete, msg, nil)
		return
	}

	// 重复的CON/NON响应
	if entry, dup := ep.seen(peer, msg.MessageID); dup {
		if msg.Type == message.Confirmable && entry.reply != nil {
			_ = ep.write(entry.reply, peer)
		}
		return
	}

	ep.mu.Lock()
	x := ep.byToken[tokenKey(peer, msg.Token)]
	fn := ep.listeners[tokenKey(peer, msg.Token)]
	if fn == nil {
		fn = ep.listeners[tokenKey(nil, msg.Token)]
	}
	ep.mu.Unlock()

	if x == nil && fn == nil {
		log.Debugf("[COAP_ENDPOINT] 未知token %x 的响应，回复RST", msg.Token)
		ep.forget(peer, msg.MessageID)
		ep.writeMessage(message.NewReset(msg.MessageID), peer)
		return
	}
	if msg.Type == message.Confirmable {
		ep.replyTo(peer, msg.MessageID, message.NewAck(msg))
	}
	if x != nil {
		x.complete(StateComplete, msg, nil)
		return
	}
	fn(msg, peer)
}
