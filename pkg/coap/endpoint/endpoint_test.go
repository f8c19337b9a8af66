package endpoint

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/junbin-yang/coap-go/pkg/coap/message"
	"github.com/junbin-yang/coap-go/pkg/coap/transport"
)

// fastParams 测试用的短超时参数
func fastParams() Params {
	return Params{
		AckTimeout:       30 * time.Millisecond,
		AckRandomFactor:  1.5,
		MaxRetransmit:    2,
		ExchangeLifetime: 2 * time.Second,
		NonLifetime:      150 * time.Millisecond,
		SeparateAfter:    50 * time.Millisecond,
	}
}

func newEndpoint(t *testing.T, params Params, h Handler) *Endpoint {
	t.Helper()
	conn, err := transport.ListenUDP("127.0.0.1:0", transport.ListenOptions{})
	if err != nil {
		t.Fatalf("创建UDP端点失败: %v", err)
	}
	ep := New(conn, params, h)
	t.Cleanup(func() { ep.Close() })
	return ep
}

// rawPeer 直接收发原始报文的对端，用于构造异常场景
type rawPeer struct {
	t    *testing.T
	conn *net.UDPConn
}

func newRawPeer(t *testing.T) *rawPeer {
	t.Helper()
	c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("创建原始socket失败: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return &rawPeer{t: t, conn: c}
}

func (r *rawPeer) addr() net.Addr { return r.conn.LocalAddr() }

func (r *rawPeer) send(m *message.Message, to net.Addr) {
	r.t.Helper()
	data, err := message.Marshal(m)
	if err != nil {
		r.t.Fatalf("编码失败: %v", err)
	}
	r.sendRaw(data, to)
}

func (r *rawPeer) sendRaw(data []byte, to net.Addr) {
	r.t.Helper()
	if _, err := r.conn.WriteTo(data, to); err != nil {
		r.t.Fatalf("发送失败: %v", err)
	}
}

// recv 读取一个报文，超时返回nil
func (r *rawPeer) recv(d time.Duration) *message.Message {
	r.t.Helper()
	buf := make([]byte, transport.MaxDatagramSize)
	r.conn.SetReadDeadline(time.Now().Add(d))
	n, _, err := r.conn.ReadFrom(buf)
	if err != nil {
		return nil
	}
	m, err := message.Unmarshal(buf[:n])
	if err != nil {
		r.t.Fatalf("解码失败: %v", err)
	}
	return m
}

func echoHandler(req *Request) *message.Message {
	resp := &message.Message{Code: message.Content, Payload: []byte("echo:" + req.Message.Path())}
	resp.SetContentFormat(message.TextPlain)
	return resp
}

func getRequest(typ message.Type, path string) *message.Message {
	m := &message.Message{Type: typ, Code: message.GET, Token: message.NewToken(0)}
	m.SetPath(path)
	return m
}

func TestPiggybackedResponse(t *testing.T) {
	srv := newEndpoint(t, fastParams(), echoHandler)
	cli := newEndpoint(t, fastParams(), nil)

	req := getRequest(message.Confirmable, "info")
	x, err := cli.Send(srv.LocalAddr(), req)
	if err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := x.Wait(ctx)
	if err != nil {
		t.Fatalf("等待响应失败: %v", err)
	}
	if resp.Type != message.Acknowledgement || resp.MessageID != req.MessageID {
		t.Errorf("期望捎带响应, got %s", resp)
	}
	if string(resp.Payload) != "echo:info" || string(resp.Token) != string(req.Token) {
		t.Errorf("响应内容错误: %s", resp)
	}
	if x.State() != StateComplete {
		t.Errorf("state = %s", x.State())
	}
}

func TestNonRequestNonResponse(t *testing.T) {
	srv := newEndpoint(t, fastParams(), echoHandler)
	cli := newEndpoint(t, fastParams(), nil)

	x, err := cli.Send(srv.LocalAddr(), getRequest(message.NonConfirmable, "a/b"))
	if err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	resp, err := x.Wait(context.Background())
	if err != nil {
		t.Fatalf("等待响应失败: %v", err)
	}
	if resp.Type != message.NonConfirmable || string(resp.Payload) != "echo:a/b" {
		t.Errorf("resp = %s", resp)
	}
}

func TestPingReset(t *testing.T) {
	srv := newEndpoint(t, fastParams(), echoHandler)
	cli := newEndpoint(t, fastParams(), nil)

	x, err := cli.Ping(srv.LocalAddr())
	if err != nil {
		t.Fatalf("ping失败: %v", err)
	}
	resp, err := x.Wait(context.Background())
	if !errors.Is(err, ErrReset) || err.Error() != "RST" {
		t.Fatalf("err = %v, want RST", err)
	}
	if resp == nil || resp.Type != message.Reset || resp.MessageID != x.Request().MessageID {
		t.Errorf("resp = %v", resp)
	}
	if x.State() != StateReset {
		t.Errorf("state = %s", x.State())
	}
}

func TestRetransmitUntilTooManyRetries(t *testing.T) {
	silent := newRawPeer(t)
	cli := newEndpoint(t, fastParams(), nil)

	x, err := cli.Send(silent.addr(), getRequest(message.Confirmable, "x"))
	if err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	// 首发 + MaxRetransmit 次重传，消息ID不变
	for i := 0; i <= fastParams().MaxRetransmit; i++ {
		m := silent.recv(2 * time.Second)
		if m == nil {
			t.Fatalf("第%d次传输未收到", i+1)
		}
		if m.MessageID != x.Request().MessageID {
			t.Errorf("重传消息ID变化: %d", m.MessageID)
		}
	}
	if _, err := x.Wait(context.Background()); !errors.Is(err, ErrTooManyRetries) {
		t.Fatalf("err = %v, want TOO MANY RETRIES", err)
	}
	if x.State() != StateTimedOut {
		t.Errorf("state = %s", x.State())
	}
	if m := silent.recv(200 * time.Millisecond); m != nil {
		t.Errorf("放弃后不应继续重传: %s", m)
	}
}

func TestNonRequestTimeout(t *testing.T) {
	silent := newRawPeer(t)
	cli := newEndpoint(t, fastParams(), nil)

	x, err := cli.Send(silent.addr(), getRequest(message.NonConfirmable, "x"))
	if err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	if _, err := x.Wait(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want TIMEOUT", err)
	}
}

func TestSeparateResponse(t *testing.T) {
	slow := func(req *Request) *message.Message {
		time.Sleep(200 * time.Millisecond)
		return &message.Message{Code: message.Content, Payload: []byte("late")}
	}
	srv := newEndpoint(t, fastParams(), slow)
	cli := newEndpoint(t, fastParams(), nil)

	req := getRequest(message.Confirmable, "separate")
	x, err := cli.Send(srv.LocalAddr(), req)
	if err != nil {
		t.Fatalf("发送失败: %v", err)
	}

	deadline := time.After(time.Second)
	for x.State() != StateAcked {
		select {
		case <-deadline:
			t.Fatalf("未收到空ACK, state = %s", x.State())
		case <-time.After(10 * time.Millisecond):
		}
	}

	resp, err := x.Wait(context.Background())
	if err != nil {
		t.Fatalf("等待分离响应失败: %v", err)
	}
	if resp.Type != message.Confirmable || resp.MessageID == req.MessageID {
		t.Errorf("分离响应应为新的CON: %s", resp)
	}
	if string(resp.Token) != string(req.Token) || string(resp.Payload) != "late" {
		t.Errorf("resp = %s", resp)
	}
}

func TestDuplicateRequestHandledOnce(t *testing.T) {
	var calls int32
	srv := newEndpoint(t, fastParams(), func(req *Request) *message.Message {
		atomic.AddInt32(&calls, 1)
		return &message.Message{Code: message.Changed}
	})
	raw := newRawPeer(t)

	req := getRequest(message.Confirmable, "test")
	req.Code = message.POST
	req.MessageID = 0x4242
	raw.send(req, srv.LocalAddr())
	first := raw.recv(time.Second)
	raw.send(req, srv.LocalAddr())
	second := raw.recv(time.Second)

	if first == nil || second == nil {
		t.Fatal("未收到响应")
	}
	if !first.Equal(second) || first.Code != message.Changed {
		t.Errorf("重复请求应得到相同响应: %s / %s", first, second)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("处理函数被调用%d次", n)
	}
}

func TestEmptyConGetsReset(t *testing.T) {
	srv := newEndpoint(t, fastParams(), echoHandler)
	raw := newRawPeer(t)

	raw.send(message.NewPing(77), srv.LocalAddr())
	m := raw.recv(time.Second)
	if m == nil || m.Type != message.Reset || m.MessageID != 77 || m.Code != message.Empty {
		t.Fatalf("期望RST 77, got %v", m)
	}
}

func TestUnknownCriticalOption(t *testing.T) {
	srv := newEndpoint(t, fastParams(), echoHandler)
	raw := newRawPeer(t)

	// CON GET mid=5 token=0xAA，带未注册的critical选项9
	raw.sendRaw([]byte{0x41, 0x01, 0x00, 0x05, 0xAA, 0x91, 0x01}, srv.LocalAddr())
	m := raw.recv(time.Second)
	if m == nil || m.Type != message.Acknowledgement || m.Code != message.BadOption || m.MessageID != 5 {
		t.Fatalf("期望4.02 ACK, got %v", m)
	}
	if string(m.Token) != "\xAA" {
		t.Errorf("token = %x", m.Token)
	}
}

func TestUnknownTokenResponseGetsReset(t *testing.T) {
	cli := newEndpoint(t, fastParams(), nil)
	raw := newRawPeer(t)

	raw.send(&message.Message{Type: message.NonConfirmable, Code: message.Content, MessageID: 900, Token: []byte{1, 2}}, cli.LocalAddr())
	m := raw.recv(time.Second)
	if m == nil || m.Type != message.Reset || m.MessageID != 900 {
		t.Fatalf("期望RST, got %v", m)
	}
}

func TestListenerReceivesNotifications(t *testing.T) {
	cli := newEndpoint(t, fastParams(), nil)
	raw := newRawPeer(t)

	got := make(chan *message.Message, 2)
	token := []byte{9, 9}
	cli.Listen(raw.addr(), token, func(msg *message.Message, peer net.Addr) { got <- msg })

	n := &message.Message{Type: message.Confirmable, Code: message.Content, MessageID: 31, Token: token, Payload: []byte("n1")}
	n.SetObserve(2)
	raw.send(n, cli.LocalAddr())

	if ack := raw.recv(time.Second); ack == nil || ack.Type != message.Acknowledgement || ack.MessageID != 31 {
		t.Fatalf("CON通知应回复空ACK, got %v", ack)
	}
	select {
	case m := <-got:
		if string(m.Payload) != "n1" {
			t.Errorf("payload = %q", m.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("监听器未收到通知")
	}

	// 重传的通知只确认不重复投递
	raw.send(n, cli.LocalAddr())
	if ack := raw.recv(time.Second); ack == nil || ack.MessageID != 31 {
		t.Fatalf("重复通知应再次ACK, got %v", ack)
	}
	select {
	case <-got:
		t.Error("重复通知被再次投递")
	case <-time.After(100 * time.Millisecond):
	}

	cli.Unlisten(raw.addr(), token)
	n.MessageID = 32
	raw.send(n, cli.LocalAddr())
	if rst := raw.recv(time.Second); rst == nil || rst.Type != message.Reset || rst.MessageID != 32 {
		t.Fatalf("取消监听后应回复RST, got %v", rst)
	}
}

func TestNotifyResetInvokesCallback(t *testing.T) {
	srv := newEndpoint(t, fastParams(), nil)
	raw := newRawPeer(t)

	failed := make(chan error, 1)
	n := &message.Message{Type: message.Confirmable, Code: message.Content, Token: []byte{7}}
	x, err := srv.Notify(raw.addr(), n, func(err error) { failed <- err })
	if err != nil {
		t.Fatalf("发送通知失败: %v", err)
	}
	m := raw.recv(time.Second)
	if m == nil {
		t.Fatal("未收到通知")
	}
	raw.send(message.NewReset(m.MessageID), srv.LocalAddr())

	select {
	case err := <-failed:
		if !errors.Is(err, ErrReset) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("RST未触发回调")
	}
	if x.State() != StateReset {
		t.Errorf("state = %s", x.State())
	}
}

func TestNotifyAckCompletes(t *testing.T) {
	srv := newEndpoint(t, fastParams(), nil)
	raw := newRawPeer(t)

	x, err := srv.Notify(raw.addr(), &message.Message{Type: message.Confirmable, Code: message.Content, Token: []byte{7}}, nil)
	if err != nil {
		t.Fatalf("发送通知失败: %v", err)
	}
	m := raw.recv(time.Second)
	raw.send(message.NewAck(m), srv.LocalAddr())
	if _, err := x.Wait(context.Background()); err != nil {
		t.Fatalf("err = %v", err)
	}
	if x.State() != StateComplete {
		t.Errorf("state = %s", x.State())
	}
}

func TestHandlerPanicBecomesServerError(t *testing.T) {
	srv := newEndpoint(t, fastParams(), func(req *Request) *message.Message { panic("boom") })
	cli := newEndpoint(t, fastParams(), nil)

	x, _ := cli.Send(srv.LocalAddr(), getRequest(message.Confirmable, "p"))
	resp, err := x.Wait(context.Background())
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if resp.Code != message.InternalServerError {
		t.Errorf("code = %s", resp.Code)
	}
}

func TestCloseFailsPendingExchanges(t *testing.T) {
	silent := newRawPeer(t)
	conn, err := transport.ListenUDP("127.0.0.1:0", transport.ListenOptions{})
	if err != nil {
		t.Fatalf("创建UDP端点失败: %v", err)
	}
	cli := New(conn, DefaultParams(), nil)

	x, err := cli.Send(silent.addr(), getRequest(message.Confirmable, "x"))
	if err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	cli.Close()
	if _, err := x.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if _, err := cli.Send(silent.addr(), getRequest(message.Confirmable, "x")); !errors.Is(err, ErrClosed) {
		t.Errorf("关闭后发送: err = %v", err)
	}
}

func TestWaitContextCancels(t *testing.T) {
	silent := newRawPeer(t)
	cli := newEndpoint(t, DefaultParams(), nil)

	x, _ := cli.Send(silent.addr(), getRequest(message.Confirmable, "x"))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := x.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if x.State() != StateCancelled {
		t.Errorf("state = %s", x.State())
	}
}

func TestParamsDefaults(t *testing.T) {
	p := Params{}.withDefaults()
	if p.AckTimeout != 2*time.Second || p.ExchangeLifetime != 247*time.Second || p.NonLifetime != 145*time.Second {
		t.Errorf("defaults = %+v", p)
	}
	d := DefaultParams()
	for i := 0; i < 100; i++ {
		to := d.initialTimeout()
		if to < 2*time.Second || to > 3*time.Second {
			t.Fatalf("初始超时超出范围: %s", to)
		}
	}
	if d.MaxTransmitWait() != 93*time.Second {
		t.Errorf("MAX_TRANSMIT_WAIT = %s", d.MaxTransmitWait())
	}
}
