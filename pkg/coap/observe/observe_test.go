package observe

import (
	"net"
	"testing"
	"time"

	"github.com/junbin-yang/coap-go/pkg/coap/message"
)

var testPeer = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

func newObservation(path string, token byte, typ message.Type) *Observation {
	return &Observation{Path: path, Token: []byte{token}, Peer: testPeer, Type: typ}
}

func TestRegisterKeepsExisting(t *testing.T) {
	r := NewRegistry()
	o, created := r.Register(newObservation("test", 1, message.Confirmable))
	if !created || o.Seq != 1 {
		t.Fatalf("created=%v seq=%d", created, o.Seq)
	}
	r.NextSeq(o.Key())
	again, created := r.Register(newObservation("test", 1, message.NonConfirmable))
	if created || again != o || again.Seq != 2 {
		t.Errorf("重复注册应保留原记录: created=%v seq=%d", created, again.Seq)
	}
	r.Register(newObservation("test", 2, message.Confirmable))
	r.Register(newObservation("other", 3, message.Confirmable))
	if n := len(r.Observers("test")); n != 2 || r.Len() != 3 {
		t.Errorf("observers(test) = %d, len = %d", n, r.Len())
	}
}

func TestCancelIdempotent(t *testing.T) {
	r := NewRegistry()
	o, _ := r.Register(newObservation("test", 1, message.Confirmable))
	if !r.Cancel(o.Key()) {
		t.Fatal("第一次取消应成功")
	}
	if r.Cancel(o.Key()) || r.Deregister(o.Key()) {
		t.Error("重复取消应返回false")
	}
	if _, ok := r.NextSeq(o.Key()); ok {
		t.Error("已取消的观察者不应再分配序号")
	}
}

func TestCancelByReset(t *testing.T) {
	r := NewRegistry()
	o, _ := r.Register(newObservation("test", 1, message.Confirmable))
	r.RecordMID(o.Key(), 100)
	r.RecordMID(o.Key(), 101)

	if _, ok := r.CancelByReset(testPeer, 100); ok {
		t.Error("旧消息ID不应再匹配")
	}
	got, ok := r.CancelByReset(testPeer, 101)
	if !ok || got != o || r.Len() != 0 {
		t.Errorf("RST取消失败: %v %v", got, ok)
	}
}

func TestRemovePath(t *testing.T) {
	r := NewRegistry()
	r.Register(newObservation("test", 1, message.Confirmable))
	r.Register(newObservation("test", 2, message.Confirmable))
	r.Register(newObservation("info", 3, message.Confirmable))
	if removed := r.RemovePath("test"); len(removed) != 2 {
		t.Errorf("removed = %d", len(removed))
	}
	if r.Len() != 1 {
		t.Errorf("len = %d", r.Len())
	}
}

func TestSequenceWrapsAndSkipsZero(t *testing.T) {
	r := NewRegistry()
	o, _ := r.Register(newObservation("test", 1, message.Confirmable))
	o.Seq = MaxSeq - 1
	for _, want := range []uint32{MaxSeq, 1, 2} {
		if seq, _ := r.NextSeq(o.Key()); seq != want {
			t.Errorf("seq = %d, want %d", seq, want)
		}
	}
}

func TestNonProbe(t *testing.T) {
	r := NewRegistry()
	o, _ := r.Register(newObservation("test", 1, message.NonConfirmable))
	cons := 0
	for i := 1; i <= 2*ProbeInterval; i++ {
		_, typ, ok := r.NextNotification(o.Key())
		if !ok {
			t.Fatal("observer missing")
		}
		if typ == message.Confirmable {
			cons++
			if i%ProbeInterval != 0 {
				t.Errorf("第%d条通知不应是CON", i)
			}
		}
	}
	if cons != 2 {
		t.Errorf("cons = %d", cons)
	}

	c, _ := r.Register(newObservation("test", 2, message.Confirmable))
	if _, typ, _ := r.NextNotification(c.Key()); typ != message.Confirmable {
		t.Errorf("CON资源的通知类型 = %s", typ)
	}
}

func TestFresher(t *testing.T) {
	now := time.Now()
	cases := []struct {
		v1, v2 uint32
		t2     time.Time
		want   bool
	}{
		{1, 2, now, true},
		{2, 1, now, false},
		{5, 5, now, false},
		{MaxSeq, 1, now, true},       // 回绕
		{1, 1<<23 + 2, now, false}, // 差值超过2^23视为旧
		{2, 1, now.Add(129 * time.Second), true},
	}
	for _, c := range cases {
		if got := Fresher(c.v1, now, c.v2, c.t2); got != c.want {
			t.Errorf("Fresher(%d, %d) = %v", c.v1, c.v2, got)
		}
	}
}

func notification(code message.Code, seq uint32, observe bool, payload string) Notification {
	m := &message.Message{Type: message.NonConfirmable, Code: code, Payload: []byte(payload)}
	if observe {
		m.SetObserve(seq)
	}
	return Notification{Message: m}
}

func TestStreamOrdering(t *testing.T) {
	s := NewStream(8)
	if !s.Deliver(notification(message.Content, 3, true, "a")) {
		t.Fatal("第一条应投递")
	}
	if s.Deliver(notification(message.Content, 2, true, "stale")) {
		t.Error("旧序号应被丢弃")
	}
	if s.Deliver(notification(message.Content, 3, true, "dup")) {
		t.Error("重复序号应被丢弃")
	}
	if !s.Deliver(notification(message.Content, 4, true, "b")) {
		t.Error("新序号应投递")
	}
	if !s.Deliver(notification(message.NotFound, 0, false, "")) {
		t.Error("终止通知应投递")
	}
	if !s.Ended() {
		t.Error("终止通知后流应结束")
	}
	if s.Deliver(notification(message.Content, 9, true, "late")) {
		t.Error("结束后不应再投递")
	}

	var got []string
	for n := range s.C() {
		got = append(got, string(n.Message.Payload)+"/"+n.Message.Code.String())
	}
	want := []string{"a/2.05", "b/2.05", "/4.04"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestStreamCloseIdempotent(t *testing.T) {
	s := NewStream(1)
	s.Close()
	s.Close()
	select {
	case <-s.Done():
	default:
		t.Fatal("Done未关闭")
	}
	if s.Deliver(notification(message.Content, 1, true, "x")) {
		t.Error("关闭后不应投递")
	}
}

// 消费者不读取时，Close能解除阻塞的投递
func TestStreamCloseUnblocksDeliver(t *testing.T) {
	s := NewStream(1)
	s.Deliver(notification(message.Content, 1, true, "fill"))
	result := make(chan bool, 1)
	go func() { result <- s.Deliver(notification(message.Content, 2, true, "blocked")) }()
	time.Sleep(50 * time.Millisecond)
	s.Close()
	select {
	case ok := <-result:
		if ok {
			t.Error("被关闭的投递应返回false")
		}
	case <-time.After(time.Second):
		t.Fatal("Close未解除阻塞")
	}
}
