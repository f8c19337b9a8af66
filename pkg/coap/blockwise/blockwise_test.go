package blockwise

import (
	"bytes"
	"errors"
	"testing"

	"github.com/junbin-yang/coap-go/pkg/coap/message"
)

func largeBody() []byte {
	b := make([]byte, 1280)
	for i := range b {
		b[i] = byte('a' + i%26)
	}
	return b
}

// blockResponse 构造带Block2的响应
func blockResponse(chunk []byte, b message.Block) *message.Message {
	m := &message.Message{Type: message.Acknowledgement, Code: message.Content, Payload: chunk}
	m.SetBlock2(b)
	return m
}

// 早期协商：客户端请求32字节块，1280字节分40块
func TestEarlyNegotiation(t *testing.T) {
	body := largeBody()
	a := NewAssembler()
	req := message.Block{Num: 0, SZX: 1}
	count := 0
	for {
		chunk, b, err := Slice(body, &req, 6)
		if err != nil {
			t.Fatalf("block %d: %v", req.Num, err)
		}
		if b.SZX != 1 || len(chunk) != 32 {
			t.Fatalf("block %d: szx=%d len=%d", b.Num, b.SZX, len(chunk))
		}
		count++
		done, err := a.Add(blockResponse(chunk, b))
		if err != nil {
			t.Fatalf("add %d: %v", b.Num, err)
		}
		if done {
			break
		}
		req = a.Next()
	}
	if count != 40 || len(a.Blocks()) != 40 {
		t.Errorf("blocks = %d, want 40", count)
	}
	if !bytes.Equal(a.Body(), body) {
		t.Error("重组结果不一致")
	}
}

// 晚期协商：服务端选择64字节块
func TestLateNegotiation(t *testing.T) {
	body := largeBody()
	chunk, b, err := Slice(body, nil, 2)
	if err != nil {
		t.Fatal(err)
	}
	if b.Num != 0 || !b.More || b.Size() != 64 || len(chunk) != 64 {
		t.Fatalf("first block = %v len %d", b, len(chunk))
	}
	a := NewAssembler()
	for {
		done, err := a.Add(blockResponse(chunk, b))
		if err != nil {
			t.Fatal(err)
		}
		if done {
			break
		}
		next := Next(b)
		if next != a.Next() {
			t.Fatalf("Next mismatch: %v vs %v", next, a.Next())
		}
		if chunk, b, err = Slice(body, &next, 2); err != nil {
			t.Fatal(err)
		}
	}
	if len(a.Blocks()) != 20 || !bytes.Equal(a.Body(), body) {
		t.Errorf("blocks = %d", len(a.Blocks()))
	}
}

// 客户端请求1024字节块，服务端上限64字节
func TestServerDowngrade(t *testing.T) {
	body := largeBody()
	_, b, err := Slice(body, &message.Block{Num: 1, SZX: 6}, 2)
	if err != nil {
		t.Fatal(err)
	}
	// 偏移1024换算成64字节块的第16块
	if b.SZX != 2 || b.Num != 16 {
		t.Errorf("downgraded block = %v", b)
	}
}

func TestAssemblerShrinkingBlocks(t *testing.T) {
	body := largeBody()
	a := NewAssembler()
	// 第一块128字节，之后服务端改为64字节块（块号换算为2）
	if _, err := a.Add(blockResponse(body[:128], message.Block{Num: 0, More: true, SZX: 3})); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Add(blockResponse(body[128:192], message.Block{Num: 2, More: true, SZX: 2})); err != nil {
		t.Fatalf("缩小块大小应被接受: %v", err)
	}
	if n := a.Next(); n.Num != 3 || n.SZX != 2 {
		t.Errorf("next = %v", n)
	}
	if _, err := a.Add(blockResponse(body[192:448], message.Block{Num: 0, More: true, SZX: 4})); !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("块变大应被拒绝: %v", err)
	}
}

func TestAssemblerErrors(t *testing.T) {
	body := largeBody()
	a := NewAssembler()
	if _, err := a.Add(blockResponse(body[:32], message.Block{Num: 1, More: true, SZX: 1})); !errors.Is(err, ErrBlockGap) {
		t.Errorf("从第1块开始: err = %v", err)
	}
	if _, err := a.Add(blockResponse(body[:20], message.Block{Num: 0, More: true, SZX: 1})); !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("非最后一块长度不足: err = %v", err)
	}

	m := &message.Message{Code: message.Content}
	m.Options.SetUint(message.Block2, 0x07) // SZX 7
	if _, err := NewAssembler().Add(m); !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("szx 7: err = %v", err)
	}

	// 没有Block2的响应是完整表示
	a = NewAssembler()
	done, err := a.Add(&message.Message{Code: message.Content, Payload: []byte("small")})
	if !done || err != nil || string(a.Body()) != "small" {
		t.Errorf("done=%v err=%v body=%q", done, err, a.Body())
	}
	if _, err := a.Add(&message.Message{Code: message.Content}); err == nil {
		t.Error("完成后继续添加应报错")
	}
}

func TestSliceBounds(t *testing.T) {
	body := largeBody()
	if _, _, err := Slice(body, &message.Block{Num: 40, SZX: 1}, 6); !errors.Is(err, ErrBlockOutOfRange) {
		t.Errorf("越界: err = %v", err)
	}
	chunk, b, err := Slice(body, &message.Block{Num: 39, SZX: 1}, 6)
	if err != nil || b.More || len(chunk) != 32 {
		t.Errorf("last block = %v %d %v", b, len(chunk), err)
	}
	chunk, b, err = Slice(nil, nil, 6)
	if err != nil || b.More || len(chunk) != 0 {
		t.Errorf("空表示: %v %v", b, err)
	}
	if NeedsBlocks(body[:64], 2) || !NeedsBlocks(body[:65], 2) {
		t.Error("NeedsBlocks")
	}
}
