// Package blockwise 实现Block2分块传输（RFC 7959）的分片与重组
package blockwise

import (
	"errors"
	"fmt"

	"github.com/junbin-yang/coap-go/pkg/coap/message"
)

// MaxBodySize 单个资源表示重组的上限
const MaxBodySize = 1 << 20

var (
	ErrBlockGap        = errors.New("block out of sequence")
	ErrBlockOutOfRange = errors.New("block number out of range")
	ErrBodyTooLarge    = errors.New("representation too large")
	ErrInvalidBlock    = message.ErrInvalidBlock
)

// Assembler 客户端的块上下文，按顺序拼接Block2响应
type Assembler struct {
	szx    uint8
	body   []byte
	blocks []*message.Message
	done   bool
}

func NewAssembler() *Assembler { return &Assembler{} }

// Add 加入一个响应，返回是否已收到最后一块
// 没有Block2选项的响应视为完整表示
func (a *Assembler) Add(msg *message.Message) (bool, error) {
	if a.done {
		return true, fmt.Errorf("%w: transfer already complete", ErrBlockGap)
	}
	if !msg.Options.Has(message.Block2) {
		if len(a.blocks) > 0 {
			return false, fmt.Errorf("%w: missing Block2 in continuation", ErrInvalidBlock)
		}
		a.blocks = append(a.blocks, msg)
		a.body = append(a.body, msg.Payload...)
		a.done = true
		return true, nil
	}
	b, ok := msg.Block2()
	if !ok {
		return false, ErrInvalidBlock
	}
	if len(a.blocks) > 0 && b.SZX > a.szx {
		return false, fmt.Errorf("%w: block size grew from %d to %d", ErrInvalidBlock, 1<<(a.szx+4), b.Size())
	}
	// 块大小缩小时块号按新大小换算，只需偏移连续
	if b.Offset() != len(a.body) {
		return false, fmt.Errorf("%w: got offset %d, have %d bytes", ErrBlockGap, b.Offset(), len(a.body))
	}
	if b.More && len(msg.Payload) != b.Size() {
		return false, fmt.Errorf("%w: block %d carries %d bytes, want %d", ErrInvalidBlock, b.Num, len(msg.Payload), b.Size())
	}
	if len(msg.Payload) > b.Size() {
		return false, fmt.Errorf("%w: last block larger than block size", ErrInvalidBlock)
	}
	if len(a.body)+len(msg.Payload) > MaxBodySize {
		return false, ErrBodyTooLarge
	}

	a.szx = b.SZX
	a.body = append(a.body, msg.Payload...)
	a.blocks = append(a.blocks, msg)
	a.done = !b.More
	return a.done, nil
}

// Next 下一个要请求的块
func (a *Assembler) Next() message.Block {
	size := 1 << (a.szx + 4)
	return message.Block{Num: uint32(len(a.body) / size), SZX: a.szx}
}

// Done 是否已收到最后一块
func (a *Assembler) Done() bool { return a.done }

// Body 按序拼接后的表示
func (a *Assembler) Body() []byte { return a.body }

// Blocks 每一块的原始响应
func (a *Assembler) Blocks() []*message.Message { return a.blocks }

// Next 请求current之后的一块，沿用其SZX
func Next(current message.Block) message.Block {
	return message.Block{Num: current.Num + 1, SZX: current.SZX}
}

// NeedsBlocks 表示长度是否超过块大小
func NeedsBlocks(body []byte, szx uint8) bool {
	return len(body) > 1<<(szx+4)
}

// Slice 服务端按请求的Block2截取一块
// 参数：
//   - body：完整表示
//   - requested：请求中的Block2，nil表示服务端自行选择（从第0块开始）
//   - preferredSZX：服务端的块大小上限
//
// 返回：
//   - 本块数据、响应使用的Block2；块号越界返回ErrBlockOutOfRange
func Slice(body []byte, requested *message.Block, preferredSZX uint8) ([]byte, message.Block, error) {
	if preferredSZX > message.MaxSZX {
		return nil, message.Block{}, ErrInvalidBlock
	}
	szx := preferredSZX
	var offset int
	if requested != nil {
		if requested.SZX > message.MaxSZX {
			return nil, message.Block{}, ErrInvalidBlock
		}
		if requested.SZX < szx {
			szx = requested.SZX
		}
		offset = requested.Offset()
	}
	size := 1 << (szx + 4)
	// 请求的块比本端大时，换算到本端块大小
	num := offset / size
	offset = num * size

	if offset > 0 && offset >= len(body) {
		return nil, message.Block{}, fmt.Errorf("%w: offset %d, body %d bytes", ErrBlockOutOfRange, offset, len(body))
	}
	end := offset + size
	if end > len(body) {
		end = len(body)
	}
	return body[offset:end], message.Block{Num: uint32(num), More: end < len(body), SZX: szx}, nil
}
