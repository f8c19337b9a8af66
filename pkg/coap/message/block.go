package message

import "fmt"

const (
	// MaxSZX 对应1024字节块；SZX=7保留给BERT，本实现不支持
	MaxSZX uint8 = 6
	// MaxBlockNum 块号最多20bit
	MaxBlockNum uint32 = 1<<20 - 1
)

// Block Block1/Block2选项值：NUM(4..23bit) | M(bit3) | SZX(bit0..2)
type Block struct {
	Num  uint32
	More bool
	SZX  uint8
}

// Size 块大小 1<<(SZX+4)
func (b Block) Size() int { return 1 << (b.SZX + 4) }

// Offset 当前块在完整负载中的偏移
func (b Block) Offset() int { return int(b.Num) * b.Size() }

func (b Block) String() string {
	m := 0
	if b.More {
		m = 1
	}
	return fmt.Sprintf("%d/%d/%d", b.Num, m, b.Size())
}

// EncodeBlock 打包为选项整数值
func EncodeBlock(b Block) uint32 {
	v := b.Num<<4 | uint32(b.SZX&0x7)
	if b.More {
		v |= 0x8
	}
	return v
}

// DecodeBlock 解包选项整数值
func DecodeBlock(v uint32) (Block, error) {
	b := Block{
		Num:  v >> 4,
		More: v&0x8 != 0,
		SZX:  uint8(v & 0x7),
	}
	if b.SZX > MaxSZX {
		return Block{}, fmt.Errorf("%w: szx %d", ErrInvalidBlock, b.SZX)
	}
	if b.Num > MaxBlockNum {
		return Block{}, fmt.Errorf("%w: num %d", ErrInvalidBlock, b.Num)
	}
	return b, nil
}

// SZXFromSize 块大小(16..1024, 2的幂)转换为SZX
func SZXFromSize(size int) (uint8, error) {
	for szx := uint8(0); szx <= MaxSZX; szx++ {
		if 1<<(szx+4) == size {
			return szx, nil
		}
	}
	return 0, fmt.Errorf("%w: %d", ErrInvalidSize, size)
}
