package message

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// DefaultTokenLen 默认token长度
const DefaultTokenLen = 4

// MessageIDSource 消息ID生成器，每个端点一个实例
// 起始值随机，之后递增，跳过0
type MessageIDSource struct {
	mu   sync.Mutex
	next uint16
}

func NewMessageIDSource() *MessageIDSource {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return &MessageIDSource{next: binary.BigEndian.Uint16(b[:])}
}

// Next 返回下一个消息ID
func (s *MessageIDSource) Next() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	if s.next == 0 {
		s.next++
	}
	return s.next
}

// NewToken 生成n字节随机token，n超出范围时使用默认长度
func NewToken(n int) []byte {
	if n <= 0 || n > MaxTokenLen {
		n = DefaultTokenLen
	}
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}
