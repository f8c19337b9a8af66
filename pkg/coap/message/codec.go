package message

import (
	"encoding/binary"
	"fmt"
)

const (
	Version       = 1
	MaxTokenLen   = 8
	headerLen     = 4
	payloadMarker = 0xFF

	extByte  = 13  // 扩展1字节，值-13
	extWord  = 14  // 扩展2字节，值-269
	extWordV = 269 // 13 + 256
	reserved = 15
)

// Marshal 编码报文
// 选项按编号稳定排序后做差分编码，同编号选项保持插入顺序
func Marshal(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, headerLen, headerLen+len(m.Token)+len(m.Payload)+16*len(m.Options)+1)
	buf[0] = Version<<6 | byte(m.Type)<<4 | byte(len(m.Token))
	buf[1] = byte(m.Code)
	binary.BigEndian.PutUint16(buf[2:], m.MessageID)
	buf = append(buf, m.Token...)

	prev := 0
	for i, opt := range m.Options.sorted() {
		def, ok := optionDefs[opt.ID]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownOption, uint16(opt.ID))
		}
		if !opt.ID.validLength(len(opt.Value)) {
			return nil, fmt.Errorf("%w: %s length %d", ErrOptionLength, opt.ID, len(opt.Value))
		}
		// 排序后同编号选项相邻
		if i > 0 && int(opt.ID) == prev && !def.repeatable {
			return nil, fmt.Errorf("%w: %s", ErrOptionRepeated, opt.ID)
		}
		delta := int(opt.ID) - prev
		buf = appendOptionHeader(buf, delta, len(opt.Value))
		buf = append(buf, opt.Value...)
		prev = int(opt.ID)
	}

	if len(m.Payload) > 0 {
		buf = append(buf, payloadMarker)
		buf = append(buf, m.Payload...)
	}
	return buf, nil
}

func appendOptionHeader(buf []byte, delta, length int) []byte {
	dn, dext := extendNibble(delta)
	ln, lext := extendNibble(length)
	buf = append(buf, dn<<4|ln)
	buf = append(buf, dext...)
	return append(buf, lext...)
}

// extendNibble 选项头的4bit值及扩展字节
func extendNibble(v int) (byte, []byte) {
	switch {
	case v < extByte:
		return byte(v), nil
	case v < extWordV:
		return extByte, []byte{byte(v - extByte)}
	default:
		e := v - extWordV
		return extWord, []byte{byte(e >> 8), byte(e)}
	}
}

// readNibble 读取扩展值，返回剩余数据
func readNibble(n int, b []byte, invalid error) (int, []byte, error) {
	switch n {
	case extByte:
		if len(b) < 1 {
			return 0, nil, ErrTruncated
		}
		return int(b[0]) + extByte, b[1:], nil
	case extWord:
		if len(b) < 2 {
			return 0, nil, ErrTruncated
		}
		return int(binary.BigEndian.Uint16(b)) + extWordV, b[2:], nil
	case reserved:
		return 0, nil, invalid
	default:
		return n, b, nil
	}
}

// Unmarshal 解码报文
// 格式错误返回 (nil, err)，数据报应被丢弃；
// 只有未识别的关键选项时返回 (msg, ErrUnknownCritical)，调用方据此回复4.02
func Unmarshal(data []byte) (*Message, error) {
	if len(data) < headerLen {
		return nil, ErrTruncated
	}
	if data[0]>>6 != Version {
		return nil, ErrInvalidVersion
	}
	tkl := int(data[0] & 0x0f)
	if tkl > MaxTokenLen {
		return nil, ErrTokenTooLong
	}

	m := &Message{
		Type:      Type(data[0] >> 4 & 0x3),
		Code:      Code(data[1]),
		MessageID: binary.BigEndian.Uint16(data[2:4]),
	}
	if len(data) < headerLen+tkl {
		return nil, ErrTruncated
	}
	if tkl > 0 {
		m.Token = append([]byte(nil), data[headerLen:headerLen+tkl]...)
	}
	b := data[headerLen+tkl:]

	if m.Code == Empty {
		if tkl != 0 || len(b) != 0 {
			return nil, ErrEmptyNotEmpty
		}
		return m, nil
	}

	var (
		num     int
		critErr error
		seen    = make(map[OptionID]bool)
	)
	for len(b) > 0 {
		if b[0] == payloadMarker {
			if len(b) == 1 {
				return nil, ErrPayloadMarker
			}
			m.Payload = append([]byte(nil), b[1:]...)
			break
		}

		var (
			delta, length int
			err           error
		)
		dn, ln := int(b[0]>>4), int(b[0]&0x0f)
		b = b[1:]
		if delta, b, err = readNibble(dn, b, ErrOptionDelta); err != nil {
			return nil, err
		}
		if length, b, err = readNibble(ln, b, ErrOptionLength); err != nil {
			return nil, err
		}
		if len(b) < length {
			return nil, ErrTruncated
		}
		num += delta
		if num > 0xFFFF {
			return nil, ErrOptionDelta
		}
		value := b[:length]
		b = b[length:]

		id := OptionID(num)
		def, known := optionDefs[id]
		if !known || !id.validLength(length) || (seen[id] && !def.repeatable) {
			// 无法识别的选项：elective直接忽略，critical需要拒绝整个请求
			if id.Critical() && critErr == nil {
				critErr = fmt.Errorf("%w: %d", ErrUnknownCritical, num)
			}
			continue
		}
		seen[id] = true
		m.Options = append(m.Options, Option{ID: id, Value: append([]byte(nil), value...)})
	}

	if critErr != nil {
		return m, critErr
	}
	return m, nil
}
