package message

import (
	"bytes"
	"fmt"
	"strings"
)

// Message 一个CoAP报文
type Message struct {
	Type      Type
	Code      Code
	MessageID uint16
	Token     []byte
	Options   Options
	Payload   []byte
}

// NewAck 构造对req的空ACK
func NewAck(req *Message) *Message {
	return &Message{Type: Acknowledgement, Code: Empty, MessageID: req.MessageID}
}

// NewReset 构造空RST
func NewReset(msgID uint16) *Message {
	return &Message{Type: Reset, Code: Empty, MessageID: msgID}
}

// NewPing 构造CoAP ping（空CON）
func NewPing(msgID uint16) *Message {
	return &Message{Type: Confirmable, Code: Empty, MessageID: msgID}
}

// Validate 检查报文的结构性约束
func (m *Message) Validate() error {
	if m.Type > Reset {
		return ErrInvalidType
	}
	if len(m.Token) > MaxTokenLen {
		return ErrTokenTooLong
	}
	if m.Code == Empty && (len(m.Token) > 0 || len(m.Options) > 0 || len(m.Payload) > 0) {
		return ErrEmptyNotEmpty
	}
	return nil
}

func (m *Message) IsConfirmable() bool { return m.Type == Confirmable }

// IsPing 空CON
func (m *Message) IsPing() bool { return m.Type == Confirmable && m.Code == Empty }

// Clone 深拷贝
func (m *Message) Clone() *Message {
	c := *m
	if m.Token != nil {
		c.Token = append([]byte(nil), m.Token...)
	}
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	c.Options = m.Options.Clone()
	return &c
}

// Equal 比较两个报文的全部字段，nil与空切片视为相同，选项按编号排序后比较
func (m *Message) Equal(o *Message) bool {
	if m.Type != o.Type || m.Code != o.Code || m.MessageID != o.MessageID {
		return false
	}
	if !bytes.Equal(m.Token, o.Token) || !bytes.Equal(m.Payload, o.Payload) {
		return false
	}
	a, b := m.Options.sorted(), o.Options.sorted()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || !bytes.Equal(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}

// Path 由Uri-Path选项拼接的路径，不带前导 "/"
func (m *Message) Path() string {
	return strings.Join(m.Options.GetStrings(URIPath), "/")
}

// SetPath 按 "/" 拆分为Uri-Path选项，忽略首尾的 "/"
func (m *Message) SetPath(p string) {
	m.Options.Remove(URIPath)
	p = strings.Trim(p, "/")
	if p == "" {
		return
	}
	for _, seg := range strings.Split(p, "/") {
		m.Options.AddString(URIPath, seg)
	}
}

// Queries Uri-Query各项
func (m *Message) Queries() []string { return m.Options.GetStrings(URIQuery) }

// SetQuery 按 "&" 拆分为Uri-Query选项
func (m *Message) SetQuery(q string) {
	m.Options.Remove(URIQuery)
	q = strings.TrimPrefix(q, "?")
	if q == "" {
		return
	}
	for _, term := range strings.Split(q, "&") {
		if term != "" {
			m.Options.AddString(URIQuery, term)
		}
	}
}

// SetPathQuery 解析 "seg1/seg2?first=1&second=2" 形式的路径
func (m *Message) SetPathQuery(s string) {
	path, query, _ := strings.Cut(s, "?")
	m.SetPath(path)
	m.SetQuery(query)
}

func (m *Message) ContentFormat() (MediaType, bool) {
	v, ok := m.Options.GetUint(ContentFormat)
	return MediaType(v), ok
}

func (m *Message) SetContentFormat(mt MediaType) {
	m.Options.SetUint(ContentFormat, uint32(mt))
}

func (m *Message) Accept() (MediaType, bool) {
	v, ok := m.Options.GetUint(Accept)
	return MediaType(v), ok
}

func (m *Message) SetAccept(mt MediaType) { m.Options.SetUint(Accept, uint32(mt)) }

// Observe 返回Observe选项值（注册请求中为0/1，通知中为序列号）
func (m *Message) Observe() (uint32, bool) { return m.Options.GetUint(Observe) }

func (m *Message) SetObserve(v uint32) { m.Options.SetUint(Observe, v&0xFFFFFF) }

// Block2 返回Block2选项，选项不存在或取值非法时 ok=false
func (m *Message) Block2() (Block, bool) {
	v, ok := m.Options.GetUint(Block2)
	if !ok {
		return Block{}, false
	}
	b, err := DecodeBlock(v)
	if err != nil {
		return Block{}, false
	}
	return b, true
}

func (m *Message) SetBlock2(b Block) { m.Options.SetUint(Block2, EncodeBlock(b)) }

// ETag 第一个ETag
func (m *Message) ETag() ([]byte, bool) { return m.Options.Get(ETag) }

// ETags 请求中可携带多个ETag
func (m *Message) ETags() [][]byte { return m.Options.GetAll(ETag) }

func (m *Message) SetETag(tag []byte) { m.Options.Set(ETag, tag) }

// IfMatch If-Match取值列表，空值表示"资源存在即可"
func (m *Message) IfMatch() [][]byte { return m.Options.GetAll(IfMatch) }

func (m *Message) IfNoneMatch() bool { return m.Options.Has(IfNoneMatch) }

func (m *Message) LocationPath() string {
	return strings.Join(m.Options.GetStrings(LocationPath), "/")
}

func (m *Message) SetLocationPath(p string) {
	m.Options.Remove(LocationPath)
	p = strings.Trim(p, "/")
	if p == "" {
		return
	}
	for _, seg := range strings.Split(p, "/") {
		m.Options.AddString(LocationPath, seg)
	}
}

func (m *Message) LocationQuery() []string { return m.Options.GetStrings(LocationQuery) }

func (m *Message) SetLocationQuery(q string) {
	m.Options.Remove(LocationQuery)
	q = strings.TrimPrefix(q, "?")
	for _, term := range strings.Split(q, "&") {
		if term != "" {
			m.Options.AddString(LocationQuery, term)
		}
	}
}

// MaxAge 未携带时默认60秒
func (m *Message) MaxAge() uint32 {
	if v, ok := m.Options.GetUint(MaxAge); ok {
		return v
	}
	return 60
}

func (m *Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s mid=%d", m.Type, m.Code.Name(), m.MessageID)
	if len(m.Token) > 0 {
		fmt.Fprintf(&sb, " token=%x", m.Token)
	}
	if len(m.Options) > 0 {
		fmt.Fprintf(&sb, " opts=%s", m.Options)
	}
	if len(m.Payload) > 0 {
		fmt.Fprintf(&sb, " payload=%dB", len(m.Payload))
	}
	return sb.String()
}
