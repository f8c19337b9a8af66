package resources

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/junbin-yang/coap-go/pkg/coap/message"
	"github.com/junbin-yang/coap-go/pkg/coap/server"
	log "github.com/junbin-yang/coap-go/pkg/utils/logger"
)

func etagOf(data []byte) []byte {
	h := fnv.New32a()
	h.Write(data)
	tag := make([]byte, 4)
	binary.BigEndian.PutUint32(tag, h.Sum32())
	return tag
}

// Validate 带ETag的资源：GET携带当前ETag时回复2.03，PUT用If-Match做乐观并发控制
type Validate struct {
	path     string
	notifier Notifier

	mu   sync.Mutex
	data []byte
	etag []byte
}

func NewValidate(path string, initial []byte, n Notifier) *Validate {
	v := &Validate{path: path, notifier: n}
	v.data = append([]byte(nil), initial...)
	v.etag = etagOf(v.data)
	return v
}

func (v *Validate) Resource() *server.Resource {
	return &server.Resource{
		Path:       v.path,
		Observable: true,
		Attributes: []server.Attribute{{Name: "ct", Value: "0"}, {Name: "title", Value: "Validated Buffer"}},
		Handler:    v,
	}
}

// ETag 当前实体标签
func (v *Validate) ETag() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]byte(nil), v.etag...)
}

func (v *Validate) Get(req *server.Request) *server.Response {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, tag := range req.Message.ETags() {
		if bytes.Equal(tag, v.etag) {
			return server.NewResponse(message.Valid, nil).SetETag(v.etag)
		}
	}
	return server.TextResponse(message.Content, string(v.data)).SetETag(v.etag)
}

func (v *Validate) Put(req *server.Request) *server.Response {
	v.mu.Lock()
	if !server.MatchIfMatch(req, v.etag) {
		v.mu.Unlock()
		return server.NewResponse(message.PreconditionFailed, nil)
	}
	v.data = append([]byte(nil), req.Payload()...)
	v.etag = etagOf(v.data)
	tag := v.etag
	v.mu.Unlock()

	notify(v.notifier, v.path)
	return server.NewResponse(message.Changed, nil).SetETag(tag)
}

// Creatable 只能创建一次的资源，PUT携带If-None-Match时不覆盖已有内容
type Creatable struct {
	path string

	mu     sync.Mutex
	data   []byte
	exists bool
}

func NewCreatable(path string) *Creatable { return &Creatable{path: path} }

func (c *Creatable) Resource() *server.Resource {
	return &server.Resource{
		Path:       c.path,
		Attributes: []server.Attribute{{Name: "ct", Value: "0"}, {Name: "title", Value: "Create Once"}},
		Handler:    c,
	}
}

func (c *Creatable) Get(req *server.Request) *server.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.exists {
		return server.NewResponse(message.NotFound, nil)
	}
	return server.TextResponse(message.Content, string(c.data))
}

func (c *Creatable) Put(req *server.Request) *server.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !server.MatchIfNoneMatch(req, c.exists) {
		return server.NewResponse(message.PreconditionFailed, nil)
	}
	code := message.Changed
	if !c.exists {
		code = message.Created
	}
	c.data = append([]byte(nil), req.Payload()...)
	c.exists = true
	return server.NewResponse(code, nil)
}

func (c *Creatable) Delete(req *server.Request) *server.Response {
	c.mu.Lock()
	c.data, c.exists = nil, false
	c.mu.Unlock()
	return server.NewResponse(message.Deleted, nil)
}

// LargeSize Large资源的表示长度
const LargeSize = 1280

// Large 固定内容的大资源，用于分块传输
type Large struct {
	body []byte
}

// NewLarge 生成LargeSize字节的可读内容
func NewLarge() *Large {
	var b bytes.Buffer
	for line := 0; b.Len() < LargeSize; line++ {
		fmt.Fprintf(&b, "%04d: The quick brown fox jumps over the lazy dog.\n", line)
	}
	return &Large{body: b.Bytes()[:LargeSize]}
}

// Body 完整表示
func (l *Large) Body() []byte { return l.body }

func (l *Large) Resource() *server.Resource {
	return &server.Resource{
		Path: "large",
		Attributes: []server.Attribute{
			{Name: "ct", Value: "0"},
			{Name: "sz", Value: strconv.Itoa(LargeSize)},
			{Name: "title", Value: "Large resource"},
		},
		Handler: l,
	}
}

func (l *Large) Get(req *server.Request) *server.Response {
	return server.NewResponse(message.Content, l.body)
}

// Reading MultiFormat的数据
type Reading struct {
	Name  string  `json:"n" cbor:"n"`
	Value float64 `json:"v" cbor:"v"`
	Unit  string  `json:"u" cbor:"u"`
}

// MultiFormat 按Accept选择表示格式：text/plain、XML、JSON、CBOR
type MultiFormat struct {
	path     string
	notifier Notifier

	mu      sync.Mutex
	reading Reading
	format  message.MediaType // 未携带Accept时的默认格式
}

func NewMultiFormat(path string, r Reading, n Notifier) *MultiFormat {
	return &MultiFormat{path: path, reading: r, format: message.TextPlain, notifier: n}
}

func (m *MultiFormat) Resource() *server.Resource {
	return &server.Resource{
		Path:       m.path,
		Observable: true,
		Attributes: []server.Attribute{
			{Name: "ct", Value: "0 41 50 60"},
			{Name: "rt", Value: "reading"},
			{Name: "title", Value: "Multi-format reading"},
		},
		Handler: m,
	}
}

// Set 更新读数
func (m *MultiFormat) Set(r Reading) {
	m.mu.Lock()
	m.reading = r
	m.mu.Unlock()
	notify(m.notifier, m.path)
}

// SetDefaultFormat 修改未协商时的表示格式，已观察的客户端会因格式变化收到4.06
func (m *MultiFormat) SetDefaultFormat(mt message.MediaType) {
	m.mu.Lock()
	m.format = mt
	m.mu.Unlock()
	notify(m.notifier, m.path)
}

func (m *MultiFormat) Get(req *server.Request) *server.Response {
	m.mu.Lock()
	r, mt := m.reading, m.format
	m.mu.Unlock()
	if accept, ok := req.Message.Accept(); ok {
		mt = accept
	}
	payload, err := Encode(r, mt)
	if err != nil {
		log.Debugf("[COAP_RESOURCE] /%s 无法编码为 %s: %v", m.path, mt, err)
		return server.NewResponse(message.NotAcceptable, nil)
	}
	return server.NewResponse(message.Content, payload).SetContentFormat(mt)
}

// ErrUnsupportedFormat 不支持的表示格式
var ErrUnsupportedFormat = fmt.Errorf("unsupported content format")

// Encode 把读数编码为指定格式
func Encode(r Reading, mt message.MediaType) ([]byte, error) {
	switch mt {
	case message.TextPlain:
		return []byte(fmt.Sprintf("%s=%g%s", r.Name, r.Value, r.Unit)), nil
	case message.AppXML:
		return []byte(fmt.Sprintf(`<reading n="%s" v="%g" u="%s"/>`, r.Name, r.Value, r.Unit)), nil
	case message.AppJSON:
		return json.Marshal(r)
	case message.AppCBOR:
		return cbor.Marshal(r)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mt)
}

// Separate 处理较慢的资源，CON请求会先收到空ACK，再收到分离响应
type Separate struct {
	Delay time.Duration
}

func (s *Separate) Resource() *server.Resource {
	return &server.Resource{
		Path:       "separate",
		Attributes: []server.Attribute{{Name: "ct", Value: "0"}, {Name: "title", Value: "Slow resource"}},
		Handler:    s,
	}
}

func (s *Separate) Get(req *server.Request) *server.Response {
	time.Sleep(s.Delay)
	return server.TextResponse(message.Content, "That took a long time")
}

// Location POST创建子资源，回复Location-Path与Location-Query
type Location struct {
	path string

	mu   sync.Mutex
	next int
}

func NewLocation(path string) *Location { return &Location{path: path} }

func (l *Location) Resource() *server.Resource {
	return &server.Resource{
		Path:       l.path,
		Attributes: []server.Attribute{{Name: "title", Value: "Collection"}},
		Handler:    l,
	}
}

func (l *Location) Post(req *server.Request) *server.Response {
	l.mu.Lock()
	l.next++
	id := l.next
	l.mu.Unlock()
	return server.NewResponse(message.Created, nil).
		SetLocationPath(fmt.Sprintf("%s/%d", l.path, id)).
		SetLocationQuery(fmt.Sprintf("id=%d", id))
}
