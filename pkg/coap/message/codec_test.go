package message

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func buildMessages() []*Message {
	get := &Message{Type: Confirmable, Code: GET, MessageID: 0x1234, Token: []byte{0x12, 0x34}}
	get.SetPathQuery("seg1/seg2/seg3?first=1&second=2")
	get.SetAccept(AppJSON)

	put := &Message{Type: NonConfirmable, Code: PUT, MessageID: 1, Token: []byte("abcdefgh"), Payload: []byte("Hello World")}
	put.SetPath("validate")
	put.Options.Add(IfMatch, []byte{0xde, 0xad})
	put.Options.Add(IfNoneMatch, nil)
	put.SetContentFormat(TextPlain)

	content := &Message{Type: Acknowledgement, Code: Content, MessageID: 65535, Token: []byte{1}, Payload: bytes.Repeat([]byte("x"), 64)}
	content.SetContentFormat(AppCBOR)
	content.SetObserve(0x123456)
	content.SetBlock2(Block{Num: 39, More: false, SZX: 1})
	content.SetETag([]byte{1, 2, 3, 4})
	content.Options.AddUint(Size1, 1280)

	proxy := &Message{Type: Confirmable, Code: POST, MessageID: 7}
	proxy.Options.AddString(ProxyURI, "coap://example.org/"+strings.Repeat("p", 300))
	proxy.Options.AddString(ProxyScheme, "coaps")
	proxy.SetLocationPath("location1/location2/location3")

	return []*Message{
		get, put, content, proxy,
		NewPing(42),
		NewAck(get),
		NewReset(0),
	}
}

// 测试编码后再解码得到相同报文
func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	for i, m := range buildMessages() {
		data, err := Marshal(m)
		if err != nil {
			t.Fatalf("case %d: 编码失败: %v", i, err)
		}
		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("case %d: 解码失败: %v", i, err)
		}
		if !got.Equal(m) {
			t.Errorf("case %d: round trip mismatch\n got %s\nwant %s", i, got, m)
		}
	}
}

func TestRepeatableOptionOrder(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET, MessageID: 3}
	m.SetContentFormat(TextPlain) // 编号大于Uri-Path，排序后应在后面
	m.SetPath("a/b/c")
	m.SetQuery("x=1&y=2&z=3")

	data, err := Marshal(m)
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if got.Path() != "a/b/c" {
		t.Errorf("path = %q", got.Path())
	}
	if q := strings.Join(got.Queries(), "&"); q != "x=1&y=2&z=3" {
		t.Errorf("query = %q", q)
	}
}

// 逐字节校验编码结果
func TestMarshalBytes(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET, MessageID: 0x1234, Token: []byte{0x01}}
	m.SetPath("test")
	m.SetBlock2(Block{Num: 0, SZX: 2})

	data, err := Marshal(m)
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	want := []byte{
		0x41, 0x01, 0x12, 0x34, // ver=1 CON tkl=1, GET, mid
		0x01,                   // token
		0xB4, 't', 'e', 's', 't', // delta 11 (Uri-Path) len 4
		0xC1, 0x02, // delta 12 (Block2=23) len 1, szx=2
	}
	if !bytes.Equal(data, want) {
		t.Errorf("encoded = % x\nwant      % x", data, want)
	}
}

func TestExtendedOptionHeader(t *testing.T) {
	cases := []struct {
		v      int
		nibble byte
		ext    []byte
	}{
		{0, 0, nil},
		{12, 12, nil},
		{13, 13, []byte{0}},
		{268, 13, []byte{255}},
		{269, 14, []byte{0, 0}},
		{65804, 14, []byte{0xff, 0xff}},
	}
	for _, c := range cases {
		n, ext := extendNibble(c.v)
		if n != c.nibble || !bytes.Equal(ext, c.ext) {
			t.Errorf("extendNibble(%d) = %d % x, want %d % x", c.v, n, ext, c.nibble, c.ext)
		}
		got, rest, err := readNibble(int(n), ext, ErrOptionDelta)
		if err != nil || got != c.v || len(rest) != 0 {
			t.Errorf("readNibble roundtrip(%d) = %d, %v", c.v, got, err)
		}
	}
}

func TestUnmarshalErrors(t *testing.T) {
	hdr := []byte{0x40, 0x01, 0x00, 0x01} // CON GET mid=1 tkl=0
	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"short header", []byte{0x40, 0x01}, ErrTruncated},
		{"bad version", []byte{0x80, 0x01, 0, 1}, ErrInvalidVersion},
		{"token too long", []byte{0x49, 0x01, 0, 1}, ErrTokenTooLong},
		{"token truncated", []byte{0x44, 0x01, 0, 1, 0xaa}, ErrTruncated},
		{"marker without payload", append(append([]byte{}, hdr...), 0xFF), ErrPayloadMarker},
		{"delta nibble 15", append(append([]byte{}, hdr...), 0xF1, 0x00), ErrOptionDelta},
		{"length nibble 15", append(append([]byte{}, hdr...), 0xBF), ErrOptionLength},
		{"ext delta truncated", append(append([]byte{}, hdr...), 0xD0), ErrTruncated},
		{"ext length truncated", append(append([]byte{}, hdr...), 0xBE, 0x01), ErrTruncated},
		{"value truncated", append(append([]byte{}, hdr...), 0xB4, 't', 'e'), ErrTruncated},
		{"option number overflow", append(append([]byte{}, hdr...), 0xE0, 0xFF, 0xFF), ErrOptionDelta},
		{"empty with payload", []byte{0x40, 0x00, 0, 1, 0xFF, 'x'}, ErrEmptyNotEmpty},
		{"empty with token", []byte{0x41, 0x00, 0, 1, 0x01}, ErrEmptyNotEmpty},
	}
	for _, c := range cases {
		if _, err := Unmarshal(c.data); !errors.Is(err, c.want) {
			t.Errorf("%s: err = %v, want %v", c.name, err, c.want)
		}
	}
}

func TestUnmarshalUnknownOptions(t *testing.T) {
	// 未注册的elective选项10被忽略
	data := []byte{0x40, 0x01, 0, 1, 0xA1, 0x55, 0x11, 'a'}
	m, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("elective选项不应报错: %v", err)
	}
	if len(m.Options) != 1 || m.Path() != "a" {
		t.Errorf("options = %s", m.Options)
	}

	// 未注册的critical选项9
	data = []byte{0x40, 0x01, 0, 1, 0x91, 0x55}
	m, err = Unmarshal(data)
	if !errors.Is(err, ErrUnknownCritical) {
		t.Fatalf("err = %v, want ErrUnknownCritical", err)
	}
	if m == nil || m.MessageID != 1 {
		t.Errorf("critical选项错误时仍应返回报文头: %v", m)
	}

	// 重复出现的非可重复critical选项(Uri-Host=3)
	data = []byte{0x40, 0x01, 0, 1, 0x31, 'a', 0x01, 'b'}
	if _, err = Unmarshal(data); !errors.Is(err, ErrUnknownCritical) {
		t.Errorf("重复Uri-Host: err = %v", err)
	}
}

func TestMarshalRejects(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET, MessageID: 1}
	m.Options.Add(OptionID(9), []byte{1})
	if _, err := Marshal(m); !errors.Is(err, ErrUnknownOption) {
		t.Errorf("unregistered option: err = %v", err)
	}

	m = &Message{Type: Confirmable, Code: GET, MessageID: 1}
	m.Options.Add(ETag, bytes.Repeat([]byte{1}, 9))
	if _, err := Marshal(m); !errors.Is(err, ErrOptionLength) {
		t.Errorf("etag too long: err = %v", err)
	}

	// 非重复选项出现两次
	m = &Message{Type: Confirmable, Code: GET, MessageID: 1}
	m.Options.AddUint(Accept, uint32(AppJSON))
	m.Options.AddString(URIPath, "a")
	m.Options.AddUint(Accept, uint32(AppCBOR))
	if _, err := Marshal(m); !errors.Is(err, ErrOptionRepeated) {
		t.Errorf("duplicate Accept: err = %v", err)
	}
	m = &Message{Type: Confirmable, Code: GET, MessageID: 1}
	m.Options.Add(ETag, []byte{1})
	m.Options.Add(ETag, []byte{2})
	m.Options.AddString(URIPath, "a")
	m.Options.AddString(URIPath, "b")
	if _, err := Marshal(m); err != nil {
		t.Errorf("repeatable options rejected: %v", err)
	}

	m = &Message{Type: Confirmable, Code: GET, MessageID: 1, Token: make([]byte, 9)}
	if _, err := Marshal(m); !errors.Is(err, ErrTokenTooLong) {
		t.Errorf("token too long: err = %v", err)
	}

	m = &Message{Type: Acknowledgement, Code: Empty, MessageID: 1, Payload: []byte("x")}
	if _, err := Marshal(m); !errors.Is(err, ErrEmptyNotEmpty) {
		t.Errorf("empty ack with payload: err = %v", err)
	}
}

func TestCodeString(t *testing.T) {
	cases := map[Code]string{
		Content:             "2.05",
		Created:             "2.01",
		NotFound:            "4.04",
		PreconditionFailed:  "4.12",
		InternalServerError: "5.00",
		GET:                 "0.01",
	}
	for c, want := range cases {
		if c.String() != want {
			t.Errorf("%d.String() = %s, want %s", uint8(c), c.String(), want)
		}
	}
	if Content.Class() != 2 || Content.Detail() != 5 || NewCode(2, 5) != Content {
		t.Error("class/detail mismatch for 2.05")
	}
	if NotAcceptable.Name() != "NOT_ACCEPTABLE" {
		t.Errorf("name = %s", NotAcceptable.Name())
	}
	if !GET.IsRequest() || Content.IsRequest() || !NotFound.IsResponse() || Empty.IsResponse() {
		t.Error("request/response predicates wrong")
	}
}

func TestMessageIDSourceSkipsZero(t *testing.T) {
	s := &MessageIDSource{next: 0xFFFE}
	if id := s.Next(); id != 0xFFFF {
		t.Errorf("id = %d", id)
	}
	if id := s.Next(); id != 1 {
		t.Errorf("wrap: id = %d, want 1", id)
	}
	if tok := NewToken(0); len(tok) != DefaultTokenLen {
		t.Errorf("token len = %d", len(tok))
	}
}
