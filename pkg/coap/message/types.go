package message

import (
	"fmt"
	"strconv"
	"strings"
)

// Type 报文类型（2bit）
type Type uint8

const (
	Confirmable     Type = 0 // CON
	NonConfirmable  Type = 1 // NON
	Acknowledgement Type = 2 // ACK
	Reset           Type = 3 // RST
)

var typeNames = [...]string{"CON", "NON", "ACK", "RST"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// ParseType 解析 "CON"/"NON"/"ACK"/"RST"（不区分大小写）
func ParseType(s string) (Type, error) {
	for i, n := range typeNames {
		if strings.EqualFold(n, s) {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidType, s)
}

// Code 请求方法或响应码，高3位为class，低5位为detail
type Code uint8

const (
	Empty Code = 0

	// 请求方法
	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4

	// 2.xx
	Created  Code = 65
	Deleted  Code = 66
	Valid    Code = 67
	Changed  Code = 68
	Content  Code = 69
	Continue Code = 95

	// 4.xx
	BadRequest               Code = 128
	Unauthorized             Code = 129
	BadOption                Code = 130
	Forbidden                Code = 131
	NotFound                 Code = 132
	MethodNotAllowed         Code = 133
	NotAcceptable            Code = 134
	RequestEntityIncomplete  Code = 136
	PreconditionFailed       Code = 140
	RequestEntityTooLarge    Code = 141
	UnsupportedContentFormat Code = 143

	// 5.xx
	InternalServerError  Code = 160
	NotImplemented       Code = 161
	BadGateway           Code = 162
	ServiceUnavailable   Code = 163
	GatewayTimeout       Code = 164
	ProxyingNotSupported Code = 165
)

var codeNames = map[Code]string{
	Empty:                    "EMPTY",
	GET:                      "GET",
	POST:                     "POST",
	PUT:                      "PUT",
	DELETE:                   "DELETE",
	Created:                  "CREATED",
	Deleted:                  "DELETED",
	Valid:                    "VALID",
	Changed:                  "CHANGED",
	Content:                  "CONTENT",
	Continue:                 "CONTINUE",
	BadRequest:               "BAD_REQUEST",
	Unauthorized:             "UNAUTHORIZED",
	BadOption:                "BAD_OPTION",
	Forbidden:                "FORBIDDEN",
	NotFound:                 "NOT_FOUND",
	MethodNotAllowed:         "METHOD_NOT_ALLOWED",
	NotAcceptable:            "NOT_ACCEPTABLE",
	RequestEntityIncomplete:  "REQUEST_ENTITY_INCOMPLETE",
	PreconditionFailed:       "PRECONDITION_FAILED",
	RequestEntityTooLarge:    "REQUEST_ENTITY_TOO_LARGE",
	UnsupportedContentFormat: "UNSUPPORTED_CONTENT_FORMAT",
	InternalServerError:      "INTERNAL_SERVER_ERROR",
	NotImplemented:           "NOT_IMPLEMENTED",
	BadGateway:               "BAD_GATEWAY",
	ServiceUnavailable:       "SERVICE_UNAVAILABLE",
	GatewayTimeout:           "GATEWAY_TIMEOUT",
	ProxyingNotSupported:     "PROXYING_NOT_SUPPORTED",
}

// NewCode 由class和detail构造响应码，例如 NewCode(2, 5) == Content
func NewCode(class, detail uint8) Code {
	return Code(class<<5 | detail&0x1f)
}

func (c Code) Class() uint8  { return uint8(c) >> 5 }
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }

// String 输出 "class.detail" 形式，如 69 -> "2.05"
func (c Code) String() string {
	return fmt.Sprintf("%d.%02d", c.Class(), c.Detail())
}

// Name 返回注册表中的名称，未注册的码返回 "class.detail"
func (c Code) Name() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return c.String()
}

func (c Code) IsEmpty() bool   { return c == Empty }
func (c Code) IsRequest() bool { return c.Class() == 0 && c != Empty }

// IsResponse 2.xx/4.xx/5.xx
func (c Code) IsResponse() bool {
	cl := c.Class()
	return cl >= 2 && cl <= 5
}

func (c Code) IsSuccess() bool { return c.Class() == 2 }

// MediaType Content-Format注册值
type MediaType uint16

const (
	TextPlain     MediaType = 0
	AppLinkFormat MediaType = 40
	AppXML        MediaType = 41
	AppOctets     MediaType = 42
	AppExi        MediaType = 47
	AppJSON       MediaType = 50
	AppCBOR       MediaType = 60
)

var mediaTypeNames = map[MediaType]string{
	TextPlain:     "text/plain;charset=utf-8",
	AppLinkFormat: "application/link-format",
	AppXML:        "application/xml",
	AppOctets:     "application/octet-stream",
	AppExi:        "application/exi",
	AppJSON:       "application/json",
	AppCBOR:       "application/cbor",
}

func (m MediaType) String() string {
	if n, ok := mediaTypeNames[m]; ok {
		return n
	}
	return fmt.Sprintf("MediaType(%d)", uint16(m))
}

// ParseMediaType 支持 "text"、"json"、"cbor" 等简写，也接受数字
func ParseMediaType(s string) (MediaType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "plain", "text/plain", "text/plain;charset=utf-8":
		return TextPlain, nil
	case "link", "link-format", "application/link-format":
		return AppLinkFormat, nil
	case "xml", "application/xml":
		return AppXML, nil
	case "octets", "octet-stream", "application/octet-stream":
		return AppOctets, nil
	case "exi", "application/exi":
		return AppExi, nil
	case "json", "application/json":
		return AppJSON, nil
	case "cbor", "application/cbor":
		return AppCBOR, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown content format %q", s)
	}
	return MediaType(n), nil
}
