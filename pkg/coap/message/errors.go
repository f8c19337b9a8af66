package message

import "errors"

// 报文解码/编码错误
var (
	ErrTruncated       = errors.New("coap: message truncated")
	ErrInvalidVersion  = errors.New("coap: invalid version")
	ErrInvalidType     = errors.New("coap: invalid message type")
	ErrTokenTooLong    = errors.New("coap: token length > 8")
	ErrOptionDelta     = errors.New("coap: invalid option delta")
	ErrOptionLength    = errors.New("coap: invalid option length")
	ErrPayloadMarker   = errors.New("coap: payload marker without payload")
	ErrEmptyNotEmpty   = errors.New("coap: empty message carries token, options or payload")
	ErrUnknownOption   = errors.New("coap: unregistered option")
	ErrUnknownCritical = errors.New("coap: unrecognized critical option")
	ErrOptionRepeated  = errors.New("coap: non-repeatable option repeated")
)

// 块传输参数错误
var (
	ErrInvalidBlock = errors.New("coap: invalid block option")
	ErrInvalidSize  = errors.New("coap: block size must be a power of two in 16..1024")
)
