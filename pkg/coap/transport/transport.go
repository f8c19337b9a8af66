package transport

import (
	"errors"
	"net"
)

const (
	DefaultPort       = 5683 // coap://
	DefaultSecurePort = 5684 // coaps://
	MaxDatagramSize   = 1500 // 读缓冲区大小，足够容纳1024字节块加报文头和选项
	MulticastTTL      = 64   // 组播TTL
)

// AllCoAPNodes IPv4 "All CoAP Nodes" 组播地址（RFC 7252 §12.8）
var AllCoAPNodes = net.IPv4(224, 0, 1, 187)

// 错误定义
var (
	ErrInvalidParam       = errors.New("invalid parameter")
	ErrAddressInvalid     = errors.New("invalid address")
	ErrBindFailed         = errors.New("bind failed")
	ErrConnectFailed      = errors.New("connect failed")
	ErrSocketCreateFailed = errors.New("socket create failed")
	ErrClosed             = errors.New("transport closed")
	ErrNoSession          = errors.New("no dtls session for peer")
	ErrSecurityConfig     = errors.New("invalid security config")
	ErrUnknownIdentity    = errors.New("unknown psk identity")

	// ErrTLSFailed DTLS握手失败，与协议层的RST区分开
	ErrTLSFailed = errors.New("TLS FAILED")
)

// Datagram 收到的一个完整数据报
type Datagram struct {
	Data      []byte   // 引用调用方提供的读缓冲区
	Peer      net.Addr // 对端地址
	Multicast bool     // 目的地址是组播地址
}

// PacketConn CoAP端点使用的收发接口，每次读写一个完整PDU
// UDP直接收发；DTLS在握手完成后收发解密后的明文
type PacketConn interface {
	// ReadPacket 阻塞读取下一个数据报，关闭后返回ErrClosed
	ReadPacket(buf []byte) (Datagram, error)
	// WritePacket 向peer发送一个数据报
	WritePacket(b []byte, peer net.Addr) error
	LocalAddr() net.Addr
	Close() error
}

// IsMulticast 判断地址是否为组播地址
func IsMulticast(addr net.Addr) bool {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.IP.IsMulticast()
	}
	return false
}

// RemoteAddr 客户端连接的对端地址，服务端连接返回nil
func RemoteAddr(c PacketConn) net.Addr {
	if rc, ok := c.(interface{ RemoteAddr() net.Addr }); ok {
		return rc.RemoteAddr()
	}
	return nil
}
