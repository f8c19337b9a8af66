package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pion/dtls/v2"

	log "github.com/junbin-yang/coap-go/pkg/utils/logger"
)

const (
	// DefaultHandshakeTimeout 客户端DTLS握手超时
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultServerHandshakeTimeout 服务端握手超时，握手期间不接受其他对端的新会话
	DefaultServerHandshakeTimeout = 5 * time.Second
)

// PSKConfig 预共享密钥配置
type PSKConfig struct {
	Identity []byte
	Key      []byte
	// Verify 服务端按客户端身份查询密钥，为空时只接受Identity/Key
	Verify func(identity []byte) ([]byte, error)
}

// CertConfig 证书配置，PEM格式
type CertConfig struct {
	CertPEM            []byte
	KeyPEM             []byte // EC私钥
	RootCAPEM          []byte // 可选，校验对端证书的根CA
	InsecureSkipVerify bool
	RequireClientCert  bool // 服务端要求客户端证书
}

// SecurityConfig coaps 安全配置，PSK与证书二选一
type SecurityConfig struct {
	PSK              *PSKConfig
	Cert             *CertConfig
	HandshakeTimeout time.Duration
}

func (s *SecurityConfig) handshakeTimeout(server bool) time.Duration {
	switch {
	case s.HandshakeTimeout > 0:
		return s.HandshakeTimeout
	case server:
		return DefaultServerHandshakeTimeout
	}
	return DefaultHandshakeTimeout
}

// dtlsConfig 生成pion/dtls配置
// 参数：
//   - server：是否用于服务端
//   - serverName：客户端校验证书时使用的主机名
func (s *SecurityConfig) dtlsConfig(server bool, serverName string) (*dtls.Config, error) {
	if s == nil || (s.PSK == nil && s.Cert == nil) {
		return nil, fmt.Errorf("%w: psk or certificate required", ErrSecurityConfig)
	}
	timeout := s.handshakeTimeout(server)
	cfg := &dtls.Config{
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		LoggerFactory:        log.PionLoggerFactory{},
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), timeout)
		},
	}

	if p := s.PSK; p != nil {
		if len(p.Key) == 0 && (!server || p.Verify == nil) {
			return nil, fmt.Errorf("%w: empty psk", ErrSecurityConfig)
		}
		if !server && len(p.Identity) == 0 {
			return nil, fmt.Errorf("%w: empty psk identity", ErrSecurityConfig)
		}
		cfg.CipherSuites = []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_CCM_8, dtls.TLS_PSK_WITH_AES_128_GCM_SHA256}
		cfg.PSKIdentityHint = p.Identity
		if server {
			cfg.PSK = p.serverCallback()
		} else {
			key := p.Key
			cfg.PSK = func([]byte) ([]byte, error) { return key, nil }
		}
		return cfg, nil
	}

	// 客户端可以不带证书
	c := s.Cert
	if len(c.CertPEM) > 0 || server {
		cert, err := tls.X509KeyPair(c.CertPEM, c.KeyPEM)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSecurityConfig, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	cfg.CipherSuites = []dtls.CipherSuiteID{dtls.TLS_ECDHE_ECDSA_WITH_AES_128_CCM_8, dtls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256}
	cfg.InsecureSkipVerify = c.InsecureSkipVerify

	var pool *x509.CertPool
	if len(c.RootCAPEM) > 0 {
		pool = x509.NewCertPool()
		if !pool.AppendCertsFromPEM(c.RootCAPEM) {
			return nil, fmt.Errorf("%w: bad root ca", ErrSecurityConfig)
		}
	}

	if server {
		switch {
		case c.RequireClientCert && pool != nil:
			cfg.ClientAuth = dtls.RequireAndVerifyClientCert
			cfg.ClientCAs = pool
		case c.RequireClientCert:
			cfg.ClientAuth = dtls.RequireAnyClientCert
		default:
			cfg.ClientAuth = dtls.NoClientCert
		}
	} else {
		cfg.RootCAs = pool
		cfg.ServerName = serverName
	}
	return cfg, nil
}

// serverCallback 服务端PSK回调，入参是客户端上报的身份
func (p *PSKConfig) serverCallback() dtls.PSKCallback {
	return func(identity []byte) ([]byte, error) {
		if p.Verify != nil {
			key, err := p.Verify(identity)
			if err != nil || len(key) == 0 {
				log.Warnf("[COAP_DTLS] 拒绝PSK身份 %q", identity)
				return nil, ErrUnknownIdentity
			}
			return key, nil
		}
		if string(identity) != string(p.Identity) {
			log.Warnf("[COAP_DTLS] 未知PSK身份 %q", identity)
			return nil, ErrUnknownIdentity
		}
		return p.Key, nil
	}
}

// dtlsConn 客户端DTLS会话
type dtlsConn struct {
	conn *dtls.Conn
}

// DialDTLS 建立DTLS客户端会话，握手在返回前完成
// 握手失败返回包装了ErrTLSFailed的错误
func DialDTLS(ctx context.Context, addr string, sec *SecurityConfig) (PacketConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressInvalid, err)
	}
	host, _, _ := net.SplitHostPort(addr)
	cfg, err := sec.dtlsConfig(false, host)
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, sec.handshakeTimeout(false))
	defer cancel()
	conn, err := dtls.DialWithContext(hctx, "udp", raddr, cfg)
	if err != nil {
		log.Errorf("[COAP_DTLS] 与 %s 握手失败: %v", addr, err)
		return nil, fmt.Errorf("%w: %v", ErrTLSFailed, err)
	}
	log.Debugf("[COAP_DTLS] 与 %s 握手完成", addr)
	return &dtlsConn{conn: conn}, nil
}

func (d *dtlsConn) ReadPacket(buf []byte) (Datagram, error) {
	n, err := d.conn.Read(buf)
	if err != nil {
		if err == io.EOF {
			return Datagram{}, ErrClosed
		}
		return Datagram{}, mapNetErr(err)
	}
	return Datagram{Data: buf[:n], Peer: d.conn.RemoteAddr()}, nil
}

func (d *dtlsConn) WritePacket(b []byte, _ net.Addr) error {
	_, err := d.conn.Write(b)
	return mapNetErr(err)
}

func (d *dtlsConn) LocalAddr() net.Addr { return d.conn.LocalAddr() }

func (d *dtlsConn) RemoteAddr() net.Addr { return d.conn.RemoteAddr() }

func (d *dtlsConn) Close() error { return d.conn.Close() }
