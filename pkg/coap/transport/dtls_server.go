package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/pion/dtls/v2"

	log "github.com/junbin-yang/coap-go/pkg/utils/logger"
)

// dtlsServer 每个对端一个DTLS会话，对上层表现为单个PacketConn
type dtlsServer struct {
	listener net.Listener
	incoming chan Datagram
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once

	mu       sync.RWMutex
	sessions map[string]net.Conn // key: peer.String()
}

// ListenDTLS 创建coaps服务端
// 握手失败只记录日志，不影响后续连接
func ListenDTLS(addr string, sec *SecurityConfig) (PacketConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressInvalid, err)
	}
	cfg, err := sec.dtlsConfig(true, "")
	if err != nil {
		return nil, err
	}
	ln, err := dtls.Listen("udp", laddr, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}

	s := &dtlsServer{
		listener: ln,
		incoming: make(chan Datagram, 64),
		stopChan: make(chan struct{}),
		sessions: make(map[string]net.Conn),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// acceptLoop 循环接受新会话
// pion/dtls的Accept在返回前同步完成握手，一个停在半途的对端会阻塞后续对端，
// 最长阻塞时间由服务端握手超时决定（默认DefaultServerHandshakeTimeout）
func (s *dtlsServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			log.Warnf("[COAP_DTLS] 握手失败: %v", err)
			continue
		}

		peer := conn.RemoteAddr()
		s.mu.Lock()
		if old, ok := s.sessions[peer.String()]; ok {
			old.Close()
		}
		s.sessions[peer.String()] = conn
		s.mu.Unlock()
		log.Debugf("[COAP_DTLS] 新会话来自 %s", peer)

		s.wg.Add(1)
		go s.handleSession(conn)
	}
}

// handleSession 读取单个会话的明文数据报
func (s *dtlsServer) handleSession(conn net.Conn) {
	defer s.wg.Done()
	peer := conn.RemoteAddr()
	defer s.removeSession(peer.String(), conn)

	buf := make([]byte, MaxDatagramSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			log.Debugf("[COAP_DTLS] 会话 %s 结束: %v", peer, err)
			return
		}
		d := Datagram{Data: append([]byte(nil), buf[:n]...), Peer: peer}
		select {
		case s.incoming <- d:
		case <-s.stopChan:
			return
		}
	}
}

func (s *dtlsServer) removeSession(key string, conn net.Conn) {
	s.mu.Lock()
	if cur, ok := s.sessions[key]; ok && cur == conn {
		delete(s.sessions, key)
	}
	s.mu.Unlock()
	conn.Close()
}

func (s *dtlsServer) ReadPacket(buf []byte) (Datagram, error) {
	select {
	case d := <-s.incoming:
		n := copy(buf, d.Data)
		d.Data = buf[:n]
		return d, nil
	case <-s.stopChan:
		return Datagram{}, ErrClosed
	}
}

func (s *dtlsServer) WritePacket(b []byte, peer net.Addr) error {
	if peer == nil {
		return ErrAddressInvalid
	}
	s.mu.RLock()
	conn, ok := s.sessions[peer.String()]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, peer)
	}
	_, err := conn.Write(b)
	return mapNetErr(err)
}

func (s *dtlsServer) LocalAddr() net.Addr { return s.listener.Addr() }

// Close 停止接受新会话并关闭所有会话
func (s *dtlsServer) Close() error {
	s.once.Do(func() {
		close(s.stopChan)
		s.listener.Close()

		s.mu.Lock()
		for key, conn := range s.sessions {
			conn.Close()
			delete(s.sessions, key)
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	return nil
}
