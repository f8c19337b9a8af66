package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	log "github.com/junbin-yang/coap-go/pkg/utils/logger"
	"golang.org/x/net/ipv4"
)

// ListenOptions UDP服务端选项
type ListenOptions struct {
	Multicast bool   // 加入All-CoAP-Nodes组播组
	Interface string // 加入组播的网卡名，空表示所有支持组播的网卡
	Loopback  bool   // 是否接收本机发出的组播
}

// udpConn 基于net.UDPConn的PacketConn实现
type udpConn struct {
	conn      *net.UDPConn
	pc        *ipv4.PacketConn // 组播模式下用于读取目的地址
	dst       *net.UDPAddr     // 客户端预设的目标地址
	connected bool
	joined    bool
}

// ListenUDP 创建并绑定CoAP UDP服务端
// 参数：
//   - addr：监听地址，如 ":5683"
//   - opts：组播相关选项
func ListenUDP(addr string, opts ListenOptions) (PacketConn, error) {
	network := "udp"
	if opts.Multicast {
		network = "udp4"
	}
	laddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressInvalid, err)
	}

	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBindFailed, err)
	}
	u := &udpConn{conn: conn}

	if laddr.IP == nil || laddr.IP.To4() != nil {
		u.pc = ipv4.NewPacketConn(conn)
		// 设置组播TTL，失败不影响单播
		if err := u.pc.SetMulticastTTL(MulticastTTL); err != nil {
			log.Warnf("[COAP_UDP] 设置IPv4组播TTL失败: %v", err)
		}
	}

	if opts.Multicast {
		if err := u.joinAllCoAPNodes(opts); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return u, nil
}

// joinAllCoAPNodes 加入224.0.1.187，并开启目的地址控制消息以识别组播请求
func (u *udpConn) joinAllCoAPNodes(opts ListenOptions) error {
	if u.pc == nil {
		return fmt.Errorf("%w: multicast requires an IPv4 socket", ErrSocketCreateFailed)
	}
	if err := u.pc.SetMulticastLoopback(opts.Loopback); err != nil {
		return fmt.Errorf("%w: %v", ErrSocketCreateFailed, err)
	}

	var ifaces []net.Interface
	if opts.Interface != "" {
		ifi, err := net.InterfaceByName(opts.Interface)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParam, err)
		}
		ifaces = append(ifaces, *ifi)
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSocketCreateFailed, err)
		}
		for _, ifi := range all {
			if ifi.Flags&net.FlagUp != 0 && ifi.Flags&net.FlagMulticast != 0 {
				ifaces = append(ifaces, ifi)
			}
		}
	}

	group := &net.UDPAddr{IP: AllCoAPNodes}
	for i := range ifaces {
		if err := u.pc.JoinGroup(&ifaces[i], group); err != nil {
			log.Warnf("[COAP_UDP] 网卡 %s 加入组播组失败: %v", ifaces[i].Name, err)
			continue
		}
		u.joined = true
		log.Debugf("[COAP_UDP] 网卡 %s 已加入组播组 %s", ifaces[i].Name, AllCoAPNodes)
	}
	if !u.joined {
		return fmt.Errorf("%w: no interface joined %s", ErrSocketCreateFailed, AllCoAPNodes)
	}
	return u.pc.SetControlMessage(ipv4.FlagDst, true)
}

// DialUDP 创建连接到addr的CoAP UDP客户端
func DialUDP(ctx context.Context, addr string) (PacketConn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	conn := c.(*net.UDPConn)
	return &udpConn{
		conn:      conn,
		dst:       conn.RemoteAddr().(*net.UDPAddr),
		connected: true,
	}, nil
}

func (u *udpConn) ReadPacket(buf []byte) (Datagram, error) {
	if u.joined {
		n, cm, src, err := u.pc.ReadFrom(buf)
		if err != nil {
			return Datagram{}, mapNetErr(err)
		}
		d := Datagram{Data: buf[:n], Peer: src}
		if cm != nil && cm.Dst != nil {
			d.Multicast = cm.Dst.IsMulticast()
		}
		return d, nil
	}

	n, src, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		return Datagram{}, mapNetErr(err)
	}
	var peer net.Addr = src
	if src == nil {
		peer = u.dst
	}
	return Datagram{Data: buf[:n], Peer: peer}, nil
}

func (u *udpConn) WritePacket(b []byte, peer net.Addr) error {
	if u.connected {
		_, err := u.conn.Write(b)
		return mapNetErr(err)
	}
	ua, ok := peer.(*net.UDPAddr)
	if !ok {
		if peer == nil {
			return ErrAddressInvalid
		}
		var err error
		if ua, err = net.ResolveUDPAddr("udp", peer.String()); err != nil {
			return fmt.Errorf("%w: %v", ErrAddressInvalid, err)
		}
	}
	_, err := u.conn.WriteToUDP(b, ua)
	return mapNetErr(err)
}

func (u *udpConn) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// RemoteAddr 已连接socket的对端，未连接时为nil
func (u *udpConn) RemoteAddr() net.Addr {
	if u.dst == nil {
		return nil
	}
	return u.dst
}

func (u *udpConn) Close() error {
	if u.joined {
		_ = u.pc.LeaveGroup(nil, &net.UDPAddr{IP: AllCoAPNodes})
	}
	return u.conn.Close()
}

func mapNetErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}
