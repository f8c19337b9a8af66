package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/junbin-yang/coap-go/pkg/coap/endpoint"
	"github.com/junbin-yang/coap-go/pkg/coap/message"
	"github.com/junbin-yang/coap-go/pkg/coap/transport"
	log "github.com/junbin-yang/coap-go/pkg/utils/logger"
)

// Link link-format中的一项
type Link struct {
	Target string
	Attrs  map[string]string
}

// Discovered 一个节点的发现结果
type Discovered struct {
	Peer  net.Addr
	Links []Link
}

// ParseLinks 解析link-format负载（RFC 6690）
func ParseLinks(payload []byte) []Link {
	var links []Link
	for _, item := range splitLinks(string(payload)) {
		parts := strings.Split(item, ";")
		target := strings.TrimSpace(parts[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		l := Link{Target: target[1 : len(target)-1], Attrs: make(map[string]string)}
		for _, p := range parts[1:] {
			k, v, _ := strings.Cut(strings.TrimSpace(p), "=")
			if uq, err := strconv.Unquote(v); err == nil {
				v = uq
			}
			l.Attrs[k] = v
		}
		links = append(links, l)
	}
	return links
}

// splitLinks 按逗号切分，忽略引号内的逗号
func splitLinks(s string) []string {
	var out []string
	quoted := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// Discover 向addr（默认224.0.1.187:5683）发送NON GET /.well-known/core，
// 收集ctx结束前所有节点的响应；query为可选的过滤条件，如 "rt=temperature"
func Discover(ctx context.Context, addr, query string) ([]Discovered, error) {
	if addr == "" {
		addr = net.JoinHostPort(transport.AllCoAPNodes.String(), strconv.Itoa(transport.DefaultPort))
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrAddressInvalid, err)
	}
	conn, err := transport.ListenUDP("0.0.0.0:0", transport.ListenOptions{})
	if err != nil {
		return nil, err
	}
	ep := endpoint.New(conn, endpoint.Params{}, nil)
	defer ep.Close()

	var (
		mu      sync.Mutex
		results []Discovered
		seen    = make(map[string]bool)
	)
	collect := func(msg *message.Message, peer net.Addr) {
		if msg.Code != message.Content {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if seen[peer.String()] {
			return
		}
		seen[peer.String()] = true
		results = append(results, Discovered{Peer: peer, Links: ParseLinks(msg.Payload)})
		log.Debugf("[COAP_CLIENT] 发现节点 %s", peer)
	}

	req := &message.Message{Type: message.NonConfirmable, Code: message.GET, Token: message.NewToken(0)}
	path := ".well-known/core"
	if query != "" {
		path += "?" + query
	}
	req.SetPathQuery(path)
	ep.Listen(nil, req.Token, collect)

	x, err := ep.Send(raddr, req)
	if err != nil {
		return nil, err
	}
	// 单播目标的响应由交换本身接收
	if resp, err := x.Wait(ctx); err == nil {
		collect(resp, raddr)
	}
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	return results, nil
}
