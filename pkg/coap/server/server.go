// Package server 实现CoAP资源分发：路由、方法检查、Observe、Block2分块与资源发现
package server

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/junbin-yang/coap-go/pkg/coap/endpoint"
	"github.com/junbin-yang/coap-go/pkg/coap/message"
	"github.com/junbin-yang/coap-go/pkg/coap/observe"
	"github.com/junbin-yang/coap-go/pkg/coap/transport"
	log "github.com/junbin-yang/coap-go/pkg/utils/logger"
)

// WellKnownCore 资源发现路径（RFC 6690）
const WellKnownCore = ".well-known/core"

var (
	ErrNotFound      = errors.New("resource not found")
	ErrDuplicatePath = errors.New("resource path already registered")
	ErrInvalidPath   = errors.New("invalid resource path")
	ErrServerClosed  = errors.New("server closed")
)

// Options 服务端选项
type Options struct {
	Params   endpoint.Params // 可靠传输参数，零值为RFC默认值
	BlockSZX uint8           // 服务端块大小上限，零值表示1024字节
}

// Server CoAP服务端
type Server struct {
	opts     Options
	registry *observe.Registry

	mu        sync.RWMutex
	resources map[string]*Resource
	order     []string

	epMu   sync.Mutex
	eps    []*endpoint.Endpoint
	routes map[observe.Key]*endpoint.Endpoint // 观察者所在的端点
	closed bool
	done   chan struct{}
}

// New 创建服务端
func New(opts Options) *Server {
	if opts.BlockSZX == 0 || opts.BlockSZX > message.MaxSZX {
		opts.BlockSZX = message.MaxSZX
	}
	return &Server{
		opts:      opts,
		registry:  observe.NewRegistry(),
		resources: make(map[string]*Resource),
		routes:    make(map[observe.Key]*endpoint.Endpoint),
		done:      make(chan struct{}),
	}
}

func normalizePath(p string) string { return strings.Trim(p, "/") }

// Register 注册资源
func (s *Server) Register(resources ...*Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range resources {
		if r == nil || r.Handler == nil {
			return fmt.Errorf("%w: nil resource or handler", ErrInvalidPath)
		}
		r.Path = normalizePath(r.Path)
		if r.Path == "" || r.Path == WellKnownCore {
			return fmt.Errorf("%w: %q", ErrInvalidPath, r.Path)
		}
		if _, ok := s.resources[r.Path]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicatePath, r.Path)
		}
		if r.NotifType > NotifyNonConfirmable {
			r.NotifType = NotifyAsRequest
		}
		s.resources[r.Path] = r
		s.order = append(s.order, r.Path)
		log.Debugf("[COAP_SERVER] 注册资源 /%s", r.Path)
	}
	return nil
}

// Remove 删除资源，其观察者收到4.04后被移除
func (s *Server) Remove(path string) bool {
	path = normalizePath(path)
	s.mu.Lock()
	_, ok := s.resources[path]
	if ok {
		delete(s.resources, path)
		for i, p := range s.order {
			if p == path {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if ok {
		s.terminate(path, message.NotFound)
	}
	return ok
}

// Resource 按路径查找资源
func (s *Server) Resource(path string) (*Resource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[normalizePath(path)]
	return r, ok
}

// Resources 按注册顺序返回资源
func (s *Server) Resources() []*Resource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]*Resource, 0, len(s.order))
	for _, p := range s.order {
		list = append(list, s.resources[p])
	}
	return list
}

// Observers 路径上的观察者数量
func (s *Server) Observers(path string) int {
	return len(s.registry.Observers(normalizePath(path)))
}

// Serve 在conn上提供服务，阻塞直到Close或连接关闭
func (s *Server) Serve(conn transport.PacketConn) error {
	s.epMu.Lock()
	if s.closed {
		s.epMu.Unlock()
		conn.Close()
		return ErrServerClosed
	}
	var ep *endpoint.Endpoint
	ready := make(chan struct{})
	ep = endpoint.New(conn, s.opts.Params, func(req *endpoint.Request) *message.Message {
		<-ready
		return s.handle(ep, req)
	})
	close(ready)
	s.eps = append(s.eps, ep)
	s.epMu.Unlock()

	log.Infof("[COAP_SERVER] 开始在 %s 上提供服务", conn.LocalAddr())
	select {
	case <-s.done:
	case <-ep.Closed():
	}
	return nil
}

// ListenAndServe 监听UDP地址并提供服务
func (s *Server) ListenAndServe(addr string, opts transport.ListenOptions) error {
	conn, err := transport.ListenUDP(addr, opts)
	if err != nil {
		return err
	}
	return s.Serve(conn)
}

// ListenAndServeDTLS 监听coaps地址并提供服务
func (s *Server) ListenAndServeDTLS(addr string, sec *transport.SecurityConfig) error {
	conn, err := transport.ListenDTLS(addr, sec)
	if err != nil {
		return err
	}
	return s.Serve(conn)
}

// Close 停止所有端点
func (s *Server) Close() error {
	s.epMu.Lock()
	if s.closed {
		s.epMu.Unlock()
		return nil
	}
	s.closed = true
	eps := s.eps
	s.eps = nil
	s.routes = make(map[observe.Key]*endpoint.Endpoint)
	close(s.done)
	s.epMu.Unlock()

	var firstErr error
	for _, ep := range eps {
		if err := ep.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	log.Infof("[COAP_SERVER] 服务已停止")
	return firstErr
}

func (s *Server) route(key observe.Key) *endpoint.Endpoint {
	s.epMu.Lock()
	defer s.epMu.Unlock()
	return s.routes[key]
}

func (s *Server) setRoute(key observe.Key, ep *endpoint.Endpoint) {
	s.epMu.Lock()
	defer s.epMu.Unlock()
	if ep == nil {
		delete(s.routes, key)
		return
	}
	s.routes[key] = ep
}
