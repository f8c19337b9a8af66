package server

import (
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"

	"github.com/junbin-yang/coap-go/pkg/coap/blockwise"
	"github.com/junbin-yang/coap-go/pkg/coap/endpoint"
	"github.com/junbin-yang/coap-go/pkg/coap/message"
	"github.com/junbin-yang/coap-go/pkg/coap/observe"
	log "github.com/junbin-yang/coap-go/pkg/utils/logger"
)

func codeMessage(code message.Code) *message.Message {
	return &message.Message{Code: code}
}

// handle 端点交给服务端的每个请求
func (s *Server) handle(ep *endpoint.Endpoint, in *endpoint.Request) *message.Message {
	req := &Request{Message: in.Message, Peer: in.Peer, Multicast: in.Multicast}
	m := s.dispatch(ep, req)
	if req.Multicast && !m.Code.IsSuccess() {
		// 组播请求不回复错误（RFC 7252 §8.2）
		log.Debugf("[COAP_SERVER] 抑制组播请求 /%s 的错误响应 %s", req.Path(), m.Code)
		return nil
	}
	return m
}

func (s *Server) dispatch(ep *endpoint.Endpoint, req *Request) *message.Message {
	path := normalizePath(req.Path())
	if path == WellKnownCore {
		if req.Message.Code != message.GET {
			return codeMessage(message.MethodNotAllowed)
		}
		return s.block(req, s.discovery(req))
	}

	r, ok := s.Resource(path)
	if !ok {
		log.Debugf("[COAP_SERVER] 资源不存在: /%s", path)
		return codeMessage(message.NotFound)
	}
	resp, allowed := s.call(r, req)
	if !allowed {
		return codeMessage(message.MethodNotAllowed)
	}
	m := s.buildResponse(r, resp)

	if accept, ok := req.Message.Accept(); ok && m.Code == message.Content {
		if ct, ok := m.ContentFormat(); ok && ct != accept {
			log.Debugf("[COAP_SERVER] /%s 无法提供格式 %s", path, accept)
			return codeMessage(message.NotAcceptable)
		}
	}

	switch req.Message.Code {
	case message.GET:
		if r.Observable {
			s.observeRequest(ep, r, req, m)
		}
	case message.DELETE:
		if m.Code == message.Deleted {
			s.terminate(path, message.NotFound)
		}
	}
	return s.block(req, m)
}

// call 按请求方法调用处理器，allowed为false表示资源不支持该方法
func (s *Server) call(r *Resource, req *Request) (resp *Response, allowed bool) {
	if f, ok := r.Handler.(interface{ Allows(message.Code) bool }); ok && !f.Allows(req.Message.Code) {
		return nil, false
	}
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("[COAP_SERVER] 资源 /%s 处理 %s 时panic: %v\n%s", r.Path, req.Message.Code.Name(), p, debug.Stack())
			resp, allowed = NewResponse(message.InternalServerError, []byte(fmt.Sprint(p))), true
		}
	}()
	switch req.Message.Code {
	case message.GET:
		if h, ok := r.Handler.(Getter); ok {
			return h.Get(req), true
		}
	case message.POST:
		if h, ok := r.Handler.(Poster); ok {
			return h.Post(req), true
		}
	case message.PUT:
		if h, ok := r.Handler.(Putter); ok {
			return h.Put(req), true
		}
	case message.DELETE:
		if h, ok := r.Handler.(Deleter); ok {
			return h.Delete(req), true
		}
	}
	return nil, false
}

// buildResponse 转换处理器响应，未设置Content-Format时取资源的ct属性
func (s *Server) buildResponse(r *Resource, resp *Response) *message.Message {
	if resp == nil {
		log.Errorf("[COAP_SERVER] 资源 /%s 的处理器没有返回响应", r.Path)
		return codeMessage(message.InternalServerError)
	}
	m := &message.Message{Code: resp.Code, Payload: resp.Payload, Options: resp.Options.Clone()}
	if len(m.Payload) > 0 && !m.Options.Has(message.ContentFormat) {
		if ct, ok := r.Attribute("ct"); ok {
			if v, err := strconv.ParseUint(ct, 10, 16); err == nil {
				m.SetContentFormat(message.MediaType(v))
			}
		}
	}
	return m
}

// block 按请求的Block2或服务端块大小分块
func (s *Server) block(req *Request, m *message.Message) *message.Message {
	if !m.Code.IsSuccess() {
		return m
	}
	requested, hasBlock := req.Message.Block2()
	if req.Message.Options.Has(message.Block2) && !hasBlock {
		return codeMessage(message.BadOption)
	}
	if !hasBlock && !blockwise.NeedsBlocks(m.Payload, s.opts.BlockSZX) {
		return m
	}
	var rb *message.Block
	if hasBlock {
		rb = &requested
	}
	chunk, b, err := blockwise.Slice(m.Payload, rb, s.opts.BlockSZX)
	if err != nil {
		log.Debugf("[COAP_SERVER] Block2 %s 无效: %v", requested, err)
		return codeMessage(message.BadOption)
	}
	if b.Num == 0 {
		m.Options.SetUint(message.Size2, uint32(len(m.Payload)))
	} else {
		m.Options.Remove(message.Observe)
	}
	m.Payload = chunk
	m.SetBlock2(b)
	return m
}

// observeRequest 处理GET上的Observe注册与注销
func (s *Server) observeRequest(ep *endpoint.Endpoint, r *Resource, req *Request, m *message.Message) {
	path := normalizePath(req.Path())
	key := observe.NewKey(path, req.Message.Token, req.Peer)
	v, has := req.Message.Observe()

	switch {
	case has && v == 0 && m.Code.IsSuccess() && !req.Multicast:
		format, accept := req.Message.Accept()
		hasFormat := accept
		if !hasFormat {
			format, hasFormat = m.ContentFormat()
		}
		o, created := s.registry.Register(&observe.Observation{
			Path:      path,
			Token:     append([]byte(nil), req.Message.Token...),
			Peer:      req.Peer,
			Type:      r.NotifType.typeFor(req.Message.Type),
			Format:    format,
			HasFormat: hasFormat,
			Accept:    accept,
		})
		seq := o.Seq
		if !created {
			seq, _ = s.registry.NextSeq(key)
		}
		s.setRoute(key, ep)
		m.SetObserve(seq)
		if created {
			log.Infof("[COAP_SERVER] %s 开始观察 /%s", req.Peer, path)
		}
	case has && v == 0:
		s.cancel(key)
	default:
		// 分块续传不影响观察关系
		if b, ok := req.Message.Block2(); ok && b.Num > 0 {
			return
		}
		if s.cancel(key) {
			log.Infof("[COAP_SERVER] %s 取消观察 /%s", req.Peer, path)
		}
	}
}

func (s *Server) cancel(key observe.Key) bool {
	s.setRoute(key, nil)
	return s.registry.Cancel(key)
}

// NotifyChanged 资源状态变化，向所有观察者发送通知
func (s *Server) NotifyChanged(path string) error {
	path = normalizePath(path)
	r, ok := s.Resource(path)
	if !ok {
		return fmt.Errorf("%w: /%s", ErrNotFound, path)
	}
	for _, o := range s.registry.Observers(path) {
		s.notify(r, o)
	}
	return nil
}

func (s *Server) notify(r *Resource, o *observe.Observation) {
	key := o.Key()
	ep := s.route(key)
	if ep == nil {
		s.registry.Cancel(key)
		return
	}

	get := &message.Message{Type: o.Type, Code: message.GET, Token: o.Token}
	get.SetPath(o.Path)
	if o.Accept {
		get.SetAccept(o.Format)
	}
	resp, allowed := s.call(r, &Request{Message: get, Peer: o.Peer})
	if !allowed {
		s.finish(ep, o, codeMessage(message.MethodNotAllowed))
		return
	}
	m := s.buildResponse(r, resp)
	if !m.Code.IsSuccess() {
		s.finish(ep, o, m)
		return
	}
	if ct, ok := m.ContentFormat(); ok && o.HasFormat && ct != o.Format {
		log.Infof("[COAP_SERVER] /%s 表示格式变为 %s，终止观察者 %s", o.Path, ct, o.Peer)
		s.finish(ep, o, codeMessage(message.NotAcceptable))
		return
	}

	seq, typ, ok := s.registry.NextNotification(key)
	if !ok {
		return
	}
	m.Type = typ
	m.Token = o.Token
	m.MessageID = ep.NextMessageID()
	m.SetObserve(seq)
	if blockwise.NeedsBlocks(m.Payload, s.opts.BlockSZX) {
		chunk, b, _ := blockwise.Slice(m.Payload, nil, s.opts.BlockSZX)
		m.Options.SetUint(message.Size2, uint32(len(m.Payload)))
		m.Payload = chunk
		m.SetBlock2(b)
	}

	mid := m.MessageID
	peer := o.Peer
	if _, err := ep.Notify(peer, m, func(err error) {
		if errors.Is(err, endpoint.ErrReset) {
			if _, ok := s.registry.CancelByReset(peer, mid); ok {
				s.setRoute(key, nil)
				log.Infof("[COAP_SERVER] %s 以RST拒绝通知，移除观察者", peer)
				return
			}
		}
		log.Infof("[COAP_SERVER] 向 %s 发送通知失败(%v)，移除观察者", peer, err)
		s.cancel(key)
	}); err != nil {
		log.Warnf("[COAP_SERVER] 发送通知失败: %v", err)
		s.cancel(key)
		return
	}
	s.registry.RecordMID(key, mid)
}

// finish 发送不带Observe的终止通知并移除观察者
func (s *Server) finish(ep *endpoint.Endpoint, o *observe.Observation, m *message.Message) {
	s.cancel(o.Key())
	m.Type = o.Type
	m.Token = o.Token
	m.Options.Remove(message.Observe)
	if _, err := ep.Notify(o.Peer, m, nil); err != nil {
		log.Warnf("[COAP_SERVER] 发送终止通知失败: %v", err)
	}
}

// terminate 资源被删除或移除时通知所有观察者
func (s *Server) terminate(path string, code message.Code) {
	for _, o := range s.registry.RemovePath(path) {
		ep := s.route(o.Key())
		if ep == nil {
			continue
		}
		s.finish(ep, o, codeMessage(code))
	}
}
