package endpoint

import (
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/junbin-yang/coap-go/pkg/coap/message"
	log "github.com/junbin-yang/coap-go/pkg/utils/logger"
)

// dedupEntry 去重缓存项，reply为已发送的ACK/响应
type dedupEntry struct {
	expires time.Time
	reply   []byte
}

// inbound 待分发的入站请求
type inbound struct {
	req *Request

	mu        sync.Mutex
	responded bool
	separated bool // 已回复空ACK，最终响应单独发送
}

// seen 检查(peer, mid)是否处理过，未处理过时登记
func (ep *Endpoint) seen(peer net.Addr, mid uint16) (*dedupEntry, bool) {
	key := midKey(peer, mid)
	now := time.Now()

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if now.After(ep.nextSweep) {
		for k, e := range ep.dedup {
			if now.After(e.expires) {
				delete(ep.dedup, k)
			}
		}
		ep.nextSweep = now.Add(ep.params.ExchangeLifetime / 8)
	}
	if e, ok := ep.dedup[key]; ok && now.Before(e.expires) {
		return e, true
	}
	e := &dedupEntry{expires: now.Add(ep.params.ExchangeLifetime)}
	ep.dedup[key] = e
	return e, false
}

func (ep *Endpoint) remember(peer net.Addr, mid uint16, reply []byte) {
	if reply == nil {
		return
	}
	ep.mu.Lock()
	if e, ok := ep.dedup[midKey(peer, mid)]; ok {
		e.reply = reply
	}
	ep.mu.Unlock()
}

func (ep *Endpoint) forget(peer net.Addr, mid uint16) {
	ep.mu.Lock()
	delete(ep.dedup, midKey(peer, mid))
	ep.mu.Unlock()
}

// handleRequest 去重后交给分发协程
func (ep *Endpoint) handleRequest(msg *message.Message, peer net.Addr, multicast bool) {
	if msg.Type != message.Confirmable && msg.Type != message.NonConfirmable {
		log.Debugf("[COAP_ENDPOINT] 忽略类型为 %s 的请求", msg.Type)
		return
	}
	entry, dup := ep.seen(peer, msg.MessageID)
	if dup {
		ep.mu.Lock()
		reply := entry.reply
		ep.mu.Unlock()
		if msg.Type == message.Confirmable && reply != nil {
			log.Debugf("[COAP_ENDPOINT] 重复请求 %d，重发缓存的响应", msg.MessageID)
			_ = ep.write(reply, peer)
		}
		return
	}

	in := &inbound{req: &Request{Message: msg, Peer: peer, Multicast: multicast}}
	select {
	case ep.queue <- in:
	default:
		log.Warnf("[COAP_ENDPOINT] 请求队列已满，拒绝来自 %s 的请求", peerKey(peer))
		if msg.Type == message.Confirmable {
			ep.replyTo(peer, msg.MessageID, &message.Message{
				Type:      message.Acknowledgement,
				Code:      message.ServiceUnavailable,
				MessageID: msg.MessageID,
				Token:     msg.Token,
			})
		}
	}
}

// dispatchLoop 串行执行请求处理函数
func (ep *Endpoint) dispatchLoop() {
	defer ep.wg.Done()
	for {
		select {
		case <-ep.closed:
			return
		case in := <-ep.queue:
			ep.serve(in)
		}
	}
}

func (ep *Endpoint) serve(in *inbound) {
	req := in.req.Message
	peer := in.req.Peer

	var sepTimer *time.Timer
	if req.Type == message.Confirmable {
		sepTimer = time.AfterFunc(ep.params.SeparateAfter, func() {
			in.mu.Lock()
			defer in.mu.Unlock()
			if in.responded {
				return
			}
			in.separated = true
			log.Debugf("[COAP_ENDPOINT] 请求 %d 处理较慢，先回复空ACK", req.MessageID)
			ep.replyTo(peer, req.MessageID, message.NewAck(req))
		})
	}

	resp := ep.invoke(in.req)

	if sepTimer != nil {
		sepTimer.Stop()
	}
	in.mu.Lock()
	in.responded = true
	separated := in.separated
	in.mu.Unlock()

	if resp == nil {
		if req.Type == message.Confirmable && !separated {
			ep.replyTo(peer, req.MessageID, message.NewAck(req))
		}
		return
	}

	resp.Token = req.Token
	switch {
	case req.Type == message.Confirmable && !separated:
		resp.Type = message.Acknowledgement
		resp.MessageID = req.MessageID
		ep.replyTo(peer, req.MessageID, resp)
	case req.Type == message.Confirmable:
		resp.Type = message.Confirmable
		resp.MessageID = 0
		if _, err := ep.Notify(peer, resp, nil); err != nil {
			log.Warnf("[COAP_ENDPOINT] 发送分离响应失败: %v", err)
		}
	default:
		resp.Type = message.NonConfirmable
		resp.MessageID = ep.ids.Next()
		ep.writeMessage(resp, peer)
	}
}

// invoke 调用处理函数，panic转为5.00
func (ep *Endpoint) invoke(req *Request) (resp *message.Message) {
	if ep.handler == nil {
		return &message.Message{Code: message.NotFound}
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[COAP_ENDPOINT] 处理 %s /%s 时panic: %v\n%s", req.Message.Code.Name(), req.Message.Path(), r, debug.Stack())
			resp = &message.Message{Code: message.InternalServerError, Payload: []byte(fmt.Sprint(r))}
		}
	}()
	return ep.handler(req)
}
