// Package observe 维护服务端观察者列表与客户端通知流（RFC 7641）
package observe

import (
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/junbin-yang/coap-go/pkg/coap/message"
)

// MaxSeq Observe序号为24位
const MaxSeq = 1<<24 - 1

// ProbeInterval 连续发送该数量的NON通知后，下一条改用CON确认客户端仍然存活
const ProbeInterval = 24

// Key 一个观察关系的标识
type Key struct {
	Path  string
	Token string // hex
	Peer  string
}

func (k Key) String() string { return fmt.Sprintf("%s/%s@%s", k.Path, k.Token, k.Peer) }

// NewKey 由路径、token和对端构造Key
func NewKey(path string, token []byte, peer net.Addr) Key {
	k := Key{Path: path, Token: hex.EncodeToString(token)}
	if peer != nil {
		k.Peer = peer.String()
	}
	return k
}

// Observation 服务端记录的一个观察者
type Observation struct {
	Path      string
	Token     []byte
	Peer      net.Addr
	Type      message.Type      // 资源配置的通知类型
	Seq       uint32            // 最近一次使用的序号
	Format    message.MediaType // 注册时的表示格式
	HasFormat bool
	Accept    bool // 注册请求带有Accept，通知沿用该Accept
	CreatedAt time.Time

	nonSent int
	lastMID uint16
}

// Key 该观察者的标识
func (o *Observation) Key() Key { return NewKey(o.Path, o.Token, o.Peer) }

// Registry 服务端观察者列表
type Registry struct {
	mu    sync.Mutex
	obs   map[Key]*Observation
	byMID map[string]Key // 通知消息ID -> 观察者，用于RST取消
}

func NewRegistry() *Registry {
	return &Registry{
		obs:   make(map[Key]*Observation),
		byMID: make(map[string]Key),
	}
}

// Register 登记观察者，序号从1开始（注册响应使用）
// 同一Key重复注册保留原记录，返回的created为false
func (r *Registry) Register(o *Observation) (obs *Observation, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := o.Key()
	if old, ok := r.obs[key]; ok {
		return old, false
	}
	if o.Seq == 0 {
		o.Seq = 1
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	r.obs[key] = o
	return o, true
}

// Get 按Key查找
func (r *Registry) Get(key Key) (*Observation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.obs[key]
	return o, ok
}

// Deregister 客户端主动取消（GET Observe=1 或同token的普通GET）
func (r *Registry) Deregister(key Key) bool {
	return r.Cancel(key)
}

// Cancel 删除观察者，重复调用无副作用
func (r *Registry) Cancel(key Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(key)
}

func (r *Registry) removeLocked(key Key) bool {
	if _, ok := r.obs[key]; !ok {
		return false
	}
	delete(r.obs, key)
	for mid, k := range r.byMID {
		if k == key {
			delete(r.byMID, mid)
		}
	}
	return true
}

func midKey(peer net.Addr, mid uint16) string {
	if peer == nil {
		return fmt.Sprintf("*#%d", mid)
	}
	return fmt.Sprintf("%s#%d", peer, mid)
}

// RecordMID 记录发给观察者的通知消息ID
func (r *Registry) RecordMID(key Key, mid uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.obs[key]
	if !ok {
		return
	}
	delete(r.byMID, midKey(o.Peer, o.lastMID))
	o.lastMID = mid
	r.byMID[midKey(o.Peer, mid)] = key
}

// CancelByReset 对端用RST回复了某条通知，删除对应观察者
func (r *Registry) CancelByReset(peer net.Addr, mid uint16) (*Observation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byMID[midKey(peer, mid)]
	if !ok {
		return nil, false
	}
	o := r.obs[key]
	r.removeLocked(key)
	return o, o != nil
}

// Observers 按注册时间排序的观察者快照
func (r *Registry) Observers(path string) []*Observation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []*Observation
	for _, o := range r.obs {
		if o.Path == path {
			list = append(list, o)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list
}

// RemovePath 删除路径上的所有观察者并返回它们
func (r *Registry) RemovePath(path string) []*Observation {
	list := r.Observers(path)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range list {
		r.removeLocked(o.Key())
	}
	return list
}

// Len 观察者数量
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.obs)
}

// NextSeq 分配下一个序号，24位回绕，跳过0
func (r *Registry) NextSeq(key Key) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.obs[key]
	if !ok {
		return 0, false
	}
	o.Seq = nextSeq(o.Seq)
	return o.Seq, true
}

func nextSeq(seq uint32) uint32 {
	seq = (seq + 1) & MaxSeq
	if seq == 0 {
		seq = 1
	}
	return seq
}

// NextNotification 分配序号并决定通知类型
// NON观察者每发送ProbeInterval条NON后用一条CON探测
func (r *Registry) NextNotification(key Key) (seq uint32, typ message.Type, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.obs[key]
	if !ok {
		return 0, 0, false
	}
	o.Seq = nextSeq(o.Seq)
	typ = o.Type
	if typ == message.NonConfirmable {
		o.nonSent++
		if o.nonSent >= ProbeInterval {
			o.nonSent = 0
			typ = message.Confirmable
		}
	}
	return o.Seq, typ, true
}
