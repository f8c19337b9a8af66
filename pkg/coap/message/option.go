package message

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// OptionID 选项编号。只有注册表中的编号可以被编码，
// 解码时未注册的可选(elective)选项被丢弃，关键(critical)选项报错
type OptionID uint16

const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
)

// ValueFormat 选项值格式
type ValueFormat uint8

const (
	FormatEmpty ValueFormat = iota
	FormatOpaque
	FormatUint
	FormatString
)

type optionDef struct {
	name       string
	format     ValueFormat
	minLen     int
	maxLen     int
	repeatable bool
}

var optionDefs = map[OptionID]optionDef{
	IfMatch:       {"If-Match", FormatOpaque, 0, 8, true},
	URIHost:       {"Uri-Host", FormatString, 1, 255, false},
	ETag:          {"ETag", FormatOpaque, 1, 8, true},
	IfNoneMatch:   {"If-None-Match", FormatEmpty, 0, 0, false},
	Observe:       {"Observe", FormatUint, 0, 3, false},
	URIPort:       {"Uri-Port", FormatUint, 0, 2, false},
	LocationPath:  {"Location-Path", FormatString, 0, 255, true},
	URIPath:       {"Uri-Path", FormatString, 0, 255, true},
	ContentFormat: {"Content-Format", FormatUint, 0, 2, false},
	MaxAge:        {"Max-Age", FormatUint, 0, 4, false},
	URIQuery:      {"Uri-Query", FormatString, 0, 255, true},
	Accept:        {"Accept", FormatUint, 0, 2, false},
	LocationQuery: {"Location-Query", FormatString, 0, 255, true},
	Block2:        {"Block2", FormatUint, 0, 3, false},
	Block1:        {"Block1", FormatUint, 0, 3, false},
	Size2:         {"Size2", FormatUint, 0, 4, false},
	ProxyURI:      {"Proxy-Uri", FormatString, 1, 1034, false},
	ProxyScheme:   {"Proxy-Scheme", FormatString, 1, 255, false},
	Size1:         {"Size1", FormatUint, 0, 4, false},
}

// Registered 是否为注册表中的选项
func (id OptionID) Registered() bool {
	_, ok := optionDefs[id]
	return ok
}

// Critical 奇数编号为关键选项
func (id OptionID) Critical() bool { return id&1 == 1 }

// Format 选项值格式，未注册选项按opaque处理
func (id OptionID) Format() ValueFormat {
	if d, ok := optionDefs[id]; ok {
		return d.format
	}
	return FormatOpaque
}

func (id OptionID) String() string {
	if d, ok := optionDefs[id]; ok {
		return d.name
	}
	return fmt.Sprintf("Option(%d)", uint16(id))
}

// validLength 检查值长度是否满足注册表定义
func (id OptionID) validLength(n int) bool {
	d, ok := optionDefs[id]
	return ok && n >= d.minLen && n <= d.maxLen
}

// Option 单个选项
type Option struct {
	ID    OptionID
	Value []byte
}

func (o Option) String() string {
	switch o.ID.Format() {
	case FormatEmpty:
		return o.ID.String()
	case FormatUint:
		return fmt.Sprintf("%s: %d", o.ID, DecodeUint(o.Value))
	case FormatString:
		return fmt.Sprintf("%s: %q", o.ID, string(o.Value))
	default:
		return fmt.Sprintf("%s: %x", o.ID, o.Value)
	}
}

// Options 选项列表，同编号选项的先后顺序有意义（路径段、查询项）
type Options []Option

// Get 返回第一个匹配选项的值
func (o Options) Get(id OptionID) ([]byte, bool) {
	for _, opt := range o {
		if opt.ID == id {
			return opt.Value, true
		}
	}
	return nil, false
}

// GetAll 按插入顺序返回所有匹配选项的值
func (o Options) GetAll(id OptionID) [][]byte {
	var vals [][]byte
	for _, opt := range o {
		if opt.ID == id {
			vals = append(vals, opt.Value)
		}
	}
	return vals
}

func (o Options) Has(id OptionID) bool {
	_, ok := o.Get(id)
	return ok
}

func (o Options) GetUint(id OptionID) (uint32, bool) {
	v, ok := o.Get(id)
	if !ok {
		return 0, false
	}
	return DecodeUint(v), true
}

func (o Options) GetString(id OptionID) (string, bool) {
	v, ok := o.Get(id)
	if !ok {
		return "", false
	}
	return string(v), true
}

func (o Options) GetStrings(id OptionID) []string {
	var out []string
	for _, v := range o.GetAll(id) {
		out = append(out, string(v))
	}
	return out
}

// Add 追加一个选项（可重复选项按顺序追加）
func (o *Options) Add(id OptionID, value []byte) {
	*o = append(*o, Option{ID: id, Value: append([]byte(nil), value...)})
}

func (o *Options) AddUint(id OptionID, v uint32) { o.Add(id, EncodeUint(v)) }
func (o *Options) AddString(id OptionID, s string) {
	o.Add(id, []byte(s))
}

// Set 删除同编号的已有选项后再添加
func (o *Options) Set(id OptionID, value []byte) {
	o.Remove(id)
	o.Add(id, value)
}

func (o *Options) SetUint(id OptionID, v uint32)   { o.Set(id, EncodeUint(v)) }
func (o *Options) SetString(id OptionID, s string) { o.Set(id, []byte(s)) }

// Remove 删除所有同编号选项
func (o *Options) Remove(id OptionID) {
	out := make(Options, 0, len(*o))
	for _, opt := range *o {
		if opt.ID != id {
			out = append(out, opt)
		}
	}
	*o = out
}

// Clone 深拷贝
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	out := make(Options, len(o))
	for i, opt := range o {
		out[i] = Option{ID: opt.ID, Value: append([]byte(nil), opt.Value...)}
	}
	return out
}

// sorted 按编号稳定排序，保持同编号选项的相对顺序
func (o Options) sorted() Options {
	out := make(Options, len(o))
	copy(out, o)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (o Options) String() string {
	parts := make([]string, 0, len(o))
	for _, opt := range o {
		parts = append(parts, opt.String())
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// EncodeUint 最短大端编码，0编码为空值
func EncodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return []byte{}
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		return b
	case v < 1<<24:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, v)
		return b
	}
}

// DecodeUint 解码最多4字节的大端整数，超长部分只取低4字节
func DecodeUint(b []byte) uint32 {
	if len(b) > 4 {
		b = b[len(b)-4:]
	}
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}
