package server

import (
	"strconv"
	"strings"

	"github.com/junbin-yang/coap-go/pkg/coap/message"
)

// discovery 生成/.well-known/core的link-format列表（RFC 6690）
// 支持按属性过滤，例如 ?rt=temperature、?if=core.s*、?href=/test
func (s *Server) discovery(req *Request) *message.Message {
	var filters [][2]string
	for _, q := range req.Message.Queries() {
		k, v, _ := strings.Cut(q, "=")
		filters = append(filters, [2]string{k, v})
	}

	var links []string
	for _, r := range s.Resources() {
		if !matchFilters(r, filters) {
			continue
		}
		links = append(links, LinkFormat(r))
	}
	m := &message.Message{Code: message.Content, Payload: []byte(strings.Join(links, ","))}
	m.SetContentFormat(message.AppLinkFormat)
	return m
}

// LinkFormat 单个资源的link描述，如 </test>;ct=0;title="Buffer";obs
func LinkFormat(r *Resource) string {
	var b strings.Builder
	b.WriteString("</")
	b.WriteString(r.Path)
	b.WriteString(">")
	for _, a := range r.Attributes {
		b.WriteString(";")
		b.WriteString(a.Name)
		if a.Value == "" {
			continue
		}
		b.WriteString("=")
		if _, err := strconv.ParseUint(a.Value, 10, 32); err == nil {
			b.WriteString(a.Value)
		} else {
			b.WriteString(strconv.Quote(a.Value))
		}
	}
	if r.Observable {
		b.WriteString(";obs")
	}
	return b.String()
}

func matchFilters(r *Resource, filters [][2]string) bool {
	for _, f := range filters {
		name, want := f[0], f[1]
		switch name {
		case "href":
			if !matchValue("/"+r.Path, want) {
				return false
			}
		case "obs":
			if !r.Observable {
				return false
			}
		default:
			v, ok := r.Attribute(name)
			if !ok {
				return false
			}
			// rt/if等属性可以包含多个空格分隔的值
			matched := false
			for _, field := range strings.Fields(v) {
				if matchValue(field, want) {
					matched = true
					break
				}
			}
			if !matched && !matchValue(v, want) {
				return false
			}
		}
	}
	return true
}

// matchValue 末尾的*表示前缀匹配
func matchValue(value, pattern string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	return value == pattern
}
