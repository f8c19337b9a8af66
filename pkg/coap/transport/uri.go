package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// URI 解析后的 coap:// 或 coaps:// 地址
type URI struct {
	Scheme string // coap / coaps
	Host   string
	Port   int
	Path   string // 不带前导 "/"
	Query  string
}

// Secure 是否需要DTLS
func (u *URI) Secure() bool { return u.Scheme == "coaps" }

// Address host:port
func (u *URI) Address() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// PathQuery 形如 "seg1/seg2?a=1"
func (u *URI) PathQuery() string {
	if u.Query == "" {
		return u.Path
	}
	return u.Path + "?" + u.Query
}

func (u *URI) String() string {
	s := u.Scheme + "://" + u.Address() + "/" + u.Path
	if u.Query != "" {
		s += "?" + u.Query
	}
	return s
}

// ParseURI 解析 coap[s]://host[:port]/path?query，缺省端口为5683/5684
func ParseURI(raw string) (*URI, error) {
	pu, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAddressInvalid, err)
	}
	u := &URI{Scheme: strings.ToLower(pu.Scheme), Host: pu.Hostname()}
	switch u.Scheme {
	case "coap":
		u.Port = DefaultPort
	case "coaps":
		u.Port = DefaultSecurePort
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrAddressInvalid, pu.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrAddressInvalid, raw)
	}
	if p := pu.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: bad port %q", ErrAddressInvalid, p)
		}
		u.Port = port
	}
	u.Path = strings.Trim(pu.EscapedPath(), "/")
	if unescaped, err := url.PathUnescape(u.Path); err == nil {
		u.Path = unescaped
	}
	u.Query = pu.RawQuery
	return u, nil
}
