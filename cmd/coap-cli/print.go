package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"

	"github.com/junbin-yang/coap-go/pkg/coap/client"
	"github.com/junbin-yang/coap-go/pkg/coap/message"
)

func printResponse(w io.Writer, resp *client.Response) {
	printMessage(w, resp.Message, resp.Body)
	if resp.Blocks > 1 {
		fmt.Fprintf(w, "(%d blocks)\n", resp.Blocks)
	}
}

// printMessage 输出响应码、主要选项和按Content-Format渲染的负载
func printMessage(w io.Writer, m *message.Message, body []byte) {
	fmt.Fprintf(w, "%s %s\n", m.Code, m.Code.Name())
	ct, hasCT := m.ContentFormat()
	if hasCT {
		fmt.Fprintf(w, "Content-Format: %s\n", ct)
	}
	if tag, ok := m.Options.Get(message.ETag); ok {
		fmt.Fprintf(w, "ETag: %x\n", tag)
	}
	if p := m.LocationPath(); p != "" {
		fmt.Fprintf(w, "Location-Path: /%s\n", p)
	}
	if q := m.LocationQuery(); len(q) > 0 {
		fmt.Fprintf(w, "Location-Query: %s\n", strings.Join(q, "&"))
	}
	if len(body) > 0 {
		fmt.Fprintln(w, formatPayload(ct, hasCT, body))
	}
}

// formatPayload 按Content-Format渲染负载：文本原样、JSON缩进、CBOR诊断格式、link-format每行一条，其余十六进制
func formatPayload(ct message.MediaType, hasCT bool, body []byte) string {
	if !hasCT {
		if utf8.Valid(body) {
			return string(body)
		}
		return dump(body)
	}
	switch ct {
	case message.TextPlain, message.AppXML:
		return string(body)
	case message.AppJSON:
		var out bytes.Buffer
		if err := json.Indent(&out, body, "", "  "); err != nil {
			return string(body)
		}
		return out.String()
	case message.AppCBOR:
		diag, err := cbor.Diagnose(body)
		if err != nil {
			return dump(body)
		}
		return diag
	case message.AppLinkFormat:
		links := client.ParseLinks(body)
		lines := make([]string, 0, len(links))
		for _, l := range links {
			lines = append(lines, formatLink(l))
		}
		return strings.Join(lines, "\n")
	}
	return dump(body)
}

func formatLink(l client.Link) string {
	var b strings.Builder
	b.WriteString("<" + l.Target + ">")
	keys := make([]string, 0, len(l.Attrs))
	for k := range l.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := l.Attrs[k]; v != "" {
			fmt.Fprintf(&b, " %s=%s", k, v)
		} else {
			b.WriteString(" " + k)
		}
	}
	return b.String()
}

func dump(b []byte) string { return strings.TrimSuffix(hex.Dump(b), "\n") }
