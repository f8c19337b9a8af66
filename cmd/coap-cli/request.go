package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/junbin-yang/coap-go/pkg/coap/client"
	"github.com/junbin-yang/coap-go/pkg/coap/endpoint"
	"github.com/junbin-yang/coap-go/pkg/coap/message"
	"github.com/junbin-yang/coap-go/pkg/coap/observe"
)

type requestFlags struct {
	accept      string
	format      string
	payload     string
	file        string
	etags       []string
	ifMatch     []string
	ifNoneMatch bool
}

func (f *requestFlags) bindConditions(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.accept, "accept", "a", "", "Accept content format (text, json, cbor, xml, link or a number)")
	cmd.Flags().StringSliceVar(&f.etags, "etag", nil, "hex ETag to validate, may repeat")
}

func (f *requestFlags) bindBody(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.format, "format", "f", "text", "payload content format")
	cmd.Flags().StringVarP(&f.payload, "payload", "p", "", "request payload")
	cmd.Flags().StringVar(&f.file, "file", "", "read request payload from file")
	cmd.Flags().StringSliceVar(&f.ifMatch, "if-match", nil, "hex If-Match ETag, may repeat")
	cmd.Flags().BoolVar(&f.ifNoneMatch, "if-none-match", false, "only create when the resource does not exist")
}

func parseTag(s string) ([]byte, error) {
	tag, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(tag) > 8 {
		return nil, fmt.Errorf("invalid ETag %q", s)
	}
	return tag, nil
}

// options 请求选项
func (f *requestFlags) options() ([]client.RequestOption, error) {
	var opts []client.RequestOption
	if f.accept != "" {
		mt, err := message.ParseMediaType(f.accept)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithAccept(mt))
	}
	for _, s := range f.etags {
		tag, err := parseTag(s)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithETag(tag))
	}
	for _, s := range f.ifMatch {
		tag, err := parseTag(s)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithIfMatch(tag))
	}
	if f.ifNoneMatch {
		opts = append(opts, client.WithIfNoneMatch())
	}
	return opts, nil
}

func (f *requestFlags) body() (message.MediaType, []byte, error) {
	mt, err := message.ParseMediaType(f.format)
	if err != nil {
		return 0, nil, err
	}
	if f.file != "" {
		data, err := ioutil.ReadFile(f.file)
		return mt, data, err
	}
	return mt, []byte(f.payload), nil
}

type doFunc func(ctx context.Context, c *client.Client, f *requestFlags) (*client.Response, error)

func requestCmd(use, short string, body bool, do doFunc) *cobra.Command {
	f := &requestFlags{}
	cmd := &cobra.Command{
		Use:   use + " [uri]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := dial(args)
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Close()

			resp, err := do(ctx, c, f)
			if err != nil {
				return fmt.Errorf("%s: %w", client.Status(err), err)
			}
			printResponse(cmd.OutOrStdout(), resp)
			return nil
		},
	}
	f.bindConditions(cmd)
	if body {
		f.bindBody(cmd)
	}
	return cmd
}

func getCmd() *cobra.Command {
	return requestCmd("get", "Send a GET request", false,
		func(ctx context.Context, c *client.Client, f *requestFlags) (*client.Response, error) {
			opts, err := f.options()
			if err != nil {
				return nil, err
			}
			return c.Get(ctx, "", opts...)
		})
}

func postCmd() *cobra.Command {
	return requestCmd("post", "Send a POST request", true,
		func(ctx context.Context, c *client.Client, f *requestFlags) (*client.Response, error) {
			opts, err := f.options()
			if err != nil {
				return nil, err
			}
			mt, payload, err := f.body()
			if err != nil {
				return nil, err
			}
			return c.Post(ctx, "", mt, payload, opts...)
		})
}

func putCmd() *cobra.Command {
	return requestCmd("put", "Send a PUT request", true,
		func(ctx context.Context, c *client.Client, f *requestFlags) (*client.Response, error) {
			opts, err := f.options()
			if err != nil {
				return nil, err
			}
			mt, payload, err := f.body()
			if err != nil {
				return nil, err
			}
			return c.Put(ctx, "", mt, payload, opts...)
		})
}

func deleteCmd() *cobra.Command {
	return requestCmd("delete", "Send a DELETE request", false,
		func(ctx context.Context, c *client.Client, f *requestFlags) (*client.Response, error) {
			opts, err := f.options()
			if err != nil {
				return nil, err
			}
			return c.Delete(ctx, "", opts...)
		})
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping [uri]",
		Short: "Send a CoAP ping (empty CON) and wait for the RST",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := dial(args)
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Close()

			// 对端以RST回应即存活
			rst, err := c.Ping(ctx)
			if err != nil && !errors.Is(err, endpoint.ErrReset) {
				return fmt.Errorf("%s: %w", client.Status(err), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s mid=%d from %s: is alive\n", rst.Type, rst.MessageID, c.RemoteAddr())
			return nil
		},
	}
}

func observeCmd() *cobra.Command {
	f := &requestFlags{}
	var count int
	var forget bool
	cmd := &cobra.Command{
		Use:   "observe [uri]",
		Short: "Observe a resource and print notifications until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel, err := dial(args)
			if err != nil {
				return err
			}
			defer cancel()
			defer c.Close()

			typ, err := messageType()
			if err != nil {
				return err
			}
			opts, err := f.options()
			if err != nil {
				return err
			}
			o, err := c.Observe(ctx, "", typ, opts...)
			if err != nil {
				return fmt.Errorf("%s: %w", client.Status(err), err)
			}
			// 注册响应是C()上的第一条
			out := cmd.OutOrStdout()
			sig := interrupted()
		loop:
			for seen := 0; count <= 0 || seen < count; seen++ {
				select {
				case n, ok := <-o.C():
					if !ok {
						return nil
					}
					printNotification(out, n)
				case <-sig:
					break loop
				}
			}

			if forget {
				o.Forget()
				return nil
			}
			cctx, ccancel := context.WithTimeout(context.Background(), timeout())
			defer ccancel()
			if _, err := o.Cancel(cctx); err != nil {
				return fmt.Errorf("cancel: %s: %w", client.Status(err), err)
			}
			return nil
		},
	}
	f.bindConditions(cmd)
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after n notifications (0 means until interrupted)")
	cmd.Flags().BoolVar(&forget, "forget", false, "stop by rejecting the next notification with RST instead of a deregistering GET")
	return cmd
}

func printNotification(w io.Writer, n observe.Notification) {
	seq := "-"
	if n.HasSeq {
		seq = fmt.Sprint(n.Seq)
	}
	at := n.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	fmt.Fprintf(w, "[%s] observe=%s ", at.Format("15:04:05.000"), seq)
	body := n.Body
	if body == nil {
		body = n.Message.Payload
	}
	printMessage(w, n.Message, body)
}
