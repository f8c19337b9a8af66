package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/junbin-yang/coap-go/pkg/coap/client"
	"github.com/junbin-yang/coap-go/pkg/coap/resources"
	"github.com/junbin-yang/coap-go/pkg/coap/server"
	"github.com/junbin-yang/coap-go/pkg/coap/transport"
	"github.com/junbin-yang/coap-go/pkg/utils/config"
	log "github.com/junbin-yang/coap-go/pkg/utils/logger"
)

func serveCmd() *cobra.Command {
	var (
		address    string
		port       int
		multicast  bool
		iface      string
		putCreates bool
		delay      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a CoAP server with the built-in resources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := conf.Server
			fs := cmd.Flags()
			if fs.Changed("address") {
				sc.Address = address
			}
			if fs.Changed("port") {
				sc.Port = port
			}
			if fs.Changed("multicast") {
				sc.Multicast = multicast
			}
			if fs.Changed("interface") {
				sc.Interface = iface
			}
			if fs.Changed("put-creates") {
				sc.PutCreates = putCreates
			}
			if fs.Changed("separate-delay") {
				sc.SeparateDelay = delay
			}
			sc.Security = security(sc.Security)
			return serve(sc)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "listen address")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default 5683, 5684 with DTLS)")
	cmd.Flags().BoolVar(&multicast, "multicast", false, "join the All-CoAP-Nodes group 224.0.1.187")
	cmd.Flags().StringVar(&iface, "interface", "", "interface used for the multicast join")
	cmd.Flags().BoolVar(&putCreates, "put-creates", false, "PUT on the empty /test buffer creates it instead of answering 4.01")
	cmd.Flags().DurationVar(&delay, "separate-delay", 3*time.Second, "processing time of /separate")
	return cmd
}

func serve(sc config.Server) error {
	// 服务端SZX零值表示1024字节，不支持16字节块
	szx, _, err := blockSize(sc.BlockSize)
	if err != nil {
		return err
	}
	srv := server.New(server.Options{Params: conf.Transmission.Params(), BlockSZX: szx})

	policy := resources.PutOnEmptyUnauthorized
	if sc.PutCreates {
		policy = resources.PutOnEmptyCreates
	}
	if sc.SeparateDelay <= 0 {
		sc.SeparateDelay = 3 * time.Second
	}
	if _, err := resources.Register(srv, policy, sc.SeparateDelay); err != nil {
		return err
	}

	sec, err := sc.Security.SecurityConfig(true)
	if err != nil {
		return err
	}
	addr := sc.ListenAddress()
	errc := make(chan error, 1)
	go func() {
		if sec != nil {
			log.Infof("[CLI] coaps 服务监听 %s", addr)
			errc <- srv.ListenAndServeDTLS(addr, sec)
			return
		}
		log.Infof("[CLI] coap 服务监听 %s (multicast=%v)", addr, sc.Multicast)
		errc <- srv.ListenAndServe(addr, transport.ListenOptions{Multicast: sc.Multicast, Interface: sc.Interface})
	}()

	select {
	case err := <-errc:
		return err
	case s := <-interrupted():
		log.Infof("[CLI] 收到信号 %s，正在退出", s)
		return srv.Close()
	}
}

func discoverCmd() *cobra.Command {
	var (
		query string
		wait  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "discover [host:port]",
		Short: "Discover resources via GET /.well-known/core (multicast by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := ""
			if len(args) > 0 {
				addr = args[0]
			}
			ctx, cancel := context.WithTimeout(context.Background(), wait)
			defer cancel()
			found, err := client.Discover(ctx, addr, query)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, d := range found {
				fmt.Fprintf(out, "%s\n", d.Peer)
				for _, l := range d.Links {
					fmt.Fprintf(out, "  %s\n", formatLink(l))
				}
			}
			if len(found) == 0 {
				fmt.Fprintln(out, "no nodes found")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "link filter, e.g. rt=temperature or href=/sensors*")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 2*time.Second, "how long to collect responses")
	return cmd
}
