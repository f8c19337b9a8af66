package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/junbin-yang/coap-go/pkg/coap/client"
	"github.com/junbin-yang/coap-go/pkg/coap/message"
	"github.com/junbin-yang/coap-go/pkg/utils/config"
	log "github.com/junbin-yang/coap-go/pkg/utils/logger"
)

// globalFlags 所有子命令共用的参数，非空时覆盖配置文件
type globalFlags struct {
	config      string
	pskIdentity string
	pskKey      string
	cert        string
	key         string
	ca          string
	insecure    bool
	typ         string
	timeout     time.Duration
	blockSize   int
	logLevel    string
}

var (
	flags globalFlags
	conf  = config.Default()
)

func Commands() *cobra.Command {
	root := &cobra.Command{
		Use:           config.APPNAME,
		Short:         "CoAP client and server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(flags.config)
			if err != nil {
				return err
			}
			if flags.logLevel != "" {
				c.Logger.Level = flags.logLevel
			}
			c.Apply()
			conf = c
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.config, "config", "c", "", "config file (default <exe dir>/"+config.APPNAME+".yml or /etc/"+config.APPNAME+".yml)")
	pf.StringVar(&flags.pskIdentity, "psk-identity", "", "DTLS PSK identity")
	pf.StringVar(&flags.pskKey, "psk-key", "", "DTLS PSK key, prefix with hex: for hex encoding")
	pf.StringVar(&flags.cert, "cert", "", "PEM certificate file")
	pf.StringVar(&flags.key, "key", "", "PEM EC private key file")
	pf.StringVar(&flags.ca, "ca", "", "PEM root CA file used to verify the peer")
	pf.BoolVar(&flags.insecure, "insecure", false, "skip peer certificate verification")
	pf.StringVar(&flags.typ, "type", "con", "request message type: con or non")
	pf.DurationVarP(&flags.timeout, "timeout", "t", 0, "request timeout (default from config, 10s)")
	pf.IntVarP(&flags.blockSize, "block-size", "b", 0, "preferred Block2 size: 16, 32, ... 1024")
	pf.StringVarP(&flags.logLevel, "log-level", "l", "", "log level: debug, info, warn, error")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Display the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.Version())
		},
	})
	root.AddCommand(getCmd())
	root.AddCommand(postCmd())
	root.AddCommand(putCmd())
	root.AddCommand(deleteCmd())
	root.AddCommand(observeCmd())
	root.AddCommand(pingCmd())
	root.AddCommand(discoverCmd())
	root.AddCommand(serveCmd())
	return root
}

// security 配置文件的安全参数，命令行参数优先
func security(base config.Security) config.Security {
	if flags.pskIdentity != "" || flags.pskKey != "" {
		base = config.Security{PSKIdentity: flags.pskIdentity, PSKKey: flags.pskKey}
	}
	if flags.cert != "" || flags.key != "" {
		base = config.Security{Cert: flags.cert, Key: flags.key}
	}
	if flags.ca != "" {
		base.CA = flags.ca
	}
	if flags.insecure {
		base.Insecure = true
	}
	return base
}

func blockSize(configured int) (uint8, bool, error) {
	size := configured
	if flags.blockSize != 0 {
		size = flags.blockSize
	}
	if size == 0 {
		return 0, false, nil
	}
	szx, ok := config.SZX(size)
	if !ok {
		return 0, false, fmt.Errorf("invalid block size %d", size)
	}
	return szx, true, nil
}

// messageType 请求只能是CON或NON
func messageType() (message.Type, error) {
	t, err := message.ParseType(flags.typ)
	if err != nil {
		return 0, err
	}
	if t != message.Confirmable && t != message.NonConfirmable {
		return 0, fmt.Errorf("request type must be con or non, got %s", t)
	}
	return t, nil
}

// clientOptions 由配置与命令行参数生成客户端选项
func clientOptions() ([]client.Option, error) {
	typ, err := messageType()
	if err != nil {
		return nil, err
	}
	opts := []client.Option{client.WithParams(conf.Transmission.Params()), client.WithType(typ)}

	szx, ok, err := blockSize(conf.Client.BlockSize)
	if err != nil {
		return nil, err
	}
	if ok {
		opts = append(opts, client.WithBlockSZX(szx))
	}

	sec, err := security(conf.Client.Security).SecurityConfig(false)
	if err != nil {
		return nil, err
	}
	switch {
	case sec == nil:
	case sec.PSK != nil:
		opts = append(opts, client.WithPSK(sec.PSK.Identity, sec.PSK.Key))
	case sec.Cert != nil:
		opts = append(opts, client.WithCert(sec.Cert))
	}
	return opts, nil
}

func timeout() time.Duration {
	if flags.timeout > 0 {
		return flags.timeout
	}
	if conf.Client.Timeout > 0 {
		return conf.Client.Timeout
	}
	return 10 * time.Second
}

// target 命令行未给出uri时使用配置中的client.uri
func target(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if conf.Client.URI != "" {
		return conf.Client.URI, nil
	}
	return "", fmt.Errorf("missing uri")
}

// dial 连接目标并返回带超时的上下文
func dial(args []string) (*client.Client, context.Context, context.CancelFunc, error) {
	uri, err := target(args)
	if err != nil {
		return nil, nil, nil, err
	}
	opts, err := clientOptions()
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout())
	c, err := client.Dial(ctx, uri, opts...)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("%s: %w", client.Status(err), err)
	}
	log.Debugf("[CLI] %s -> %s", c.LocalAddr(), c.RemoteAddr())
	return c, ctx, cancel, nil
}

// interrupted 接收SIGINT/SIGTERM的通道
func interrupted() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch
}
