package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/junbin-yang/coap-go/pkg/coap/endpoint"
	"github.com/junbin-yang/coap-go/pkg/coap/message"
	"github.com/junbin-yang/coap-go/pkg/coap/transport"
	log "github.com/junbin-yang/coap-go/pkg/utils/logger"
)

var (
	APPNAME    string = "coap"
	VERSION    string = "undefined"
	BUILD_TIME string = "undefined"
	GO_VERSION string = "undefined"
)

// Version 版本信息
func Version() string {
	return APPNAME + ", version: " + VERSION + " (built at " + BUILD_TIME + ") " + GO_VERSION
}

// Security coaps 安全参数，PSK与证书二选一
type Security struct {
	PSKIdentity string `yaml:"psk_identity"`
	PSKKey      string `yaml:"psk_key"` // 以"hex:"开头时按十六进制解析
	Cert        string `yaml:"cert"`
	Key         string `yaml:"key"`
	CA          string `yaml:"ca"`
	Insecure    bool   `yaml:"insecure"`
}

type Server struct {
	Address       string        `yaml:"address"`
	Port          int           `yaml:"port"`
	Multicast     bool          `yaml:"multicast"`
	Interface     string        `yaml:"interface"`
	BlockSize     int           `yaml:"block_size"`
	SeparateDelay time.Duration `yaml:"separate_delay"`
	PutCreates    bool          `yaml:"put_creates"` // 空缓冲区上的PUT是否创建内容
	Security      `yaml:",inline"`
}

type Client struct {
	URI       string        `yaml:"uri"`
	Timeout   time.Duration `yaml:"timeout"`
	BlockSize int           `yaml:"block_size"`
	Security  `yaml:",inline"`
}

type Transmission struct {
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	AckRandomFactor  float64       `yaml:"ack_random_factor"`
	MaxRetransmit    int           `yaml:"max_retransmit"`
	ExchangeLifetime time.Duration `yaml:"exchange_lifetime"`
	NonLifetime      time.Duration `yaml:"non_lifetime"`
	SeparateAfter    time.Duration `yaml:"separate_after"`
}

type Logger struct {
	Dir      string `yaml:"dir"`
	Level    string `yaml:"level"`
	Rotate   bool   `yaml:"rotate"`
	RotateBy string `yaml:"rotate_by"` // time 或 size
	MaxSize  int    `yaml:"max_size"`  // MB，rotate_by为size时有效
}

type Config struct {
	Server       Server       `yaml:"server"`
	Client       Client       `yaml:"client"`
	Transmission Transmission `yaml:"transmission"`
	Logger       Logger       `yaml:"logger"`
}

// Default 未提供配置文件时使用的配置
func Default() *Config {
	return &Config{
		Server: Server{BlockSize: 1024},
		Client: Client{Timeout: 10 * time.Second},
		Logger: Logger{Level: "info"},
	}
}

// DefaultPath 按可执行文件目录、/etc 的顺序查找 APPNAME.yml
// 返回：
//   - 找到的路径，都不存在时返回空串
func DefaultPath() string {
	candidates := []string{"/etc/" + APPNAME + ".yml"}
	if ex, err := os.Executable(); err == nil {
		candidates = append([]string{filepath.Join(filepath.Dir(ex), APPNAME+".yml")}, candidates...)
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load 读取配置文件，path为空时查找默认位置，找不到时返回默认配置
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	conf := Default()
	if path == "" {
		return conf, nil
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}
	return conf, nil
}

// Apply 按logger段配置默认日志器
func (c *Config) Apply() {
	defer log.Sync()
	if c.Logger.Rotate {
		dir := c.Logger.Dir
		if len(dir) == 0 {
			if ex, err := os.Executable(); err == nil {
				dir = filepath.Dir(ex)
			}
		}
		filename := filepath.Join(dir, APPNAME+".log")
		var logger *log.Logger
		if c.Logger.RotateBy == "size" {
			logger = log.New(log.NewProductionRotateBySize(filename, c.Logger.MaxSize), log.InfoLevel)
		} else {
			logger = log.New(log.NewProductionRotateByTime(filename), log.InfoLevel)
		}
		log.ReplaceDefault(logger)
	}
	log.SetLevel(log.ParseLevel(c.Logger.Level))
}

// Params 传输参数，未配置的字段取RFC默认值
func (t Transmission) Params() endpoint.Params {
	p := endpoint.DefaultParams()
	if t.AckTimeout > 0 {
		p.AckTimeout = t.AckTimeout
	}
	if t.AckRandomFactor >= 1 {
		p.AckRandomFactor = t.AckRandomFactor
	}
	if t.MaxRetransmit > 0 {
		p.MaxRetransmit = t.MaxRetransmit
	}
	if t.ExchangeLifetime > 0 {
		p.ExchangeLifetime = t.ExchangeLifetime
	}
	if t.NonLifetime > 0 {
		p.NonLifetime = t.NonLifetime
	}
	if t.SeparateAfter > 0 {
		p.SeparateAfter = t.SeparateAfter
	}
	return p
}

// ErrSecurityIncomplete 安全配置不完整
var ErrSecurityIncomplete = errors.New("incomplete security config")

// Enabled 是否配置了PSK或证书
func (s Security) Enabled() bool {
	return s.PSKIdentity != "" || s.PSKKey != "" || s.Cert != "" || s.Key != ""
}

// SecurityConfig 转换为DTLS配置，未配置时返回nil
// 参数：
//   - server: 服务端证书模式下配置CA时要求客户端证书
func (s Security) SecurityConfig(server bool) (*transport.SecurityConfig, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if s.PSKIdentity != "" || s.PSKKey != "" {
		psk, err := s.pskConfig()
		if err != nil {
			return nil, err
		}
		return &transport.SecurityConfig{PSK: psk}, nil
	}
	cert, err := s.certConfig(server)
	if err != nil {
		return nil, err
	}
	return &transport.SecurityConfig{Cert: cert}, nil
}

func (s Security) pskConfig() (*transport.PSKConfig, error) {
	if s.PSKIdentity == "" || s.PSKKey == "" {
		return nil, fmt.Errorf("%w: psk_identity与psk_key必须同时配置", ErrSecurityIncomplete)
	}
	key, err := ParseKey(s.PSKKey)
	if err != nil {
		return nil, err
	}
	return &transport.PSKConfig{Identity: []byte(s.PSKIdentity), Key: key}, nil
}

func (s Security) certConfig(server bool) (*transport.CertConfig, error) {
	if s.Cert == "" || s.Key == "" {
		return nil, fmt.Errorf("%w: cert与key必须同时配置", ErrSecurityIncomplete)
	}
	cert, err := ioutil.ReadFile(s.Cert)
	if err != nil {
		return nil, err
	}
	key, err := ioutil.ReadFile(s.Key)
	if err != nil {
		return nil, err
	}
	cc := &transport.CertConfig{CertPEM: cert, KeyPEM: key, InsecureSkipVerify: s.Insecure}
	if s.CA != "" {
		if cc.RootCAPEM, err = ioutil.ReadFile(s.CA); err != nil {
			return nil, err
		}
		cc.RequireClientCert = server
	} else if !server {
		// 没有CA无法校验服务端证书
		cc.InsecureSkipVerify = true
	}
	return cc, nil
}

// ParseKey 解析PSK，"hex:"前缀表示十六进制，否则按原始字节
func ParseKey(s string) ([]byte, error) {
	if strings.HasPrefix(s, "hex:") {
		key, err := hex.DecodeString(strings.TrimPrefix(s, "hex:"))
		if err != nil {
			return nil, fmt.Errorf("psk_key不是合法的十六进制: %w", err)
		}
		return key, nil
	}
	return []byte(s), nil
}

// ListenAddress 服务端监听地址
func (s Server) ListenAddress() string {
	port := s.Port
	if port == 0 {
		port = transport.DefaultPort
		if s.Security.Enabled() {
			port = transport.DefaultSecurePort
		}
	}
	return fmt.Sprintf("%s:%d", s.Address, port)
}

// SZX 块大小(16..1024的2的幂)换算为SZX
func SZX(size int) (uint8, bool) {
	for szx := uint8(0); szx <= message.MaxSZX; szx++ {
		if 16<<szx == size {
			return szx, true
		}
	}
	return 0, false
}
