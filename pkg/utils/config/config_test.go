package config

import (
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/junbin-yang/coap-go/pkg/coap/endpoint"
	log "github.com/junbin-yang/coap-go/pkg/utils/logger"
)

const sample = `
server:
  address: 127.0.0.1
  multicast: true
  block_size: 64
  separate_delay: 2s
  psk_identity: Client_identity
  psk_key: "hex:736563726574504"
client:
  uri: coap://127.0.0.1/test
  timeout: 3s
transmission:
  ack_timeout: 500ms
  max_retransmit: 2
logger:
  level: debug
`

func writeFile(t *testing.T, dir, name, content string) string {
	p := filepath.Join(dir, name)
	if err := ioutil.WriteFile(p, []byte(content), 0600); err != nil {
		t.Fatalf("写入%s失败: %v", name, err)
	}
	return p
}

func TestLoad(t *testing.T) {
	dir, err := ioutil.TempDir("", "coap-config")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	conf, err := Load(writeFile(t, dir, "coap.yml", sample))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if conf.Server.Address != "127.0.0.1" || !conf.Server.Multicast || conf.Server.SeparateDelay != 2*time.Second {
		t.Errorf("server = %+v", conf.Server)
	}
	if conf.Server.PSKIdentity != "Client_identity" {
		t.Errorf("内联安全字段未解析: %+v", conf.Server.Security)
	}
	if conf.Client.Timeout != 3*time.Second || conf.Client.URI != "coap://127.0.0.1/test" {
		t.Errorf("client = %+v", conf.Client)
	}
	if conf.Logger.Level != "debug" {
		t.Errorf("logger.level = %q", conf.Logger.Level)
	}
	if szx, ok := SZX(conf.Server.BlockSize); !ok || szx != 2 {
		t.Errorf("SZX(64) = %d %v", szx, ok)
	}

	// 奇数位的十六进制不合法
	if _, err := conf.Server.SecurityConfig(true); err == nil {
		t.Error("非法的hex密钥应报错")
	}

	if _, err := Load(writeFile(t, dir, "bad.yml", "server: [")); err == nil {
		t.Error("非法YAML应报错")
	}
	if _, err := Load(filepath.Join(dir, "missing.yml")); err == nil {
		t.Error("不存在的文件应报错")
	}
}

func TestTransmissionParams(t *testing.T) {
	d := endpoint.DefaultParams()
	p := Transmission{AckTimeout: 500 * time.Millisecond, MaxRetransmit: 2, AckRandomFactor: 0.5}.Params()
	if p.AckTimeout != 500*time.Millisecond || p.MaxRetransmit != 2 {
		t.Errorf("params = %+v", p)
	}
	if p.AckRandomFactor != d.AckRandomFactor || p.ExchangeLifetime != d.ExchangeLifetime {
		t.Errorf("未配置或非法字段应取默认值: %+v", p)
	}
}

func TestSecurityConfig(t *testing.T) {
	if sec, err := (Security{}).SecurityConfig(false); sec != nil || err != nil {
		t.Errorf("未配置安全参数应返回nil, got %v %v", sec, err)
	}

	sec, err := Security{PSKIdentity: "id", PSKKey: "hex:0102"}.SecurityConfig(false)
	if err != nil || sec.PSK == nil || string(sec.PSK.Identity) != "id" || len(sec.PSK.Key) != 2 || sec.PSK.Key[1] != 2 {
		t.Fatalf("PSK配置 = %+v, %v", sec, err)
	}
	if _, err := (Security{PSKIdentity: "id"}).SecurityConfig(false); !errors.Is(err, ErrSecurityIncomplete) {
		t.Errorf("缺少psk_key应返回ErrSecurityIncomplete, got %v", err)
	}
	if _, err := (Security{Cert: "a.pem"}).SecurityConfig(false); !errors.Is(err, ErrSecurityIncomplete) {
		t.Errorf("缺少key应返回ErrSecurityIncomplete, got %v", err)
	}

	dir, err := ioutil.TempDir("", "coap-cert")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	s := Security{
		Cert: writeFile(t, dir, "cert.pem", "CERT"),
		Key:  writeFile(t, dir, "key.pem", "KEY"),
	}
	sec, err = s.SecurityConfig(false)
	if err != nil || sec.Cert == nil || string(sec.Cert.CertPEM) != "CERT" || !sec.Cert.InsecureSkipVerify {
		t.Fatalf("无CA的客户端证书配置 = %+v, %v", sec, err)
	}
	s.CA = writeFile(t, dir, "ca.pem", "CA")
	sec, err = s.SecurityConfig(true)
	if err != nil || !sec.Cert.RequireClientCert || string(sec.Cert.RootCAPEM) != "CA" {
		t.Errorf("带CA的服务端证书配置 = %+v, %v", sec.Cert, err)
	}
}

func TestListenAddress(t *testing.T) {
	cases := []struct {
		s    Server
		want string
	}{
		{Server{}, ":5683"},
		{Server{Address: "0.0.0.0", Port: 6000}, "0.0.0.0:6000"},
		{Server{Security: Security{PSKIdentity: "id", PSKKey: "k"}}, ":5684"},
	}
	for _, c := range cases {
		if got := c.s.ListenAddress(); got != c.want {
			t.Errorf("ListenAddress(%+v) = %q, want %q", c.s, got, c.want)
		}
	}
}

func TestApplyLevel(t *testing.T) {
	old := log.GetLevel()
	defer log.SetLevel(old)

	(&Config{Logger: Logger{Level: "error"}}).Apply()
	if log.GetLevel() != log.ErrorLevel {
		t.Errorf("level = %v", log.GetLevel())
	}
}

func TestSZX(t *testing.T) {
	for size, want := range map[int]uint8{16: 0, 32: 1, 1024: 6} {
		if got, ok := SZX(size); !ok || got != want {
			t.Errorf("SZX(%d) = %d %v", size, got, ok)
		}
	}
	for _, size := range []int{0, 17, 2048} {
		if _, ok := SZX(size); ok {
			t.Errorf("SZX(%d) 应非法", size)
		}
	}
}
