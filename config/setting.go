package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
)

// projectConfig 保存从 setting.json 读取的顶层配置。
type projectConfig struct {
	Log    log     `json:"log"`
	Tunnel *Tunnel `json:"tunnel"`
}

type log struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// Tunnel 描述一条隧道的本端配置。Flags override these.
type Tunnel struct {
	Connect       string `json:"connect"`       // peer host; empty means server mode
	Listen        string `json:"listen"`        // bind address in server mode
	Port          string `json:"port"`          // UDP port or service name
	Dev           string `json:"dev"`           // interface name template
	MTU           int    `json:"mtu"`           // outer-frame size, header included
	Rate          uint64 `json:"rate"`          // egress send rate, kbit/s
	CongestRate   uint64 `json:"congestRate"`   // simulated receive cap, kbit/s
	AckIntervalMs uint64 `json:"ackIntervalMs"` // ACK emit period
	MetricsListen string `json:"metricsListen"` // prometheus endpoint, empty disables
}

// GlobalCfg 指向全局生效的配置对象。
var GlobalCfg *projectConfig

func defaultConfig() *projectConfig {
	return &projectConfig{
		Log:    log{Level: "warn", Path: "tfstun.log"},
		Tunnel: &Tunnel{},
	}
}

func init() {
	// 支持通过环境变量覆盖配置文件路径
	GlobalCfg = defaultConfig()
	path := os.Getenv("TFSTUN_CONFIG")
	if path == "" {
		return
	}
	if err := Reload(path); err != nil {
		fmt.Printf("failed to load %s: %s\n", path, err.Error())
	}
}

// Reload 从指定路径重载配置，并执行默认值填充与校验。
func Reload(path string) error {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	cfg := defaultConfig()
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return err
	}
	if cfg.Tunnel == nil {
		cfg.Tunnel = &Tunnel{}
	}
	if err := cfg.Tunnel.Verify(); err != nil {
		return err
	}
	GlobalCfg = cfg
	return nil
}

// Verify 校验隧道配置并填充默认值。 Called again after flag overlay.
func (c *Tunnel) Verify() error {
	if c.Listen == "" {
		c.Listen = "::"
	}
	if c.Dev == "" {
		c.Dev = "vtun%d"
	}
	if c.MTU == 0 {
		c.MTU = 1500
	}
	if c.MTU < 28 {
		return fmt.Errorf("mtu %d below minimum 28", c.MTU)
	}
	if c.Rate == 0 {
		c.Rate = 10000
	}
	if c.AckIntervalMs == 0 {
		c.AckIntervalMs = 1000
	}
	if c.Port == "" {
		return fmt.Errorf("empty port")
	}
	return nil
}
