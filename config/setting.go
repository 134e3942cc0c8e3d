package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
)

// projectConfig 保存从 setting.json 读取的顶层配置。
type projectConfig struct {
	Log       log         `json:"log"`
	Listeners []*Listener `json:"listeners"`
	QUIC      QUICConfig  `json:"quic"`
}

// QUICConfig holds the tunables for the QUIC transport core: MTU discovery
// bounds, CUBIC constants, dc path-secret map timing, and handshake queue
// concurrency limits. Zero values are filled with the defaults below by
// Verify, mirroring Listener.verify's default-then-validate convention.
type QUICConfig struct {
	MTU            MTUConfig            `json:"mtu"`
	CUBIC          CUBICConfig          `json:"cubic"`
	DC             DCConfig             `json:"dc"`
	HandshakeQueue HandshakeQueueConfig `json:"handshake_queue"`
}

// MTUConfig holds bounds for the packetization-layer path MTU discovery
// search space. Verify fills and checks them; cmd/motoquicd's
// per-connection wiring does not read them and uses the IPv4 base
// PLPMTU with a 1500-byte maximum.
type MTUConfig struct {
	MinMTU uint32 `json:"min_mtu"`
	MaxMTU uint32 `json:"max_mtu"`
}

// CUBICConfig holds values for the RFC 8312 beta and C constants. Verify
// fills the defaults; cmd/motoquicd's per-connection wiring does not
// read them and builds CUBIC with cubic.NewController's defaults.
type CUBICConfig struct {
	Beta float64 `json:"beta"`
	C    float64 `json:"c"`
}

// DCConfig controls the path-secret map cleaner and eviction cadence.
type DCConfig struct {
	CleanerMinIntervalSeconds int `json:"cleaner_min_interval_seconds"`
	CleanerMaxIntervalSeconds int `json:"cleaner_max_interval_seconds"`
	EvictionCycles            int `json:"eviction_cycles"`
}

// HandshakeQueueConfig bounds client-side handshake concurrency.
type HandshakeQueueConfig struct {
	MaxStartingHandshakes int `json:"max_starting_handshakes"`
	MaxInflight           int `json:"max_inflight"`
	SuccessJitterMillis   int `json:"success_jitter_millis"`
}

// Verify fills in defaults and validates the QUIC configuration block,
// following Listener.verify's fill-then-validate convention.
func (c *QUICConfig) Verify() error {
	if c.MTU.MinMTU == 0 {
		c.MTU.MinMTU = 1200
	}
	if c.MTU.MaxMTU == 0 {
		c.MTU.MaxMTU = 1500
	}
	if c.MTU.MaxMTU < c.MTU.MinMTU {
		return fmt.Errorf("quic.mtu: max_mtu %d below min_mtu %d", c.MTU.MaxMTU, c.MTU.MinMTU)
	}
	if c.CUBIC.Beta == 0 {
		c.CUBIC.Beta = 0.7
	}
	if c.CUBIC.C == 0 {
		c.CUBIC.C = 0.4
	}
	if c.DC.CleanerMinIntervalSeconds == 0 {
		c.DC.CleanerMinIntervalSeconds = 5
	}
	if c.DC.CleanerMaxIntervalSeconds == 0 {
		c.DC.CleanerMaxIntervalSeconds = 60
	}
	if c.DC.CleanerMaxIntervalSeconds < c.DC.CleanerMinIntervalSeconds {
		return fmt.Errorf("quic.dc: cleaner max interval below min interval")
	}
	if c.DC.EvictionCycles == 0 {
		c.DC.EvictionCycles = 10
	}
	if c.HandshakeQueue.MaxStartingHandshakes == 0 {
		c.HandshakeQueue.MaxStartingHandshakes = 5
	}
	if c.HandshakeQueue.MaxInflight == 0 {
		c.HandshakeQueue.MaxInflight = 750
	}
	if c.HandshakeQueue.SuccessJitterMillis == 0 {
		c.HandshakeQueue.SuccessJitterMillis = 2000
	}
	return nil
}

type log struct {
	Level   string `json:"level"`
	Path    string `json:"path"`
	Version string `json:"version"`
	Date    string `json:"date"`
}

// Listener describes one UDP socket the QUIC ingress front-end binds
// and the per-source-IP abuse controls applied to datagrams arriving
// on it, the same shape the TCP-accelerator's Rule used for its
// Accept loop (name/listen address/blacklist), generalized from a
// connection-count limit to a datagram-rate limit since UDP has no
// accept-time handshake to throttle.
type Listener struct {
	Name                   string          `json:"name"`
	Listen                 string          `json:"listen"`
	Blacklist              map[string]bool `json:"blacklist"`
	RateLimitPerWindow     int             `json:"rate_limit_per_window"`
	RateLimitWindowSeconds int             `json:"rate_limit_window_seconds"`
}

// GlobalCfg 指向全局生效的配置对象。
var GlobalCfg *projectConfig

func init() {
	// 支持通过环境变量覆盖配置文件路径
	path := os.Getenv("MOTO_CONFIG")
	if path == "" {
		path = "config/setting.json"
	}
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		fmt.Printf("failed to load setting.json: %s\n", err.Error())
	}

	if err := json.Unmarshal(buf, &GlobalCfg); err != nil {
		fmt.Printf("failed to load setting.json: %s\n", err.Error())
	}

	if len(GlobalCfg.Listeners) == 0 {
		fmt.Printf("empty listener\n")
	}

	for i, v := range GlobalCfg.Listeners {
		if err := v.verify(); err != nil {
			fmt.Printf("verify listener failed at pos %d : %s\n", i, err.Error())
		}
	}

	if GlobalCfg != nil {
		if err := GlobalCfg.QUIC.Verify(); err != nil {
			fmt.Printf("verify quic config failed: %s\n", err.Error())
		}
	}
}

// Reload 从指定路径重载配置，并执行默认值填充与校验。
func Reload(path string) error {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	var cfg *projectConfig
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return err
	}
	if len(cfg.Listeners) == 0 {
		fmt.Printf("empty listener\n")
	}
	for i, v := range cfg.Listeners {
		if err := v.verify(); err != nil {
			fmt.Printf("verify listener failed at pos %d : %s\n", i, err.Error())
		}
	}
	if err := cfg.QUIC.Verify(); err != nil {
		return fmt.Errorf("verify quic config: %w", err)
	}
	GlobalCfg = cfg
	return nil
}

// verify 校验监听配置，并填充限流默认值。
func (c *Listener) verify() error {
	if c.Name == "" {
		return fmt.Errorf("empty name")
	}
	if c.Listen == "" {
		return fmt.Errorf("invalid listen address")
	}
	if c.RateLimitPerWindow == 0 {
		c.RateLimitPerWindow = 200
	}
	if c.RateLimitWindowSeconds == 0 {
		c.RateLimitWindowSeconds = 30
	}
	return nil
}
