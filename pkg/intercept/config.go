package intercept

import (
	"os"
	"strconv"
	"strings"
)

// Environment variables the launcher exports to the traced process.
const (
	EnvIPCPath    = "SOCKTAP_IPC_PATH"
	EnvSocksPort  = "SOCKTAP_SOCKS_PORT"
	EnvVerbose    = "SOCKTAP_VERBOSE"
	EnvFDBase     = "SOCKTAP_FD_BASE"
	EnvNoDelegate = "SOCKTAP_NO_DELEGATE"
)

// Config is everything the interceptor reads, once, at construction.
// Delegation requires a channel path; redirection requires a proxy
// port. With neither, the interceptor warns and passes every call
// through.
type Config struct {
	// IPCPath is the unix socket of the controller.
	IPCPath string
	// SocksPort is the loopback port of the SOCKS5 proxy.
	SocksPort int
	// Verbose enables debug-level logging.
	Verbose bool
	// FDBase is the first number of the private descriptor band.
	// 0 picks a base above the open-file limit so the band can never
	// collide with a real descriptor.
	FDBase int
	// FDCap is the size of the band; 0 means the default.
	FDCap int
	// NoDelegate keeps the channel path for notifications but turns
	// socket delegation off, leaving redirect mode in charge.
	NoDelegate bool
}

func (c Config) Delegated() bool { return c.IPCPath != "" && !c.NoDelegate }
func (c Config) Redirect() bool  { return c.SocksPort > 0 && c.SocksPort <= 0xffff }
func (c Config) Enabled() bool   { return c.Delegated() || c.Redirect() }

// FromEnv builds a Config from the launcher's environment. Malformed
// values are treated as absent; nothing here can fail.
func FromEnv() Config {
	var cfg Config
	cfg.IPCPath = os.Getenv(EnvIPCPath)
	if s := os.Getenv(EnvSocksPort); s != "" {
		if p, err := strconv.Atoi(s); err == nil && p > 0 && p <= 0xffff {
			cfg.SocksPort = p
		}
	}
	if s := os.Getenv(EnvVerbose); s != "" {
		cfg.Verbose = s == "1" || strings.EqualFold(s, "true")
	}
	if s := os.Getenv(EnvFDBase); s != "" {
		if b, err := strconv.Atoi(s); err == nil && b > 0 {
			cfg.FDBase = b
		}
	}
	if s := os.Getenv(EnvNoDelegate); s != "" {
		cfg.NoDelegate = s == "1" || strings.EqualFold(s, "true")
	}
	return cfg
}
