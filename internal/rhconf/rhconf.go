/*
 * RemoteHub
 *
 * Program configuration
 */

// Package rhconf loads RemoteHub's server and client configuration
// files, grounded on ipp-usb's conf.go but layered on the real
// gopkg.in/ini.v1 library instead of carrying the teacher's hand-rolled
// INI scanner forward.
package rhconf

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/jlaitinen/remotehub/internal/rhlog"
)

// ServerConfig is the server-side configuration record (§6).
type ServerConfig struct {
	ServerName    string         // ≤63 bytes, advertised in the beacon
	BroadcastOn   bool           // Enable UDP beacon broadcast
	UseTLS        bool           // Require TLS for incoming links
	Port          int            // TCP port, default 3240
	CertPath      string         // TLS certificate path
	KeyPath       string         // TLS private key path
	KeyPass       string         // TLS private key passphrase
	DisabledBuses []uint32       // Bus numbers excluded from export
	MDNSAnnounce  bool           // Optional Avahi presence announce
	LogMain       rhlog.LogLevel // Main process log mask
	LogDevice     rhlog.LogLevel // Per-exported-device log mask
	LogConsole    rhlog.LogLevel // Console log mask
}

// ClientConfig is the client-side configuration record (§6).
type ClientConfig struct {
	UseTLS     bool           // default true
	CAPath     string         // empty = skip server verification
	LogMain    rhlog.LogLevel // Main process log mask
	LogDevice  rhlog.LogLevel // Per-attached-device log mask
	LogConsole rhlog.LogLevel // Console log mask
}

// DefaultServerConfig returns the server defaults, mirroring conf.go's
// package-level Conf literal.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BroadcastOn: true,
		UseTLS:      true,
		Port:        3240,
		LogMain:     rhlog.LogDebug,
		LogDevice:   rhlog.LogDebug,
		LogConsole:  rhlog.LogDebug,
	}
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		UseTLS:     true,
		LogMain:    rhlog.LogDebug,
		LogDevice:  rhlog.LogDebug,
		LogConsole: rhlog.LogDebug,
	}
}

// LoadServerConfig loads and validates a server configuration file.
func LoadServerConfig(path string) (ServerConfig, error) {
	conf := DefaultServerConfig()

	cfg, err := ini.Load(path)
	if err != nil {
		return conf, fmt.Errorf("rhconf: %s", err)
	}

	sec := cfg.Section("server")
	if k, err := sec.GetKey("server-name"); err == nil {
		conf.ServerName = k.String()
		if len(conf.ServerName) > 63 {
			return conf, errors.New("server-name: must be 63 bytes or less")
		}
	}
	if err := loadBoolKey(&conf.BroadcastOn, sec, "broadcast"); err != nil {
		return conf, err
	}
	if err := loadBoolKey(&conf.UseTLS, sec, "use-tls"); err != nil {
		return conf, err
	}
	if err := loadBoolKey(&conf.MDNSAnnounce, sec, "mdns-announce"); err != nil {
		return conf, err
	}
	if err := loadPortKey(&conf.Port, sec, "port"); err != nil {
		return conf, err
	}
	if k, err := sec.GetKey("cert-path"); err == nil {
		conf.CertPath = k.String()
	}
	if k, err := sec.GetKey("key-path"); err == nil {
		conf.KeyPath = k.String()
	}
	if k, err := sec.GetKey("key-pass"); err == nil {
		conf.KeyPass = k.String()
	}
	if k, err := sec.GetKey("disabled-buses"); err == nil && k.String() != "" {
		for _, s := range strings.Split(k.String(), ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			n, err := strconv.ParseUint(s, 10, 32)
			if err != nil {
				return conf, fmt.Errorf("disabled-buses: %q: invalid bus number", s)
			}
			conf.DisabledBuses = append(conf.DisabledBuses, uint32(n))
		}
	}

	logsec := cfg.Section("logging")
	if err := loadLogLevelKey(&conf.LogMain, logsec, "main-log"); err != nil {
		return conf, err
	}
	if err := loadLogLevelKey(&conf.LogDevice, logsec, "device-log"); err != nil {
		return conf, err
	}
	if err := loadLogLevelKey(&conf.LogConsole, logsec, "console-log"); err != nil {
		return conf, err
	}

	if conf.UseTLS {
		if conf.CertPath == "" {
			return conf, errors.New("cert-path: must be defined when use-tls is enabled")
		}
		if conf.KeyPath == "" {
			return conf, errors.New("key-path: must be defined when use-tls is enabled")
		}
	}

	return conf, nil
}

// LoadClientConfig loads and validates a client configuration file.
func LoadClientConfig(path string) (ClientConfig, error) {
	conf := DefaultClientConfig()

	cfg, err := ini.Load(path)
	if err != nil {
		return conf, fmt.Errorf("rhconf: %s", err)
	}

	sec := cfg.Section("client")
	if err := loadBoolKey(&conf.UseTLS, sec, "use-tls"); err != nil {
		return conf, err
	}
	if k, err := sec.GetKey("ca-path"); err == nil {
		conf.CAPath = k.String()
	}

	logsec := cfg.Section("logging")
	if err := loadLogLevelKey(&conf.LogMain, logsec, "main-log"); err != nil {
		return conf, err
	}
	if err := loadLogLevelKey(&conf.LogDevice, logsec, "device-log"); err != nil {
		return conf, err
	}
	if err := loadLogLevelKey(&conf.LogConsole, logsec, "console-log"); err != nil {
		return conf, err
	}

	return conf, nil
}

func loadBoolKey(out *bool, sec *ini.Section, name string) error {
	k, err := sec.GetKey(name)
	if err != nil {
		return nil
	}

	v, err := k.Bool()
	if err != nil {
		return fmt.Errorf("%s: must be a boolean", name)
	}

	*out = v
	return nil
}

func loadPortKey(out *int, sec *ini.Section, name string) error {
	k, err := sec.GetKey(name)
	if err != nil {
		return nil
	}

	port, err := k.Int()
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("%s: must be in range 1...65535", name)
	}

	*out = port
	return nil
}

// loadLogLevelKey parses a comma-separated level list, grounded on
// conf.go's confLoadLogLevelKey.
func loadLogLevelKey(out *rhlog.LogLevel, sec *ini.Section, name string) error {
	k, err := sec.GetKey(name)
	if err != nil {
		return nil
	}

	var mask rhlog.LogLevel
	for _, s := range strings.Split(k.String(), ",") {
		s = strings.TrimSpace(s)
		switch s {
		case "":
		case "error":
			mask |= rhlog.LogError
		case "info":
			mask |= rhlog.LogInfo | rhlog.LogError
		case "debug":
			mask |= rhlog.LogDebug | rhlog.LogInfo | rhlog.LogError
		case "trace-usbip":
			mask |= rhlog.LogTraceUSBIP | rhlog.LogDebug | rhlog.LogInfo | rhlog.LogError
		case "trace-event":
			mask |= rhlog.LogTraceEvent | rhlog.LogDebug | rhlog.LogInfo | rhlog.LogError
		case "trace-vhci":
			mask |= rhlog.LogTraceVHCI | rhlog.LogDebug | rhlog.LogInfo | rhlog.LogError
		case "all", "trace-all":
			mask |= rhlog.LogAll
		default:
			return fmt.Errorf("%s: invalid log level %q", name, s)
		}
	}

	*out = mask
	return nil
}
