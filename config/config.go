// Package config resolves process configuration from CLI flags, the MPD
// configuration file, and environment-variable defaults, following the
// teacher's getEnv/getEnvAsInt layering pattern generalized with
// github.com/spf13/pflag for the flag layer and github.com/BurntSushi/toml
// for the MPD config layer.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// Config is the fully resolved process configuration.
type Config struct {
	Port             int
	ConfPath         string
	DisableDABServer bool
	DisableMPDCast   bool
	Verbose          bool
	TVHeadendURL     string

	LocalIPv4 string

	MPD MPDConfig
	// MPDConfigError is set when LoadMPDConfig failed and resolveMPDConfig
	// fell back to disabling mpdcast rather than failing Load outright.
	MPDConfigError error
}

// MPDConfig is the subset of mpd.conf this process cares about.
type MPDConfig struct {
	MPDPort       int    `toml:"port"`
	StreamingPort int    `toml:"streaming_port"`
	DeviceName    string `toml:"device_name"`
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultVal int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultVal
}

// Load parses CLI flags, layered over environment-variable defaults, then
// loads and parses the MPD config file they point to.
func Load() (*Config, error) {
	cfg := &Config{}

	pflag.IntVar(&cfg.Port, "port", getEnvAsInt("DABCAST_PORT", 8864), "HTTP listen port")
	pflag.StringVar(&cfg.ConfPath, "conf", getEnv("DABCAST_CONF", "/etc/mpd.conf"), "path to mpd.conf")
	pflag.BoolVar(&cfg.DisableDABServer, "disable-dabserver", false, "disable the DAB tuner/HTTP surface")
	pflag.BoolVar(&cfg.DisableMPDCast, "disable-mpdcast", false, "disable the MPD-to-Chromecast bridge")
	pflag.BoolVarP(&cfg.Verbose, "verbose", "v", false, "enable debug logging")
	pflag.StringVar(&cfg.TVHeadendURL, "tvheadend-url", getEnv("DABCAST_TVHEADEND_URL", ""), "TVHeadend base URL for EPG metadata, empty to disable")
	pflag.Parse()

	if cfg.DisableDABServer && cfg.DisableMPDCast {
		return nil, fmt.Errorf("config: both --disable-dabserver and --disable-mpdcast set, nothing to run")
	}

	resolveMPDConfig(cfg)

	// resolveMPDConfig may have just disabled mpdcast on its own; if that
	// leaves both subsystems off, it's still the "config parse failure in
	// both subsystems" fatal case from SPEC_FULL.md §7, not a silent no-op.
	if cfg.DisableDABServer && cfg.DisableMPDCast {
		return nil, fmt.Errorf("config: mpd config unusable (%w) and --disable-dabserver set, nothing to run", cfg.MPDConfigError)
	}

	ip, err := FirstIPv4Address()
	if err != nil {
		return nil, fmt.Errorf("config: resolving local address: %w", err)
	}
	cfg.LocalIPv4 = ip

	return cfg, nil
}

var (
	blockOpenRE  = regexp.MustCompile(`(?m)^(\s*)([\w-]+)\s*\{`)
	blockCloseRE = regexp.MustCompile(`(?m)^\s*\}\s*$\n?`)
	keyValueRE   = regexp.MustCompile(`(?m)^(\s*)([\w-]+)\s+("[^"]*"|\S+)\s*$`)
)

// toTOML rewrites MPD's native config grammar into TOML, via the two regex
// substitutions described in SPEC_FULL.md §6: `name { ... }` block headers
// become `[[name]]` table-array headers, and bare `key value` lines become
// `key = value` assignments; a third substitution then drops the closing
// `}` lines, which have no TOML counterpart. MPD config files have no other syntax (no
// nesting beyond one level, no inline comments requiring preservation for
// our purposes), so this is sufficient to produce a TOML document describing
// the same structure.
func toTOML(src string) string {
	out := blockOpenRE.ReplaceAllString(src, "$1[[$2]]")
	out = keyValueRE.ReplaceAllString(out, "$1$2 = $3")
	out = blockCloseRE.ReplaceAllString(out, "")
	return out
}

// resolveMPDConfig loads the MPD config into cfg.MPD. Per SPEC_FULL.md §6, a
// missing or malformed mpd.conf must not be globally fatal: it leaves cast
// disabled and DAB-only operation continues, so failure here only forces
// cfg.DisableMPDCast and records the error for logging, exactly as if the
// operator had passed --disable-mpdcast themselves.
func resolveMPDConfig(cfg *Config) {
	if cfg.DisableMPDCast {
		return
	}
	mpdCfg, err := LoadMPDConfig(cfg.ConfPath)
	if err != nil {
		cfg.MPDConfigError = fmt.Errorf("config: loading mpd config %s: %w", cfg.ConfPath, err)
		cfg.DisableMPDCast = true
		return
	}
	cfg.MPD = mpdCfg
}

// LoadMPDConfig reads path, rewrites it into TOML, and decodes the fields
// this process needs: the MPD control port, the httpd output's streaming
// port, and the Chromecast-target device's friendly name.
func LoadMPDConfig(path string) (MPDConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return MPDConfig{}, err
	}

	// MPD quotes every scalar value, including numbers ("6600"), so every
	// field here is decoded as a string and converted afterwards.
	var doc struct {
		Port        string `toml:"port"`
		AudioOutput []struct {
			Type          string `toml:"type"`
			Name          string `toml:"name"`
			StreamingPort string `toml:"streaming_port"`
		} `toml:"audio_output"`
	}
	if _, err := toml.Decode(toTOML(string(raw)), &doc); err != nil {
		return MPDConfig{}, fmt.Errorf("parsing rewritten mpd.conf as toml: %w", err)
	}

	cfg := MPDConfig{MPDPort: 6600}
	if doc.Port != "" {
		port, err := strconv.Atoi(doc.Port)
		if err != nil {
			return MPDConfig{}, fmt.Errorf("mpd.conf: invalid port %q: %w", doc.Port, err)
		}
		cfg.MPDPort = port
	}

	var httpd *struct {
		Type          string `toml:"type"`
		Name          string `toml:"name"`
		StreamingPort string `toml:"streaming_port"`
	}
	for i := range doc.AudioOutput {
		if doc.AudioOutput[i].Type == "httpd" {
			httpd = &doc.AudioOutput[i]
			break
		}
	}
	if httpd == nil {
		return MPDConfig{}, fmt.Errorf("mpd.conf: no audio_output of type \"httpd\" found")
	}
	if httpd.StreamingPort == "" {
		return MPDConfig{}, fmt.Errorf("mpd.conf: httpd audio_output missing streaming_port")
	}
	streamingPort, err := strconv.Atoi(httpd.StreamingPort)
	if err != nil {
		return MPDConfig{}, fmt.Errorf("mpd.conf: invalid streaming_port %q: %w", httpd.StreamingPort, err)
	}
	cfg.StreamingPort = streamingPort
	cfg.DeviceName = httpd.Name

	return cfg, nil
}

// FirstIPv4Address returns the first non-loopback, non-link-local IPv4
// address bound to any local interface, for building externally-reachable
// stream/receiver URLs without requiring the operator to specify one.
// Grounded on __main__.py's get_first_ipv4_address.
func FirstIPv4Address() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipNet.IP.To4()
		if ip4 == nil || ip4.IsLoopback() || ip4.IsLinkLocalUnicast() {
			continue
		}
		return ip4.String(), nil
	}
	return "", fmt.Errorf("no non-loopback IPv4 address found")
}
