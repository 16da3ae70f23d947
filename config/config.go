package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
)

// EnvVar overrides the configuration file path when set.
const EnvVar = "BUSBRIDGE_CONFIG"

// Config is the top-level document loaded from the JSON settings file.
type Config struct {
	Log            Log                   `json:"log"`
	Line           Line                  `json:"line"`
	MetricsListen  string                `json:"metrics_listen"`
	BusStations    []BusStationConfig    `json:"busStations"`
	TunnelStations []TunnelStationConfig `json:"tunnelStations"`
}

type Log struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

type Line struct {
	Device  string `json:"device"`
	ClockHz int    `json:"clock_hz"`
}

// BusStationConfig describes one local bus identity and the UDP port its
// tunnel socket binds.
type BusStationConfig struct {
	StationID byte   `json:"station_id"`
	NetworkID byte   `json:"network_id"`
	UDPPort   uint16 `json:"udp_port"`
}

// TunnelStationConfig describes one remote peer reachable via the tunnel.
type TunnelStationConfig struct {
	StationID byte   `json:"station_id"`
	NetworkID byte   `json:"network_id"`
	RemoteIP  string `json:"remote_ip"`
	UDPPort   uint16 `json:"udp_port"`
}

// Path resolves the configuration file path from the flag value, the
// environment, or the default, in that order.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvVar); p != "" {
		return p
	}
	return "busbridge.json"
}

// Load reads, parses and verifies the settings file.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if err := cfg.verify(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// verify rejects station ids outside 1..254 and duplicate identities.
// Entries left zeroed are placeholders and pass; ApplyStations skips them.
func (cfg *Config) verify() error {
	var errs *multierror.Error

	seenBus := map[byte]bool{}
	for i, s := range cfg.BusStations {
		if s.StationID == 255 {
			errs = multierror.Append(errs,
				fmt.Errorf("bus station at pos %d: id 255 is reserved", i))
			continue
		}
		if s.StationID == 0 {
			continue
		}
		if seenBus[s.StationID] {
			errs = multierror.Append(errs,
				fmt.Errorf("bus station %d configured twice", s.StationID))
		}
		seenBus[s.StationID] = true
	}

	seenTunnel := map[byte]bool{}
	seenPort := map[uint16]bool{}
	for i, s := range cfg.TunnelStations {
		if s.StationID == 255 {
			errs = multierror.Append(errs,
				fmt.Errorf("tunnel station at pos %d: id 255 is reserved", i))
			continue
		}
		if s.StationID == 0 {
			continue
		}
		if seenTunnel[s.StationID] {
			errs = multierror.Append(errs,
				fmt.Errorf("tunnel station %d configured twice", s.StationID))
		}
		seenTunnel[s.StationID] = true
		if s.UDPPort != 0 && seenPort[s.UDPPort] {
			errs = multierror.Append(errs,
				fmt.Errorf("tunnel port %d configured twice", s.UDPPort))
		}
		seenPort[s.UDPPort] = true
	}

	return errs.ErrorOrNil()
}

// ApplyStations walks the station arrays and feeds each well-formed entry
// to the matching callback. Entries with a zero station id or port are
// skipped; callback errors are aggregated so one bad station does not
// shadow the rest.
func ApplyStations(cfg *Config, busCB func(BusStationConfig) error, tunnelCB func(TunnelStationConfig) error) error {
	var errs *multierror.Error
	for _, s := range cfg.BusStations {
		if s.StationID == 0 || s.UDPPort == 0 {
			continue
		}
		if err := busCB(s); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, s := range cfg.TunnelStations {
		if s.StationID == 0 || s.UDPPort == 0 {
			continue
		}
		if err := tunnelCB(s); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
