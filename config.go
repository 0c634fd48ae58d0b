package relaycache

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/eljojo/relaycache/types"
	"gopkg.in/yaml.v2"
)

// Config is the on-disk configuration. Every field can also be set by an
// environment variable or a flag in cmd/relaycache; flags win.
type Config struct {
	Relays     []string `yaml:"relays"`
	Viewer     string   `yaml:"viewer"`
	SecretKey  string   `yaml:"secretKey"`
	NSFWPolicy string   `yaml:"nsfw"`
	BlockedIDs []string `yaml:"blockedIds"`

	Whitelist        []string `yaml:"whitelist"`
	WhitelistEnabled bool     `yaml:"whitelistEnabled"`
	Blacklist        []string `yaml:"blacklist"`

	SnapshotBackend string `yaml:"snapshotBackend"`
	SnapshotPath    string `yaml:"snapshotPath"`
	SnapshotSecret  string `yaml:"snapshotSecret"`

	MemoryMode     string `yaml:"memoryMode"`
	MaxHistory     int    `yaml:"maxHistory"`
	FlushDebounce  string `yaml:"flushDebounce"`
	OlderPageLimit int    `yaml:"olderPageLimit"`

	MQTTHost   string `yaml:"mqttHost"`
	MQTTUser   string `yaml:"mqttUser"`
	MQTTPass   string `yaml:"mqttPass"`
	MQTTPrefix string `yaml:"mqttPrefix"`

	BugsnagKey string `yaml:"bugsnagKey"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Relays:          []string{"wss://relay.damus.io", "wss://nos.lol", "wss://relay.snort.social"},
		NSFWPolicy:      NSFWBlock,
		SnapshotBackend: "memory",
		MemoryMode:      string(MemoryModeAuto),
		FlushDebounce:   DefaultFlushDebounce.String(),
		OlderPageLimit:  DefaultOlderPageLimit,
		MQTTPrefix:      DefaultMQTTPrefix,
	}
}

// LoadConfig reads path over the defaults. A missing file is not an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would otherwise fail later and further away.
func (c Config) Validate() error {
	switch c.NSFWPolicy {
	case NSFWAllow, NSFWBlock, "":
	default:
		return fmt.Errorf("nsfw policy must be %q or %q, got %q", NSFWAllow, NSFWBlock, c.NSFWPolicy)
	}
	switch c.SnapshotBackend {
	case "", "memory", "sqlite", "badger":
	default:
		return fmt.Errorf("unknown snapshot backend %q", c.SnapshotBackend)
	}
	if c.Viewer != "" && types.NormalizePubkey(c.Viewer) == "" {
		return fmt.Errorf("viewer %q is not a hex pubkey or npub", c.Viewer)
	}
	if _, err := c.Debounce(); err != nil {
		return err
	}
	return nil
}

// Debounce parses FlushDebounce, defaulting when empty.
func (c Config) Debounce() (time.Duration, error) {
	if strings.TrimSpace(c.FlushDebounce) == "" {
		return DefaultFlushDebounce, nil
	}
	d, err := time.ParseDuration(c.FlushDebounce)
	if err != nil {
		return 0, fmt.Errorf("flush debounce: %w", err)
	}
	return d, nil
}

// FilterOptions builds the viewer's filter options from the config.
func (c Config) FilterOptions() FilterOptions {
	blocked := make(map[types.EventID]bool, len(c.BlockedIDs))
	for _, id := range c.BlockedIDs {
		if id = strings.ToLower(strings.TrimSpace(id)); id != "" {
			blocked[types.EventID(id)] = true
		}
	}
	return FilterOptions{
		Viewer:     types.NormalizePubkey(c.Viewer),
		NSFWPolicy: c.NSFWPolicy,
		BlockedIDs: blocked,
	}
}

// AccessControl builds the list-based access control from the config.
func (c Config) AccessControl() *ListAccessControl {
	return NewListAccessControl(c.WhitelistEnabled, c.Whitelist, c.Blacklist)
}

// ParseList splits a comma separated env/flag value.
func ParseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
