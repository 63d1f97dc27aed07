package config

/*
sspac — PAC generator for GFWList-style rule lists
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/x-stp/sspac/internal/core"
	xio "github.com/x-stp/sspac/internal/io"
	"github.com/x-stp/sspac/internal/util"
)

const (
	// AppName names the config directory and the default PAC file.
	AppName = "sspac"
	// DefaultGFWListURL is the upstream list location.
	DefaultGFWListURL = "https://raw.githubusercontent.com/gfwlist/gfwlist/master/gfwlist.txt"
	DefaultAddress    = "127.0.0.1"
	DefaultPort       = 1080
	DefaultServeAddr  = "127.0.0.1:8086"
)

// Duration is a time.Duration written as "30s" / "6h" in both YAML and TOML.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Local is the SOCKS5 endpoint generated scripts point at.
type Local struct {
	Address string `yaml:"address" toml:"address"`
	Port    int    `yaml:"port" toml:"port"`
}

// PAC holds everything about the rule lists and the generated script.
type PAC struct {
	Compress        bool   `yaml:"compress" toml:"compress"`
	Path            string `yaml:"path" toml:"path"`
	GFWListModified string `yaml:"gfwlist_modified" toml:"gfwlist_modified"`
	GFWListURL      string `yaml:"gfwlist_url" toml:"gfwlist_url"`
	UserRules       string `yaml:"user_rules" toml:"user_rules"`
	LocalGFWList    string `yaml:"local_gfwlist" toml:"local_gfwlist"`
	// SuffixList optionally replaces the embedded public suffix list.
	SuffixList      string `yaml:"suffix_list,omitempty" toml:"suffix_list,omitempty"`
	IncludePrivate  bool   `yaml:"include_private" toml:"include_private"`
	Template        string `yaml:"template,omitempty" toml:"template,omitempty"`
	CompactTemplate string `yaml:"compact_template,omitempty" toml:"compact_template,omitempty"`
}

// Fetch controls how the upstream list is downloaded. Proxy is an optional
// http(s):// or socks5:// URL used for the download only.
type Fetch struct {
	Timeout Duration `yaml:"timeout" toml:"timeout"`
	Proxy   string   `yaml:"proxy,omitempty" toml:"proxy,omitempty"`
	Retries int      `yaml:"retries" toml:"retries"`
}

// Serve configures the long-running modes (serve, watch).
type Serve struct {
	Addr           string   `yaml:"addr" toml:"addr"`
	WatchInterval  Duration `yaml:"watch_interval" toml:"watch_interval"`
	UpdateInterval Duration `yaml:"update_interval" toml:"update_interval"`
}

// Config is the sspac configuration file.
type Config struct {
	Local Local `yaml:"local" toml:"local"`
	PAC   PAC   `yaml:"pac" toml:"pac"`
	Fetch Fetch `yaml:"fetch" toml:"fetch"`
	Serve Serve `yaml:"serve" toml:"serve"`

	path string
	// rawPaths holds pathFields as written in the file, before "~" expansion.
	rawPaths []string
}

// pathFields lists the settings that name files on disk.
func (c *Config) pathFields() []*string {
	return []*string{
		&c.PAC.Path,
		&c.PAC.UserRules,
		&c.PAC.LocalGFWList,
		&c.PAC.SuffixList,
		&c.PAC.Template,
		&c.PAC.CompactTemplate,
	}
}

// Dir returns the per-user configuration directory, e.g. ~/.config/sspac.
func Dir() string {
	base, err := os.UserConfigDir()
	if err != nil || base == "" {
		base = util.ExpandHome("~/.config")
	}
	return filepath.Join(base, AppName)
}

// DefaultPath is where the config file lives when --config is not given.
func DefaultPath() string {
	return filepath.Join(Dir(), AppName+".yaml")
}

// Default returns a config with every field at its default value.
func Default() *Config {
	c := &Config{}
	setDefaults(c)
	return c
}

// Load reads the config at path, picking the codec by extension (.toml or
// YAML otherwise). A missing file yields defaults bound to path, so a later
// Save creates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	path = util.ExpandHome(path)

	c := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := unmarshal(path, data, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	c.path = path
	setDefaults(c)
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func unmarshal(path string, data []byte, c *Config) error {
	if isTOML(path) {
		return toml.Unmarshal(data, c)
	}
	return yaml.Unmarshal(data, c)
}

func marshal(path string, c *Config) ([]byte, error) {
	if isTOML(path) {
		return toml.Marshal(c)
	}
	return yaml.Marshal(c)
}

// setDefaults fills zero fields and expands "~" in paths.
func setDefaults(c *Config) {
	dir := Dir()

	if c.Local.Address == "" {
		c.Local.Address = DefaultAddress
	}
	if c.Local.Port == 0 {
		c.Local.Port = DefaultPort
	}

	if c.PAC.Path == "" {
		c.PAC.Path = filepath.Join(dir, "pac", AppName+".pac")
	}
	if c.PAC.GFWListURL == "" {
		c.PAC.GFWListURL = DefaultGFWListURL
	}
	if c.PAC.UserRules == "" {
		c.PAC.UserRules = filepath.Join(dir, "pac", "user-rules.txt")
	}
	if c.PAC.LocalGFWList == "" {
		c.PAC.LocalGFWList = filepath.Join(dir, "pac", "gfwlist.txt")
	}
	fields := c.pathFields()
	c.rawPaths = make([]string, len(fields))
	for i, f := range fields {
		c.rawPaths[i] = *f
		*f = util.ExpandHome(*f)
	}

	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = Duration(core.DefaultFetchTimeout)
	}
	if c.Fetch.Retries == 0 {
		c.Fetch.Retries = core.DefaultFetchAttempts
	}

	if c.Serve.Addr == "" {
		c.Serve.Addr = DefaultServeAddr
	}
	if c.Serve.WatchInterval == 0 {
		c.Serve.WatchInterval = Duration(core.DefaultWatchInterval)
	}
	if c.Serve.UpdateInterval == 0 {
		c.Serve.UpdateInterval = Duration(core.DefaultUpdateInterval)
	}
}

// Validate rejects values no run could succeed with.
func (c *Config) Validate() error {
	if c.Local.Address == "" {
		return fmt.Errorf("local.address must not be empty")
	}
	if c.Local.Port < 1 || c.Local.Port > 65535 {
		return fmt.Errorf("local.port %d out of range", c.Local.Port)
	}
	if c.PAC.Path == "" {
		return fmt.Errorf("pac.path must not be empty")
	}
	u, err := url.Parse(c.PAC.GFWListURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("pac.gfwlist_url %q is not an http(s) URL", c.PAC.GFWListURL)
	}
	if c.Fetch.Timeout < 0 {
		return fmt.Errorf("fetch.timeout must not be negative")
	}
	if c.Fetch.Retries < 0 {
		return fmt.Errorf("fetch.retries must not be negative")
	}
	if c.Fetch.Proxy != "" {
		p, err := url.Parse(c.Fetch.Proxy)
		if err != nil || p.Host == "" {
			return fmt.Errorf("fetch.proxy %q is not a URL", c.Fetch.Proxy)
		}
	}
	if c.Serve.WatchInterval < 0 || c.Serve.UpdateInterval < 0 {
		return fmt.Errorf("serve intervals must not be negative")
	}
	return nil
}

// Path returns the file the config was loaded from and saves to.
func (c *Config) Path() string {
	return c.path
}

// SetPath rebinds the config to another file, e.g. for tests.
func (c *Config) SetPath(path string) {
	c.path = util.ExpandHome(path)
}

// Save atomically writes the config back to Path. Paths that still match what
// was loaded are written in their original form, so "~" survives a save.
func (c *Config) Save() error {
	if c.path == "" {
		return fmt.Errorf("config has no path")
	}
	out := *c
	for i, f := range out.pathFields() {
		if i < len(c.rawPaths) && c.rawPaths[i] != "" && util.ExpandHome(c.rawPaths[i]) == *f {
			*f = c.rawPaths[i]
		}
	}
	data, err := marshal(c.path, &out)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := xio.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("save config %s: %w", c.path, err)
	}
	return nil
}

// SetModified records the upstream token of the last successful update and saves.
func (c *Config) SetModified(token string) error {
	c.PAC.GFWListModified = token
	return c.Save()
}
