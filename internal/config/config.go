// Package config loads and saves the tracker's persistent settings.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

const FileName = "mount_interface.json"

// Preset is a named reference position, e.g. a landmark the mount can be
// pointed at to calibrate it.
type Preset struct {
	Name        string  `json:"name" mapstructure:"name"`
	AzimuthDeg  float64 `json:"azimuthDeg" mapstructure:"azimuthDeg"`
	AltitudeDeg float64 `json:"altitudeDeg" mapstructure:"altitudeDeg"`
}

type Mount struct {
	// Type is "simulator" or "ioptron".
	Type          string  `json:"type" mapstructure:"type"`
	SimulatorAddr string  `json:"simulatorAddr" mapstructure:"simulatorAddr"`
	IoptronDevice string  `json:"ioptronDevice" mapstructure:"ioptronDevice"`
	Axis1Reversed bool    `json:"axis1Reversed" mapstructure:"axis1Reversed"`
	Axis2Reversed bool    `json:"axis2Reversed" mapstructure:"axis2Reversed"`
	MaxTravelDeg  float64 `json:"maxTravelDeg" mapstructure:"maxTravelDeg"`
}

type Tracking struct {
	MaxSpeedDegPerSec float64 `json:"maxSpeedDegPerSec" mapstructure:"maxSpeedDegPerSec"`
}

type DataSource struct {
	// Type is "tcp" or "tle".
	Type     string `json:"type" mapstructure:"type"`
	Addr     string `json:"addr" mapstructure:"addr"`
	TLELine1 string `json:"tleLine1" mapstructure:"tleLine1"`
	TLELine2 string `json:"tleLine2" mapstructure:"tleLine2"`
}

type Observer struct {
	LatitudeDeg  float64 `json:"latitudeDeg" mapstructure:"latitudeDeg"`
	LongitudeDeg float64 `json:"longitudeDeg" mapstructure:"longitudeDeg"`
	ElevationM   float64 `json:"elevationM" mapstructure:"elevationM"`
}

type Influx struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Server  string `json:"server" mapstructure:"server"`
	Token   string `json:"token" mapstructure:"token"`
	Org     string `json:"org" mapstructure:"org"`
	Bucket  string `json:"bucket" mapstructure:"bucket"`
}

type Config struct {
	Mount            Mount      `mapstructure:"mount"`
	Tracking         Tracking   `mapstructure:"tracking"`
	DataSource       DataSource `mapstructure:"dataSource"`
	ReferencePresets []Preset   `mapstructure:"referencePresets"`
	Observer         Observer   `mapstructure:"observer"`
	Influx           Influx     `mapstructure:"influx"`
	LogLevel         string     `mapstructure:"logLevel"`

	path string
	v    *viper.Viper
}

// DefaultPath returns the configuration file location in the user's
// config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")

	v.SetDefault("mount.type", "simulator")
	v.SetDefault("mount.simulatorAddr", "127.0.0.1:45500")
	v.SetDefault("mount.ioptronDevice", "/dev/ttyUSB0")
	v.SetDefault("mount.axis1Reversed", false)
	v.SetDefault("mount.axis2Reversed", false)
	v.SetDefault("mount.maxTravelDeg", 360.0)

	v.SetDefault("tracking.maxSpeedDegPerSec", 5.0)

	v.SetDefault("dataSource.type", "tcp")
	v.SetDefault("dataSource.addr", "127.0.0.1:45501")
	v.SetDefault("dataSource.tleLine1", "")
	v.SetDefault("dataSource.tleLine2", "")

	v.SetDefault("referencePresets", []map[string]any{})

	v.SetDefault("observer.latitudeDeg", 0.0)
	v.SetDefault("observer.longitudeDeg", 0.0)
	v.SetDefault("observer.elevationM", 0.0)

	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.server", "http://localhost:8086")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "w1xm")
	v.SetDefault("influx.bucket", "mount")
}

// Load reads the configuration file at path. A missing file is not an
// error; the defaults are used and Save will create it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	c := &Config{path: path, v: v}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("decoding config file: %w", err)
	}
	return c, nil
}

func (c *Config) Path() string {
	return c.path
}

// Preset looks up a reference preset by name.
func (c *Config) Preset(name string) (Preset, bool) {
	for _, p := range c.ReferencePresets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// Save writes the current values back to the configuration file.
func (c *Config) Save() error {
	v := c.v
	v.Set("logLevel", c.LogLevel)

	v.Set("mount.type", c.Mount.Type)
	v.Set("mount.simulatorAddr", c.Mount.SimulatorAddr)
	v.Set("mount.ioptronDevice", c.Mount.IoptronDevice)
	v.Set("mount.axis1Reversed", c.Mount.Axis1Reversed)
	v.Set("mount.axis2Reversed", c.Mount.Axis2Reversed)
	v.Set("mount.maxTravelDeg", c.Mount.MaxTravelDeg)

	v.Set("tracking.maxSpeedDegPerSec", c.Tracking.MaxSpeedDegPerSec)

	v.Set("dataSource.type", c.DataSource.Type)
	v.Set("dataSource.addr", c.DataSource.Addr)
	v.Set("dataSource.tleLine1", c.DataSource.TLELine1)
	v.Set("dataSource.tleLine2", c.DataSource.TLELine2)

	presets := make([]map[string]any, 0, len(c.ReferencePresets))
	for _, p := range c.ReferencePresets {
		presets = append(presets, map[string]any{
			"name":        p.Name,
			"azimuthDeg":  p.AzimuthDeg,
			"altitudeDeg": p.AltitudeDeg,
		})
	}
	v.Set("referencePresets", presets)

	v.Set("observer.latitudeDeg", c.Observer.LatitudeDeg)
	v.Set("observer.longitudeDeg", c.Observer.LongitudeDeg)
	v.Set("observer.elevationM", c.Observer.ElevationM)

	v.Set("influx.enabled", c.Influx.Enabled)
	v.Set("influx.server", c.Influx.Server)
	v.Set("influx.token", c.Influx.Token)
	v.Set("influx.org", c.Influx.Org)
	v.Set("influx.bucket", c.Influx.Bucket)

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	if err := v.WriteConfigAs(c.path); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
