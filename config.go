package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"wmp2mqtt/wmp"
)

// Config holds the application configuration, loaded from a YAML file and
// overridable through environment variables and command-line flags.
type Config struct {
	MQTT struct {
		URL          string `yaml:"url"`
		Username     string `yaml:"username"`
		Password     string `yaml:"password"`
		ClientID     string `yaml:"client_id"`
		Retain       bool   `yaml:"retain"`
		StateTopic   string `yaml:"state_topic"`
		CommandTopic string `yaml:"command_topic"`
		OnConnect    *struct {
			Topic   string `yaml:"topic"`
			Payload string `yaml:"payload"`
			Retain  bool   `yaml:"retain"`
		} `yaml:"on_connect"`
	} `yaml:"mqtt"`

	Devices []DeviceEntry `yaml:"devices"`

	// Discover enables UDP discovery of devices not listed above.
	Discover bool `yaml:"discover"`
	// OffMode is the off-mode default applied to discovered devices and
	// devices supplied through the --wmp flag.
	OffMode bool `yaml:"off_mode"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// DeviceEntry is one statically configured device.
type DeviceEntry struct {
	IP        string `yaml:"ip"`
	Port      int    `yaml:"port"`
	Type      string `yaml:"type"`
	KeepAlive string `yaml:"keep_alive"`
	OffMode   bool   `yaml:"off_mode"`
	Units     []struct {
		ID          int    `yaml:"id"`
		Type        string `yaml:"type"`
		Description string `yaml:"description"`
	} `yaml:"units"`
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.MQTT.StateTopic = "wmp2mqtt/state"
	cfg.MQTT.CommandTopic = "wmp2mqtt/command"
	cfg.Log.Level = "info"
	return cfg
}

// loadConfig reads the YAML config file when present and applies
// environment overrides. A missing file is not an error; flags and env
// vars can carry the whole configuration.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		log.Infof("loaded config from %s", path)
	} else if _, err := os.Stat("config.yml"); err == nil {
		data, err := os.ReadFile("config.yml")
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config.yml: %w", err)
		}
		log.Info("loaded config from config.yml")
	}

	// Env overrides (standard container pattern)
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		cfg.MQTT.URL = v
	}
	if v := os.Getenv("MQTT_USER"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASS"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}

// WMPDevices converts the configured device entries into descriptors,
// filling protocol defaults for omitted fields.
func (c *Config) WMPDevices() []wmp.Device {
	devices := make([]wmp.Device, 0, len(c.Devices))
	for _, e := range c.Devices {
		d := wmp.Device{
			Type:      e.Type,
			IP:        e.IP,
			Port:      e.Port,
			KeepAlive: e.KeepAlive,
			OffMode:   e.OffMode,
		}
		if d.Type == "" {
			d.Type = wmp.DeviceTypeBox
		}
		if d.Port == 0 {
			d.Port = wmp.DefaultPort
		}
		if d.KeepAlive == "" {
			d.KeepAlive = wmp.KeepAliveID
		}
		for _, u := range e.Units {
			d.Units = append(d.Units, wmp.Unit{ID: u.ID, Type: u.Type, Description: u.Description})
		}
		if len(d.Units) == 0 {
			d.Units = []wmp.Unit{{ID: 1, Type: "IU", Description: "AC Unit"}}
		}
		devices = append(devices, d)
	}
	return devices
}
