package msghub

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// ConfigDuration is a time.Duration that unmarshals from human-readable
// strings like "30m" in YAML, TOML, and environment variables.
type ConfigDuration time.Duration

// Duration returns the underlying time.Duration.
func (d ConfigDuration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalText implements encoding.TextUnmarshaler (used by TOML).
func (d *ConfigDuration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = ConfigDuration(parsed)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *ConfigDuration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

// Config describes an application assembled from a config file: identity,
// persistence, and the optional ingress gateways.
type Config struct {
	// Name identifies the application in logs.
	Name string `yaml:"name" toml:"name" env:"NAME"`

	// AutosavePeriod is the interval between automatic state saves.
	// Zero (or a negative value) keeps DefaultAutosavePeriod; Build offers
	// no way to disable autosave.
	AutosavePeriod ConfigDuration `yaml:"autosavePeriod" toml:"autosavePeriod" env:"AUTOSAVE_PERIOD"`

	// StateFile is the path of the YAML state snapshot. Empty disables
	// persistence.
	StateFile string `yaml:"stateFile" toml:"stateFile" env:"STATE_FILE"`

	// HTTP configures the optional HTTP ingress gateway.
	HTTP HTTPConfig `yaml:"http" toml:"http"`

	// MQTT configures the optional MQTT bridge gateway.
	MQTT MQTTConfig `yaml:"mqtt" toml:"mqtt"`
}

// HTTPConfig configures the HTTP ingress gateway.
type HTTPConfig struct {
	// Addr is the listen address, e.g. ":8080". Empty disables the gateway.
	Addr string `yaml:"addr" toml:"addr" env:"HTTP_ADDR"`
}

// MQTTConfig configures the MQTT bridge gateway.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. "mqtt://broker:1883". Empty disables
	// the bridge.
	Broker string `yaml:"broker" toml:"broker" env:"MQTT_BROKER"`

	// ClientID overrides the generated MQTT client id.
	ClientID string `yaml:"clientId" toml:"clientId" env:"MQTT_CLIENT_ID"`

	Username string `yaml:"username" toml:"username" env:"MQTT_USERNAME"`
	Password string `yaml:"password" toml:"password" env:"MQTT_PASSWORD"`

	// KeepAlive is the keep-alive interval in seconds. Zero means 30.
	KeepAlive uint16 `yaml:"keepAlive" toml:"keepAlive" env:"MQTT_KEEPALIVE"`
}

// envPrefix is prepended (with an underscore) to every env tag when
// applying environment overrides.
const envPrefix = "MSGHUB"

// LoadConfig reads a YAML or TOML config file, selected by extension,
// and applies environment overrides on top.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decode yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decode toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedConfigFormat, filepath.Ext(path))
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides walks the config struct and overrides every field
// tagged with `env` from MSGHUB_<TAG> when set.
func applyEnvOverrides(cfg *Config) error {
	return overrideStructFromEnv(reflect.ValueOf(cfg).Elem())
}

func overrideStructFromEnv(rv reflect.Value) error {
	for i := 0; i < rv.NumField(); i++ {
		field := rv.Field(i)
		fieldType := rv.Type().Field(i)

		if field.Kind() == reflect.Struct {
			if err := overrideStructFromEnv(field); err != nil {
				return fmt.Errorf("section %s: %w", fieldType.Name, err)
			}
			continue
		}

		tag, ok := fieldType.Tag.Lookup("env")
		if !ok {
			continue
		}
		envValue := os.Getenv(envPrefix + "_" + strings.ToUpper(tag))
		if envValue == "" {
			continue
		}
		if err := setConfigField(field, envValue); err != nil {
			return fmt.Errorf("env override %s_%s: %w", envPrefix, strings.ToUpper(tag), err)
		}
	}
	return nil
}

// setConfigField converts an env string to the field's type. Durations
// get time.ParseDuration; everything else goes through golobby/cast.
func setConfigField(field reflect.Value, value string) error {
	if field.Type() == reflect.TypeOf(ConfigDuration(0)) {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		field.Set(reflect.ValueOf(ConfigDuration(parsed)))
		return nil
	}

	converted, err := cast.FromType(value, field.Type())
	if err != nil {
		return fmt.Errorf("cannot convert %q to %s: %w", value, field.Type(), err)
	}
	field.Set(reflect.ValueOf(converted))
	return nil
}

// Build assembles an application from the configuration: logger, storage,
// autosave, and the configured ingress gateways alongside an echo and a
// data gateway.
func (c *Config) Build(logger Logger) (*Application, *DataGateway, error) {
	opts := []Option{}
	if logger != nil {
		opts = append(opts, WithLogger(logger))
	}
	app := New(opts...)

	if c.AutosavePeriod > 0 {
		if err := app.SetAutosavePeriod(c.AutosavePeriod.Duration()); err != nil {
			return nil, nil, err
		}
	}
	if c.StateFile != "" {
		if err := app.SetPersistentStorage(NewFileStorage(c.StateFile, WithStorageLogger(app.Logger()))); err != nil {
			return nil, nil, err
		}
	}

	if err := app.AddGateway(EchoGatewayID, NewEchoGateway()); err != nil {
		return nil, nil, err
	}
	dataGw := NewDataGateway()
	if err := app.AddGateway(DataGatewayID, dataGw); err != nil {
		return nil, nil, err
	}
	if c.MQTT.Broker != "" {
		if err := app.AddGateway("mqtt", NewMQTTBridgeGateway(c.MQTT)); err != nil {
			return nil, nil, err
		}
	}
	if c.HTTP.Addr != "" {
		if err := app.AddGateway("web", NewHTTPGateway(c.HTTP.Addr)); err != nil {
			return nil, nil, err
		}
	}
	return app, dataGw, nil
}
