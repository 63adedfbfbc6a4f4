package config

import (
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	TransportMQTT = "mqtt"
	TransportNATS = "nats"
)

type Config struct {
	Device    string `mapstructure:"SNAP_DEVICE"`
	Port      int    `mapstructure:"HTTP_PORT"`
	Verbosity int    `mapstructure:"LOG_LEVEL"`

	Transport   string        `mapstructure:"TRANSPORT"`
	TopicPrefix string        `mapstructure:"TOPIC_PREFIX"`
	RPCTimeout  time.Duration `mapstructure:"RPC_TIMEOUT"`

	MqttBroker   string `mapstructure:"MQTT_BROKER"`
	MqttUser     string `mapstructure:"MQTT_USER"`
	MqttPassword string `mapstructure:"MQTT_PASSWORD"`
	MqttClientID string `mapstructure:"MQTT_CLIENT_ID"`

	NatsUrl string `mapstructure:"NATS_URL"`

	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     string `mapstructure:"DB_PORT"`
	DBName     string `mapstructure:"DB_NAME"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
}

var defaults = map[string]any{
	"SNAP_DEVICE":    "/dev/snap1",
	"HTTP_PORT":      8888,
	"LOG_LEVEL":      0,
	"TRANSPORT":      TransportMQTT,
	"TOPIC_PREFIX":   "snap",
	"RPC_TIMEOUT":    "5s",
	"MQTT_BROKER":    "",
	"MQTT_USER":      "",
	"MQTT_PASSWORD":  "",
	"MQTT_CLIENT_ID": "snaprgb",
	"NATS_URL":       "",
	"DB_HOST":        "",
	"DB_PORT":        "5432",
	"DB_NAME":        "",
	"DB_USER":        "",
	"DB_PASSWORD":    "",
}

// LoadConfig merges, lowest precedence first: defaults, the .env file in the
// working directory, environment variables and the command line
//
//	snaprgb [-p port] [-v|-vv] [device]
func LoadConfig(args []string) (Config, error) {
	return load(".env", args)
}

func load(envFile string, args []string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Debug().Err(err).Msg("Error reading config file, using environment variables")
	}

	fs := pflag.NewFlagSet("snaprgb", pflag.ContinueOnError)
	fs.IntP("port", "p", 8888, "Port on which to listen")
	fs.CountP("verbose", "v", "Increase verbosity of logs (-v for INFO, -vv for DEBUG)")
	if err := fs.Parse(args); err != nil {
		return Config{}, errors.Trace(err)
	}
	if err := v.BindPFlag("HTTP_PORT", fs.Lookup("port")); err != nil {
		return Config{}, errors.Trace(err)
	}
	if err := v.BindPFlag("LOG_LEVEL", fs.Lookup("verbose")); err != nil {
		return Config{}, errors.Trace(err)
	}
	switch fs.NArg() {
	case 0:
	case 1:
		v.Set("SNAP_DEVICE", fs.Arg(0))
	default:
		return Config{}, errors.Errorf("expected at most one serial device, got %v", fs.Args())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, errors.Annotate(err, "decoding config")
	}
	if err := config.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return config, nil
}

func (c Config) Validate() error {
	if c.Device == "" {
		return errors.NotValidf("empty serial device")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.NotValidf("port %d", c.Port)
	}
	if c.TopicPrefix == "" {
		return errors.NotValidf("empty topic prefix")
	}
	if c.RPCTimeout <= 0 {
		return errors.NotValidf("rpc timeout %v", c.RPCTimeout)
	}
	switch c.Transport {
	case TransportMQTT:
		if c.MqttBroker == "" {
			return errors.NotValidf("mqtt transport without MQTT_BROKER")
		}
	case TransportNATS:
	default:
		return errors.NotValidf("transport %q", c.Transport)
	}
	return nil
}

// ListenAddr is the address the HTTP endpoint listens on.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}
