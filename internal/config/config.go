package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Protocol names in listener order.
var ProtocolNames = []string{"esptracker", "gt06", "gps103", "teltonika"}

type Protocol struct {
	// Port vacío deshabilita el listener.
	Port      string        `yaml:"port"`
	MaxFixAge time.Duration `yaml:"max_fix_age"`
}

type MQTT struct {
	RootTopic      string        `yaml:"root_topic"`
	Host           string        `yaml:"host"`
	Port           string        `yaml:"port"`
	Proto          string        `yaml:"proto"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	ClientID       string        `yaml:"client_id"`
	QoS            int           `yaml:"qos"`
	Retain         bool          `yaml:"retain"`
	CACert         string        `yaml:"ca_cert"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

type Postgres struct {
	Host        string `yaml:"host"`
	Port        string `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	Database    string `yaml:"database"`
	SSLMode     string `yaml:"sslmode"`
	MaxConns    int    `yaml:"max_conns"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

type Redis struct {
	Addr string        `yaml:"addr"`
	DB   int           `yaml:"db"`
	TTL  time.Duration `yaml:"ttl"`
}

type Dispatch struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	SinkTimeout time.Duration `yaml:"sink_timeout"`
}

type Config struct {
	Protocols map[string]Protocol `yaml:"protocols"`
	MQTT      MQTT                `yaml:"mqtt"`
	Postgres  Postgres            `yaml:"postgres"`
	Redis     Redis               `yaml:"redis"`
	Dispatch  Dispatch            `yaml:"dispatch"`

	LinkAddr       string        `yaml:"link_addr"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MetricsPort    string        `yaml:"metrics_port"`
	GRPCHealthPort string        `yaml:"grpc_health_port"`
	RawLogDir      string        `yaml:"raw_log_dir"`
	LogLevel       string        `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Protocols: map[string]Protocol{
			"esptracker": {Port: "64458", MaxFixAge: time.Hour},
			"gt06":       {Port: "64459", MaxFixAge: time.Hour},
			"gps103":     {Port: "64460", MaxFixAge: time.Hour},
			"teltonika":  {Port: "", MaxFixAge: time.Hour},
		},
		MQTT: MQTT{
			RootTopic:      "tracker",
			Host:           "localhost",
			Port:           "1883",
			Proto:          "mqtt",
			User:           "user",
			Password:       "passwd",
			ClientID:       "tracker-svr",
			PublishTimeout: 5 * time.Second,
		},
		Postgres: Postgres{
			Host:     "localhost",
			Port:     "5432",
			User:     "postgres",
			Database: "django",
			SSLMode:  "disable",
			MaxConns: 8,
		},
		Redis: Redis{TTL: 24 * time.Hour},
		Dispatch: Dispatch{
			Workers:     4,
			QueueSize:   1024,
			SinkTimeout: 5 * time.Second,
		},
		MetricsPort: "9000",
		LogLevel:    "info",
	}
}

// Load: defaults, luego CONFIG_FILE (YAML) y por último variables de
// entorno. Un .env en el directorio actual se carga antes si existe.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	e := &envReader{}
	for _, name := range ProtocolNames {
		p := cfg.Protocols[name]
		prefix := strings.ToUpper(name)
		p.Port = getEnv(prefix+"_SERVER_PORT", p.Port)
		p.MaxFixAge = e.duration(prefix+"_MAX_FIX_AGE", p.MaxFixAge)
		cfg.Protocols[name] = p
	}

	cfg.MQTT.RootTopic = getEnv("MQTT_ROOT_TOPIC", cfg.MQTT.RootTopic)
	cfg.MQTT.Host = getEnv("MQTT_BROKER_URL", cfg.MQTT.Host)
	cfg.MQTT.Port = getEnv("MQTT_BROKER_PORT", cfg.MQTT.Port)
	cfg.MQTT.Proto = getEnv("MQTT_BROKER_PROTO", cfg.MQTT.Proto)
	cfg.MQTT.User = getEnv("MQTT_BROKER_USER", cfg.MQTT.User)
	cfg.MQTT.Password = getEnv("MQTT_BROKER_PASSWD", cfg.MQTT.Password)
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.QoS = e.int("MQTT_QOS", cfg.MQTT.QoS)
	cfg.MQTT.Retain = e.bool("MQTT_RETAIN", cfg.MQTT.Retain)
	cfg.MQTT.CACert = getEnv("MQTT_CA_CERT", cfg.MQTT.CACert)
	cfg.MQTT.PublishTimeout = e.duration("MQTT_PUBLISH_TIMEOUT", cfg.MQTT.PublishTimeout)

	cfg.Postgres.Host = getEnv("PG_HOST", cfg.Postgres.Host)
	cfg.Postgres.Port = getEnv("PG_PORT", cfg.Postgres.Port)
	cfg.Postgres.User = getEnv("PG_USER", cfg.Postgres.User)
	cfg.Postgres.Password = getEnv("PG_PASSWD", cfg.Postgres.Password)
	cfg.Postgres.Database = getEnv("PG_DB", cfg.Postgres.Database)
	cfg.Postgres.SSLMode = getEnv("PG_SSLMODE", cfg.Postgres.SSLMode)
	cfg.Postgres.MaxConns = e.int("PG_MAX_CONNS", cfg.Postgres.MaxConns)
	cfg.Postgres.AutoMigrate = e.bool("PG_AUTO_MIGRATE", cfg.Postgres.AutoMigrate)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.DB = e.int("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.TTL = e.duration("REDIS_TTL", cfg.Redis.TTL)

	cfg.LinkAddr = getEnv("LINK_ADDR", cfg.LinkAddr)

	cfg.Dispatch.Workers = e.int("DISPATCH_WORKERS", cfg.Dispatch.Workers)
	cfg.Dispatch.QueueSize = e.int("DISPATCH_QUEUE", cfg.Dispatch.QueueSize)
	cfg.Dispatch.SinkTimeout = e.duration("SINK_TIMEOUT", cfg.Dispatch.SinkTimeout)

	cfg.IdleTimeout = e.duration("IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MetricsPort = getEnv("METRICS_PORT", cfg.MetricsPort)
	cfg.GRPCHealthPort = getEnv("GRPC_HEALTH_PORT", cfg.GRPCHealthPort)
	cfg.RawLogDir = getEnv("RAW_LOG_DIR", cfg.RawLogDir)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if err := errors.Join(e.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// protocolOverlay distingue "no está en el YAML" de un cero explícito.
type protocolOverlay struct {
	Port      *string        `yaml:"port"`
	MaxFixAge *time.Duration `yaml:"max_fix_age"`
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var overlay struct {
		Protocols map[string]protocolOverlay `yaml:"protocols"`
	}
	if err := yaml.Unmarshal(b, &overlay); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	protocols := c.Protocols
	c.Protocols = nil
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	for name, p := range overlay.Protocols {
		cur := protocols[name]
		if p.Port != nil {
			cur.Port = *p.Port
		}
		if p.MaxFixAge != nil {
			cur.MaxFixAge = *p.MaxFixAge
		}
		protocols[name] = cur
	}
	c.Protocols = protocols
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.MQTT.RootTopic == "" {
		errs = append(errs, errors.New("mqtt root topic must not be empty"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt qos %d out of range", c.MQTT.QoS))
	}
	if c.Dispatch.Workers < 1 {
		errs = append(errs, fmt.Errorf("dispatch workers must be >= 1, got %d", c.Dispatch.Workers))
	}
	if len(c.EnabledProtocols()) == 0 {
		errs = append(errs, errors.New("no protocol listener enabled"))
	}
	for name, p := range c.Protocols {
		if p.MaxFixAge < 0 {
			errs = append(errs, fmt.Errorf("%s max fix age must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

// EnabledProtocols returns the protocols with a port, in listener order.
func (c Config) EnabledProtocols() []string {
	var out []string
	for _, name := range ProtocolNames {
		if c.Protocols[name].Port != "" {
			out = append(out, name)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// envReader acumula errores de parseo para reportarlos juntos.
type envReader struct {
	errs []error
}

func (e *envReader) int(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func (e *envReader) bool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
