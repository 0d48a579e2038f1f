package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del servidor de subastas.
type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Sweeper SweeperConfig `yaml:"sweeper"`
	Storage StorageConfig `yaml:"storage"`
	Auth    AuthConfig    `yaml:"auth"`
	Session SessionConfig `yaml:"session"`
	Auction AuctionConfig `yaml:"auction"`
	Log     LogConfig     `yaml:"log"`
}

// HTTPConfig controla el listener de la API y el websocket.
type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"` // vacío: cualquier origen
	ShutdownSecs   int      `yaml:"shutdown_seconds"`
}

// SweeperConfig controla el bucle de transiciones.
type SweeperConfig struct {
	IntervalMillis int `yaml:"interval_ms"`
	Workers        int `yaml:"workers"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	Driver     string `yaml:"driver"`     // sqlite | postgres
	DSN        string `yaml:"dsn"`        // ruta SQLite, ":memory:" o URL de Postgres
	Migrations string `yaml:"migrations"` // source URL de golang-migrate, solo postgres
}

// AuthConfig contiene la verificación de los bearer tokens.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// SessionConfig limita cada conexión en vivo.
type SessionConfig struct {
	SendBuffer    int     `yaml:"send_buffer"`
	BidsPerSecond float64 `yaml:"bids_per_second"`
	BidBurst      int     `yaml:"bid_burst"`
	SnapshotLimit int     `yaml:"snapshot_limit"`
	WriteTimeoutS int     `yaml:"write_timeout_seconds"`
	ClosedTopics  int     `yaml:"closed_topics"` // subastas cerradas que se recuerdan para rechazar joins tardíos
}

// AuctionConfig contiene reglas de alta.
type AuctionConfig struct {
	MinDurationSecs int `yaml:"min_duration_seconds"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Las variables de entorno sobreescriben los valores del YAML.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// SweepInterval devuelve el intervalo del sweeper como time.Duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweeper.IntervalMillis) * time.Millisecond
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.HTTP.ShutdownSecs) * time.Second
}

func (c *Config) MinAuctionDuration() time.Duration {
	return time.Duration(c.Auction.MinDurationSecs) * time.Second
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Session.WriteTimeoutS) * time.Second
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("GAVEL_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("GAVEL_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("GAVEL_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.ShutdownSecs <= 0 {
		cfg.HTTP.ShutdownSecs = 10
	}
	if cfg.Sweeper.IntervalMillis <= 0 {
		cfg.Sweeper.IntervalMillis = 1000
	}
	if cfg.Sweeper.Workers <= 0 {
		cfg.Sweeper.Workers = 4
	}
	cfg.Storage.Driver = strings.ToLower(cfg.Storage.Driver)
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" && cfg.Storage.Driver == "sqlite" {
		cfg.Storage.DSN = "gavel.db"
	}
	if cfg.Storage.Migrations == "" {
		cfg.Storage.Migrations = "file://migrations"
	}
	if cfg.Session.SendBuffer <= 0 {
		cfg.Session.SendBuffer = 64
	}
	if cfg.Session.BidsPerSecond <= 0 {
		cfg.Session.BidsPerSecond = 5
	}
	if cfg.Session.BidBurst <= 0 {
		cfg.Session.BidBurst = 5
	}
	if cfg.Session.SnapshotLimit <= 0 {
		cfg.Session.SnapshotLimit = 10
	}
	if cfg.Session.WriteTimeoutS <= 0 {
		cfg.Session.WriteTimeoutS = 10
	}
	if cfg.Session.ClosedTopics <= 0 {
		cfg.Session.ClosedTopics = 4096
	}
	if cfg.Auction.MinDurationSecs <= 0 {
		cfg.Auction.MinDurationSecs = 10
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or GAVEL_JWT_SECRET)")
	}
	return nil
}
