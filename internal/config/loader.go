package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rpattn/versioned/internal/db"
)

// Config is the service configuration.
type Config struct {
	Server     Server     `mapstructure:"server"`
	Database   db.Config  `mapstructure:"database"`
	Logger     Logger     `mapstructure:"logger"`
	Versioning Versioning `mapstructure:"versioning"`
}

type Server struct {
	Addr           string        `mapstructure:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

type Logger struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	Development bool   `mapstructure:"development"`
}

// Versioning configures which tables get a shadow history table.
type Versioning struct {
	Prefix     string  `mapstructure:"prefix"`
	Suffix     string  `mapstructure:"suffix"`
	Schema     string  `mapstructure:"schema"`
	SaveEvents string  `mapstructure:"save_events"`
	Tables     []Table `mapstructure:"tables"`
}

// Table names an existing table to version.
type Table struct {
	Name      string `mapstructure:"name"`
	Table     string `mapstructure:"table"`
	Namespace string `mapstructure:"namespace"`
}

// Load reads config.yaml from configPath, then applies VERSIOND_* environment
// overrides (VERSIOND_DATABASE_HOST, VERSIOND_VERSIONING_PREFIX, ...). A missing
// file is not an error.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix("VERSIOND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // allow environment overrides

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	dbDefaults := db.DefaultConfig()
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)

	v.SetDefault("database.driver", dbDefaults.Driver)
	v.SetDefault("database.host", dbDefaults.Host)
	v.SetDefault("database.port", dbDefaults.Port)
	v.SetDefault("database.user", dbDefaults.User)
	v.SetDefault("database.password", dbDefaults.Password)
	v.SetDefault("database.dbname", dbDefaults.DBName)
	v.SetDefault("database.sslmode", dbDefaults.SSLMode)
	v.SetDefault("database.path", dbDefaults.Path)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.development", false)

	v.SetDefault("versioning.prefix", "version")
	v.SetDefault("versioning.suffix", "")
	v.SetDefault("versioning.schema", "")
	v.SetDefault("versioning.save_events", "standalone")
	v.SetDefault("versioning.tables", []map[string]any{
		{"name": "User", "table": "users"},
	})
}

// Validate checks values that would otherwise fail late at startup.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" && strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database.path is required for sqlite")
	}
	for i, t := range c.Versioning.Tables {
		if strings.TrimSpace(t.Table) == "" {
			return fmt.Errorf("versioning.tables[%d]: table is required", i)
		}
	}
	return nil
}
