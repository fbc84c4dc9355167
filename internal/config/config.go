package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env        string           `mapstructure:"env"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Period     PeriodConfig     `mapstructure:"period"`
	Enrollment EnrollmentConfig `mapstructure:"enrollment"`
}

type ServerConfig struct {
	Port         string   `mapstructure:"port"`
	ReadTimeout  int      `mapstructure:"read_timeout_seconds"`
	WriteTimeout int      `mapstructure:"write_timeout_seconds"`
	IdleTimeout  int      `mapstructure:"idle_timeout_seconds"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            string `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"name"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime_seconds"`
	ConnMaxIdleTime int    `mapstructure:"conn_max_idle_time_seconds"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// PeriodConfig describes the active enrollment cycle and its signup window.
// Times are RFC3339; start_time gates regular users, test_start_time is the
// earlier instant from which admins may sign up to verify the flow.
type PeriodConfig struct {
	Year          int    `mapstructure:"year"`
	Season        int    `mapstructure:"season"`
	StartTime     string `mapstructure:"start_time"`
	TestStartTime string `mapstructure:"test_start_time"`
}

type EnrollmentConfig struct {
	EnforceCapacity bool `mapstructure:"enforce_capacity"`
}

func Load() (*Config, error) {
	env := os.Getenv("ENV")
	if env == "" {
		env = "local"
	}

	viper.SetConfigName(fmt.Sprintf("config.%s", env))
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/configs")   // Kubernetes mount
	viper.AddConfigPath("./configs")  // run from repo root
	viper.AddConfigPath("../configs") // run from cmd/

	// Config file is optional - ENV variables can carry everything
	if err := viper.ReadInConfig(); err != nil {
		fmt.Printf("No config file found (will use ENV variables): %v\n", err)
	}

	viper.AutomaticEnv()

	viper.BindEnv("database.user", "DB_USER")
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("nats.url", "NATS_URL")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if config.Env == "" {
		config.Env = env
	}

	return &config, nil
}

// StartTimes parses the configured signup window instants.
func (p PeriodConfig) StartTimes() (start, testStart time.Time, err error) {
	start, err = time.Parse(time.RFC3339, p.StartTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid period.start_time: %w", err)
	}
	testStart, err = time.Parse(time.RFC3339, p.TestStartTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid period.test_start_time: %w", err)
	}
	return start, testStart, nil
}
