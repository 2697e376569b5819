package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string
	AllowedOrigin      string
	DatabaseURL        string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	BranchID           string
	SettingsTTLSeconds int
	AuthSecret         string
	TokenTTLMinutes    int
	AuditQueueSize     int
	LogLevel           string
}

func Load() Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ALLOWED_ORIGIN", "http://127.0.0.1:3000")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DEFAULT_BRANCH_ID", "centro")
	v.SetDefault("SETTINGS_TTL_SECONDS", 60)
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 480)
	v.SetDefault("AUDIT_QUEUE_SIZE", 256)
	v.SetDefault("LOG_LEVEL", "info")

	cfg := Config{
		Port:               v.GetString("PORT"),
		AllowedOrigin:      v.GetString("ALLOWED_ORIGIN"),
		DatabaseURL:        v.GetString("DATABASE_URL"),
		RedisAddr:          v.GetString("REDIS_ADDR"),
		RedisPassword:      v.GetString("REDIS_PASSWORD"),
		RedisDB:            v.GetInt("REDIS_DB"),
		BranchID:           v.GetString("DEFAULT_BRANCH_ID"),
		SettingsTTLSeconds: v.GetInt("SETTINGS_TTL_SECONDS"),
		AuthSecret:         strings.TrimSpace(v.GetString("AUTH_SECRET")),
		TokenTTLMinutes:    v.GetInt("ACCESS_TOKEN_TTL_MINUTES"),
		AuditQueueSize:     v.GetInt("AUDIT_QUEUE_SIZE"),
		LogLevel:           v.GetString("LOG_LEVEL"),
	}
	if cfg.SettingsTTLSeconds < 1 {
		cfg.SettingsTTLSeconds = 60
	}
	if cfg.TokenTTLMinutes < 1 {
		cfg.TokenTTLMinutes = 480
	}
	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) SettingsTTL() time.Duration {
	return time.Duration(c.SettingsTTLSeconds) * time.Second
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMinutes) * time.Minute
}
