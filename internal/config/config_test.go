package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, "centro", cfg.BranchID)
	assert.Equal(t, 60*time.Second, cfg.SettingsTTL())
	assert.Equal(t, 480*time.Minute, cfg.TokenTTL())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DEFAULT_BRANCH_ID", "norte")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "60")
	t.Setenv("AUTH_SECRET", "  s3cret  ")

	cfg := Load()
	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, "norte", cfg.BranchID)
	assert.Equal(t, time.Hour, cfg.TokenTTL())
	assert.Equal(t, "s3cret", cfg.AuthSecret)
}

func TestLoadRejectsBadTTLs(t *testing.T) {
	t.Setenv("SETTINGS_TTL_SECONDS", "-5")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "0")

	cfg := Load()
	assert.Equal(t, 60, cfg.SettingsTTLSeconds)
	assert.Equal(t, 480, cfg.TokenTTLMinutes)
}
