// Package config loads the deployment configuration from the environment and
// an optional config file. The result is an immutable struct injected into
// each component; mode transitions build a new Config and rebuild the
// affected components rather than mutating shared state.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/flowslide/tiersync/internal/store/object"
	"github.com/flowslide/tiersync/internal/types"
)

// Recognized environment keys. Presence of DatabaseURL enables the external
// tier; the full R2 quad enables the object tier.
const (
	EnvDatabaseURL     = "DATABASE_URL"
	EnvR2AccessKey     = "R2_ACCESS_KEY_ID"
	EnvR2SecretKey     = "R2_SECRET_ACCESS_KEY"
	EnvR2Endpoint      = "R2_ENDPOINT"
	EnvR2Bucket        = "R2_BUCKET_NAME"
	EnvEnableDataSync  = "ENABLE_DATA_SYNC"
	EnvSyncInterval    = "SYNC_INTERVAL"
	EnvSyncDirections  = "SYNC_DIRECTIONS"
	EnvBackupSchedule  = "BACKUP_SCHEDULE"
	EnvBackupRetention = "BACKUP_RETENTION_DAYS"
	EnvDeploymentMode  = "DEPLOYMENT_MODE"
	EnvLocalDBPath     = "TIERSYNC_DB_PATH"
)

// mirroredKeys are the environment-provided settings the config sync service
// keeps in agreement with the external store so a new replica inherits them.
var mirroredKeys = []string{
	EnvDatabaseURL,
	"DEFAULT_ADMIN_USERNAME",
	"DEFAULT_ADMIN_PASSWORD",
	EnvR2AccessKey,
	EnvR2SecretKey,
	EnvR2Endpoint,
	EnvR2Bucket,
	"JWT_SECRET",
	"OPENAI_API_KEY",
	"OPENAI_BASE_URL",
	"ANTHROPIC_API_KEY",
	"ANTHROPIC_BASE_URL",
	"CAPTCHA_SITE_KEY",
	"CAPTCHA_SECRET_KEY",
	"MAX_UPLOAD_SIZE_MB",
	"LOGIN_CAPTCHA_ENABLED",
}

// sensitiveKeys within the mirrored set are sealed before leaving the process.
var sensitiveKeys = map[string]bool{
	EnvDatabaseURL:           true,
	"DEFAULT_ADMIN_PASSWORD": true,
	EnvR2SecretKey:           true,
	"JWT_SECRET":             true,
	"OPENAI_API_KEY":         true,
	"ANTHROPIC_API_KEY":      true,
	"CAPTCHA_SECRET_KEY":     true,
}

// Config is the resolved deployment configuration.
type Config struct {
	LocalDBPath string
	DatabaseURL string
	R2          object.Config

	// EnableDataSync is the master switch for the sync engine. Defaults to
	// true whenever an external peer is configured.
	EnableDataSync bool

	// SyncInterval overrides the interval for types that do not set their
	// own; zero means no override.
	SyncInterval time.Duration

	// SyncDirections restricts the enabled directions; empty means both.
	SyncDirections []types.Direction

	BackupSchedule      string
	BackupRetentionDays int

	// ModeOverride disables detection when set.
	ModeOverride types.DeploymentMode

	// Settings holds the mirrored environment-provided values keyed by env
	// name, for the config sync service.
	Settings map[string]string
}

// Load reads the environment (and, if present, the named config file) into a
// Config. Env always wins over the file.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetDefault(EnvLocalDBPath, "data/tiersync.db")
	v.SetDefault(EnvBackupRetention, 30)
	v.SetDefault(EnvBackupSchedule, "0 3 * * *")

	for _, key := range append([]string{
		EnvDatabaseURL, EnvR2AccessKey, EnvR2SecretKey, EnvR2Endpoint, EnvR2Bucket,
		EnvEnableDataSync, EnvSyncInterval, EnvSyncDirections,
		EnvBackupSchedule, EnvBackupRetention, EnvDeploymentMode, EnvLocalDBPath,
	}, mirroredKeys...) {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		LocalDBPath: v.GetString(EnvLocalDBPath),
		DatabaseURL: v.GetString(EnvDatabaseURL),
		R2: object.Config{
			AccessKeyID:     v.GetString(EnvR2AccessKey),
			SecretAccessKey: v.GetString(EnvR2SecretKey),
			Endpoint:        v.GetString(EnvR2Endpoint),
			Bucket:          v.GetString(EnvR2Bucket),
		},
		BackupSchedule:      v.GetString(EnvBackupSchedule),
		BackupRetentionDays: v.GetInt(EnvBackupRetention),
		Settings:            map[string]string{},
	}

	if raw := v.GetString(EnvEnableDataSync); raw != "" {
		cfg.EnableDataSync = v.GetBool(EnvEnableDataSync)
	} else {
		cfg.EnableDataSync = cfg.HasExternal() || cfg.HasR2()
	}

	if raw := v.GetString(EnvSyncInterval); raw != "" {
		d, err := parseInterval(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvSyncInterval, err)
		}
		cfg.SyncInterval = d
	}

	if raw := v.GetString(EnvSyncDirections); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			dir, err := types.ParseDirection(strings.TrimSpace(part))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", EnvSyncDirections, err)
			}
			cfg.SyncDirections = append(cfg.SyncDirections, dir)
		}
	}

	if raw := v.GetString(EnvDeploymentMode); raw != "" {
		mode, err := types.ParseMode(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvDeploymentMode, err)
		}
		cfg.ModeOverride = mode
	}

	for _, key := range mirroredKeys {
		if val := v.GetString(key); val != "" {
			cfg.Settings[key] = val
		}
	}

	return cfg, nil
}

// parseInterval accepts either a Go duration ("90s") or plain seconds ("90").
func parseInterval(raw string) (time.Duration, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	var secs int64
	if _, err := fmt.Sscanf(raw, "%d", &secs); err != nil || secs < 0 {
		return 0, fmt.Errorf("invalid interval %q", raw)
	}
	return time.Duration(secs) * time.Second, nil
}

// HasExternal reports whether an external database is configured.
func (c *Config) HasExternal() bool { return c.DatabaseURL != "" }

// HasR2 reports whether the object store is fully configured.
func (c *Config) HasR2() bool { return c.R2.Complete() }

// MissingFor lists the config fields (env-style names) the target mode needs
// but this config lacks.
func (c *Config) MissingFor(mode types.DeploymentMode) []string {
	var missing []string
	if mode.HasExternal() && !c.HasExternal() {
		missing = append(missing, EnvDatabaseURL)
	}
	if mode.HasR2() {
		missing = append(missing, c.R2.Missing()...)
	}
	return missing
}

// MirroredKeys returns the ordered list of settings the config sync service
// manages.
func MirroredKeys() []string {
	return append([]string(nil), mirroredKeys...)
}

// IsSensitiveKey reports whether the mirrored setting must be sealed before
// leaving the process.
func IsSensitiveKey(key string) bool { return sensitiveKeys[key] }

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.SyncDirections = append([]types.Direction(nil), c.SyncDirections...)
	out.Settings = make(map[string]string, len(c.Settings))
	for k, v := range c.Settings {
		out.Settings[k] = v
	}
	return &out
}
