package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"

	"github.com/shipworks/ship/internal/egress/feishu"
	"github.com/shipworks/ship/internal/egress/qq"
	"github.com/shipworks/ship/internal/egress/telegram"
)

// Load reads the config file, then overlays SHIP_* env vars. A missing
// file is not an error: defaults plus env are a complete config.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays environment variables onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("SHIP_ROOT", &c.Root)
	envStr("SHIP_WORKSPACE", &c.Agent.Workspace)
	envStr("SHIP_PROVIDER", &c.Agent.Provider)
	envStr("SHIP_MODEL", &c.Agent.Model)

	envStr("SHIP_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("SHIP_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("SHIP_OPENAI_API_BASE", &c.Providers.OpenAI.APIBase)

	// Egress credentials from env enable the section when the file left
	// it out.
	if v := os.Getenv("SHIP_TELEGRAM_TOKEN"); v != "" {
		if c.Egress.Telegram == nil {
			c.Egress.Telegram = &telegram.Config{}
		}
		c.Egress.Telegram.Token = v
	}
	if v := os.Getenv("SHIP_FEISHU_APP_ID"); v != "" {
		if c.Egress.Feishu == nil {
			c.Egress.Feishu = &feishu.Config{}
		}
		c.Egress.Feishu.AppID = v
	}
	if v := os.Getenv("SHIP_FEISHU_APP_SECRET"); v != "" {
		if c.Egress.Feishu == nil {
			c.Egress.Feishu = &feishu.Config{}
		}
		c.Egress.Feishu.AppSecret = v
	}
	if v := os.Getenv("SHIP_QQ_APP_ID"); v != "" {
		if c.Egress.QQ == nil {
			c.Egress.QQ = &qq.Config{}
		}
		c.Egress.QQ.AppID = v
	}
	if v := os.Getenv("SHIP_QQ_SECRET"); v != "" {
		if c.Egress.QQ == nil {
			c.Egress.QQ = &qq.Config{}
		}
		c.Egress.QQ.Secret = v
	}

	envStr("SHIP_SKILLS_DIR", &c.Skills.Dir)
	envStr("SHIP_MEMORY_PATH", &c.Memory.Path)

	if v := os.Getenv("SHIP_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Scheduler.MaxConcurrency = n
		}
	}

	envStr("SHIP_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("SHIP_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("SHIP_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("SHIP_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SHIP_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config as indented JSON, atomically: temp file in the
// same directory, then rename.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	// Config may carry API keys; keep it owner-readable only.
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	if len(path) == 1 {
		return home
	}
	return path
}
