package callbridge

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Environment    string           `mapstructure:"environment"`
	LogLevel       string           `mapstructure:"log_level"`
	LogFormat      string           `mapstructure:"log_format"`
	DrainTimeoutMS int              `mapstructure:"drain_timeout_ms"`
	Transports     TransportsConfig `mapstructure:"transports"`
	Agent          AgentConfig      `mapstructure:"agent"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type AgentConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

// envBindings maps config keys to the environment variables that may supply
// them. Credentials normally arrive this way; a config file can override.
var envBindings = map[string]string{
	"transports.settings.account_sid":  "TWILIO_ACCOUNT_SID",
	"transports.settings.auth_token":   "TWILIO_AUTH_TOKEN",
	"transports.settings.phone_number": "TWILIO_PHONE_NUMBER",
	"transports.settings.public_url":   "PUBLIC_URL",
	"transports.settings.server_addr":  "SERVER_ADDR",
	"agent.settings.api_key":           "ELEVENLABS_API_KEY",
	"agent.settings.agent_id":          "ELEVENLABS_AGENT_ID",
}

// LoadConfig reads configuration from an optional file plus environment
// variables. Validation of required credentials happens in NewApp so the
// failure carries the settings path that is missing.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("drain_timeout_ms", 10000)
	v.SetDefault("transports.provider", "twilio")
	v.SetDefault("agent.provider", "elevenlabs")
	for key, envVar := range envBindings {
		// Defaults make env-only keys visible to Unmarshal.
		v.SetDefault(key, "")
		_ = v.BindEnv(key, envVar)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
