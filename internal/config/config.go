package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Transport kinds resolvable from a server config shape.
const (
	TransportStdio     = "stdio"
	TransportHTTP      = "http"
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// Config root configuration
type Config struct {
	Agent      AgentConfig             `mapstructure:"agent"`
	Providers  ProvidersConfig         `mapstructure:"providers"`
	Log        LogConfig               `mapstructure:"log"`
	MCPServers map[string]ServerConfig `mapstructure:"mcp_servers"`
}

// AgentConfig agent loop settings
type AgentConfig struct {
	Model         string  `mapstructure:"model"`
	MaxSteps      int     `mapstructure:"max_steps"`
	MaxTokens     int     `mapstructure:"max_tokens"`
	Temperature   float64 `mapstructure:"temperature"`
	ServerManager bool    `mapstructure:"server_manager"`
}

// ProvidersConfig LLM provider settings
type ProvidersConfig struct {
	OpenRouter ProviderConfig `mapstructure:"openrouter"`
	Claude     ProviderConfig `mapstructure:"claude"`
	OpenAI     ProviderConfig `mapstructure:"openai"`
	DeepSeek   ProviderConfig `mapstructure:"deepseek"`
	Ollama     ProviderConfig `mapstructure:"ollama"`
}

// ProviderConfig single provider settings
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// ServerConfig describes how to reach one MCP server. Exactly one of the
// three shapes applies: command+args+env (stdio subprocess), url (+transport
// hints) for HTTP/SSE, or ws_url for WebSocket.
type ServerConfig struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`

	URL       string            `mapstructure:"url"`
	Headers   map[string]string `mapstructure:"headers"`
	AuthToken string            `mapstructure:"auth_token"`
	Transport string            `mapstructure:"transport"`
	PreferSSE bool              `mapstructure:"prefer_sse"`

	WSURL string `mapstructure:"ws_url"`

	Reconnect ReconnectConfig `mapstructure:"reconnect"`
}

// ReconnectConfig bounds the streamable-HTTP reconnection policy.
type ReconnectConfig struct {
	InitialDelayMs int     `mapstructure:"initial_delay_ms"`
	MaxDelayMs     int     `mapstructure:"max_delay_ms"`
	GrowthFactor   float64 `mapstructure:"growth_factor"`
	MaxRetries     int     `mapstructure:"max_retries"`
}

// TransportKind resolves the transport implied by the config shape.
// Precedence is command, then url, then ws_url. A config carrying both a
// command and a url is ambiguous and rejected rather than silently resolved.
func (s ServerConfig) TransportKind() (string, error) {
	command := strings.TrimSpace(s.Command)
	rawURL := strings.TrimSpace(s.URL)
	wsURL := strings.TrimSpace(s.WSURL)

	if command != "" && rawURL != "" {
		return "", fmt.Errorf("server config has both command and url; pick one")
	}
	if command != "" {
		return TransportStdio, nil
	}
	if rawURL != "" {
		transport := strings.ToLower(strings.TrimSpace(s.Transport))
		if transport == TransportSSE || s.PreferSSE {
			return TransportSSE, nil
		}
		if transport != "" && transport != TransportHTTP {
			return "", fmt.Errorf("unknown transport %q: must be http or sse", s.Transport)
		}
		return TransportHTTP, nil
	}
	if wsURL != "" {
		return TransportWebSocket, nil
	}
	return "", fmt.Errorf("server config needs one of command, url, or ws_url")
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:       "anthropic/claude-sonnet-4-5",
			MaxSteps:    10,
			MaxTokens:   8192,
			Temperature: 0.7,
		},
		Providers: ProvidersConfig{},
		Log: LogConfig{
			Level: "info",
			File:  "",
		},
		MCPServers: map[string]ServerConfig{},
	}
}

// ConfigDir returns the drover config directory
func ConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".drover")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load loads config from file or returns defaults
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom loads config from an explicit path.
func LoadFrom(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if configPath != ConfigPath() {
			return cfg, fmt.Errorf("config file not found: %s", configPath)
		}
		if err := Save(cfg); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("DROVER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to file
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks that the configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	a := &c.Agent

	if a.MaxSteps < 0 {
		return fmt.Errorf("agent.max_steps must not be negative, got %d", a.MaxSteps)
	}
	if a.MaxSteps == 0 {
		a.MaxSteps = 10
	}

	if a.Temperature < 0 || a.Temperature > 2.0 {
		return fmt.Errorf("agent.temperature must be between 0 and 2.0, got %f", a.Temperature)
	}

	if a.MaxTokens <= 0 {
		return fmt.Errorf("agent.max_tokens must be > 0, got %d", a.MaxTokens)
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	for name, server := range c.MCPServers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("mcp_servers contains an entry with an empty name")
		}
		if _, err := server.TransportKind(); err != nil {
			return fmt.Errorf("mcp_servers.%s: %w", name, err)
		}
		if server.Reconnect.GrowthFactor < 0 {
			return fmt.Errorf("mcp_servers.%s: reconnect.growth_factor must not be negative", name)
		}
	}

	return nil
}
