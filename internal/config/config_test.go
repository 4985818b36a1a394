package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Agent.MaxSteps != 10 {
		t.Errorf("expected MaxSteps=10, got %d", cfg.Agent.MaxSteps)
	}
	if cfg.Agent.Temperature != 0.7 {
		t.Errorf("expected Temperature=0.7, got %f", cfg.Agent.Temperature)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %q", cfg.Log.Level)
	}
}

func TestTransportKind_Precedence(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		want    string
		wantErr bool
	}{
		{name: "command resolves stdio", cfg: ServerConfig{Command: "npx"}, want: TransportStdio},
		{name: "url resolves http", cfg: ServerConfig{URL: "https://example.com/mcp"}, want: TransportHTTP},
		{name: "url with sse transport", cfg: ServerConfig{URL: "https://example.com/sse", Transport: "sse"}, want: TransportSSE},
		{name: "url with prefer_sse", cfg: ServerConfig{URL: "https://example.com/sse", PreferSSE: true}, want: TransportSSE},
		{name: "ws_url resolves websocket", cfg: ServerConfig{WSURL: "ws://example.com/ws"}, want: TransportWebSocket},
		{name: "url beats ws_url", cfg: ServerConfig{URL: "https://example.com/mcp", WSURL: "ws://example.com/ws"}, want: TransportHTTP},
		{name: "command and url is ambiguous", cfg: ServerConfig{Command: "npx", URL: "https://example.com"}, wantErr: true},
		{name: "unknown transport rejected", cfg: ServerConfig{URL: "https://example.com", Transport: "carrier-pigeon"}, wantErr: true},
		{name: "empty shape rejected", cfg: ServerConfig{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.TransportKind()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got kind %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("TransportKind error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("TransportKind=%q want %q", got, tt.want)
			}
		})
	}
}

func TestLoadFrom_CamelCaseKeysBind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	payload := `{
		"agent": {"maxSteps": 5, "maxTokens": 2048, "serverManager": true},
		"mcpServers": {
			"files": {"command": "npx", "args": ["-y", "@modelcontextprotocol/server-filesystem"]},
			"web": {"url": "https://example.com/mcp", "authToken": "secret", "preferSse": false}
		}
	}`
	if err := os.WriteFile(path, []byte(payload), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom error: %v", err)
	}
	if cfg.Agent.MaxSteps != 5 {
		t.Errorf("expected camelCase maxSteps to bind, got %d", cfg.Agent.MaxSteps)
	}
	if !cfg.Agent.ServerManager {
		t.Error("expected serverManager=true to bind")
	}
	if len(cfg.MCPServers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(cfg.MCPServers))
	}
	if cfg.MCPServers["files"].Command != "npx" {
		t.Errorf("expected files command npx, got %q", cfg.MCPServers["files"].Command)
	}
	if cfg.MCPServers["web"].AuthToken != "secret" {
		t.Errorf("expected camelCase authToken to bind, got %q", cfg.MCPServers["web"].AuthToken)
	}
}

func TestValidate_RejectsBadServerShape(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MCPServers["broken"] = ServerConfig{Command: "npx", URL: "https://example.com"}

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for ambiguous server shape")
	}
}

func TestValidate_NormalizesLevelAndSteps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "WARN"
	cfg.Agent.MaxSteps = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected level normalized to warn, got %q", cfg.Log.Level)
	}
	if cfg.Agent.MaxSteps != 10 {
		t.Errorf("expected zero max_steps defaulted to 10, got %d", cfg.Agent.MaxSteps)
	}
}

func TestLoadFrom_MissingExplicitPathFails(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
}
