package config

import (
	"testing"
)

func TestResolveHost(t *testing.T) {
	tests := []struct {
		input    string
		inDocker bool
		expected string
	}{
		{"mydb.example.com", true, "mydb.example.com"},
		{"192.168.1.100", true, "192.168.1.100"},
		{"localhost", true, "host.docker.internal"},
		{"127.0.0.1", true, "host.docker.internal"},
		{"localhost", false, "localhost"},
		{"127.0.0.1", false, "127.0.0.1"},
	}

	for _, tt := range tests {
		if got := resolveHost(tt.input, tt.inDocker); got != tt.expected {
			t.Errorf("resolveHost(%q, %v) = %q, want %q", tt.input, tt.inDocker, got, tt.expected)
		}
	}
}

func TestApplyDockerHosts(t *testing.T) {
	cfg := &Config{
		Database: DatabaseConfig{Host: "localhost"},
		Redis:    RedisConfig{Host: "127.0.0.1"},
		Storage:  StorageConfig{Minio: MinioConfig{Endpoint: "localhost:9000"}},
		LLM:      LLMConfig{Endpoint: "http://localhost:11434/v1"},
	}

	cfg.applyDockerHosts(true)

	if cfg.Database.Host != "host.docker.internal" {
		t.Errorf("Database.Host = %q", cfg.Database.Host)
	}
	if cfg.Redis.Host != "host.docker.internal" {
		t.Errorf("Redis.Host = %q", cfg.Redis.Host)
	}
	if cfg.Storage.Minio.Endpoint != "host.docker.internal:9000" {
		t.Errorf("Minio.Endpoint = %q", cfg.Storage.Minio.Endpoint)
	}
	if cfg.LLM.Endpoint != "http://host.docker.internal:11434/v1" {
		t.Errorf("LLM.Endpoint = %q", cfg.LLM.Endpoint)
	}
}

func TestApplyDockerHosts_LeavesDisabledRedisEmpty(t *testing.T) {
	cfg := &Config{LLM: LLMConfig{Endpoint: "https://api.openai.com/v1"}}

	cfg.applyDockerHosts(true)

	if cfg.Redis.Host != "" {
		t.Errorf("expected Redis to stay disabled, got %q", cfg.Redis.Host)
	}
	if cfg.LLM.Endpoint != "https://api.openai.com/v1" {
		t.Errorf("remote endpoint changed: %q", cfg.LLM.Endpoint)
	}
}

func TestResolveHostForDocker_NonLoopbackUnchanged(t *testing.T) {
	if got := ResolveHostForDocker("mydb.example.com"); got != "mydb.example.com" {
		t.Errorf("ResolveHostForDocker changed a remote host: %q", got)
	}
}
