package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, "taskflow", cfg.Agent.Name)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, "anthropic", cfg.Model.Provider)
	require.Equal(t, "ANTHROPIC_API_KEY", cfg.Model.APIKeyEnv)
	require.Equal(t, "memory", cfg.Store.Backend)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
agent:
  name: support-bot
  system: You answer support questions.
server:
  addr: ":9090"
  basePath: /rpc
model:
  provider: openai
  name: gpt-4o
store:
  backend: mongo
  mongo:
    uri: mongodb://localhost:27017
redis:
  addr: localhost:6379
  streamMaxLen: 500
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "support-bot", cfg.Agent.Name)
	require.Equal(t, ":9090", cfg.Server.Addr)
	require.Equal(t, "/rpc", cfg.Server.BasePath)
	require.Equal(t, "openai", cfg.Model.Provider)
	require.Equal(t, "OPENAI_API_KEY", cfg.Model.APIKeyEnv)
	require.Equal(t, "mongo", cfg.Store.Backend)
	require.Equal(t, "taskflow", cfg.Store.Mongo.Database)
	require.Equal(t, 500, cfg.Redis.StreamMaxLen)
}

func TestLoadConfigValidation(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "model:\n  provider: cohere\n"))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "store:\n  backend: mongo\n"))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "store:\n  backend: dynamo\n"))
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
