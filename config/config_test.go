package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ironcard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.yaml")} {
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, ".ironcard/S.ironcard"), cfg.Agent.Socket)
		assert.Equal(t, filepath.Join(home, ".gnupg/pubring.kbx"), cfg.Keybox.Path)
		assert.Equal(t, "scdaemon", cfg.Scdaemon.Program)
		assert.Equal(t, 5*time.Second, cfg.Scdaemon.StopTimeout)
		assert.Empty(t, cfg.Keybox.Journal)
		assert.Empty(t, cfg.Agent.MetricsListen)

		mode, err := cfg.Agent.FileMode()
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), mode)
	}
}

func TestLoad_File(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path := writeConfig(t, `
agent:
  socket: /run/user/1000/ironcard.sock
  socket_mode: "0660"
  metrics_listen: 127.0.0.1:9464
scdaemon:
  program: /usr/lib/gnupg/scdaemon
  home_dir: ~/.gnupg
  event_signal: 12
  use_auth: true
  stop_timeout: 2s
keybox:
  secret: true
  journal: ~/.ironcard/journal.db
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/run/user/1000/ironcard.sock", cfg.Agent.Socket)
	assert.Equal(t, "127.0.0.1:9464", cfg.Agent.MetricsListen)
	mode, err := cfg.Agent.FileMode()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o660), mode)

	assert.Equal(t, "/usr/lib/gnupg/scdaemon", cfg.Scdaemon.Program)
	assert.Equal(t, filepath.Join(home, ".gnupg"), cfg.Scdaemon.HomeDir)
	assert.Equal(t, 12, cfg.Scdaemon.EventSignal)
	assert.True(t, cfg.Scdaemon.UseAuth)
	assert.Equal(t, 2*time.Second, cfg.Scdaemon.StopTimeout)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, filepath.Join(home, ".gnupg/pubring.kbx"), cfg.Keybox.Path)
	assert.True(t, cfg.Keybox.Secret)
	assert.Equal(t, filepath.Join(home, ".ironcard/journal.db"), cfg.Keybox.Journal)

	assert.Equal(t, "json", cfg.Logging.Format)
	level, err := cfg.Logging.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", level.String())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "BadYAML", content: "agent: [unterminated"},
		{name: "EmptySocket", content: "agent:\n  socket: \"\"\n"},
		{name: "SocketModeNotOctal", content: "agent:\n  socket_mode: \"0999\"\n"},
		{name: "SocketModeTooWide", content: "agent:\n  socket_mode: \"7777\"\n"},
		{name: "NoProgram", content: "scdaemon:\n  program: \"\"\n"},
		{name: "NegativeSignal", content: "scdaemon:\n  event_signal: -1\n"},
		{name: "BadLevel", content: "logging:\n  level: verbose\n"},
		{name: "BadFormat", content: "logging:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
		})
	}
}

func TestLoad_DisabledNeedsNoProgram(t *testing.T) {
	cfg, err := Load(writeConfig(t, "scdaemon:\n  program: \"\"\n  disable: true\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Scdaemon.Disable)
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		in   string
		want string
	}{
		{"~", home},
		{"~/a/b", filepath.Join(home, "a/b")},
		{"/abs/path", "/abs/path"},
		{"rel/path", "rel/path"},
		{"~user/x", "~user/x"},
		{"", ""},
	}
	for _, tt := range tests {
		got, err := ExpandHome(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
