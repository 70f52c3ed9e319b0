package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadServerConfig_Defaults(t *testing.T) {
	req := require.New(t)
	dataDir := t.TempDir()
	t.Setenv("CHATLINE_DATA_DIR", dataDir)

	cfg, err := LoadServerConfig()
	req.NoError(err)
	req.Equal(":8080", cfg.Addr)
	req.Equal("/ws", cfg.Path)
	req.Equal(StoreSQLite, cfg.MessageStore)
	req.Equal(int64(5242880), cfg.MaxUploadBytes)
	req.Equal(7*24*time.Hour, cfg.TokenTTL)
	req.Equal(filepath.Join(dataDir, "chatline.db"), cfg.DBPath)
	req.Equal(filepath.Join(dataDir, "uploads"), cfg.UploadDir)
}

func TestLoadServerConfig_FromEnvironment(t *testing.T) {
	req := require.New(t)
	t.Setenv("CHATLINE_DATA_DIR", t.TempDir())
	t.Setenv("CHATLINE_ADDR", "127.0.0.1:9000")
	t.Setenv("CHATLINE_WS_PATH", "socket")
	t.Setenv("CHATLINE_MESSAGE_STORE", "badger")
	t.Setenv("CHATLINE_BADGER_DIR", "/var/lib/chatline/kv")
	t.Setenv("CHATLINE_TOKEN_TTL", "30m")

	cfg, err := LoadServerConfig()
	req.NoError(err)
	req.Equal("127.0.0.1:9000", cfg.Addr)
	req.Equal("/socket", cfg.Path)
	req.Equal(StoreBadger, cfg.MessageStore)
	req.Equal("/var/lib/chatline/kv", cfg.BadgerDir)
	req.Equal(30*time.Minute, cfg.TokenTTL)
}

func TestLoadServerConfig_RejectsUnknownStore(t *testing.T) {
	t.Setenv("CHATLINE_DATA_DIR", t.TempDir())
	t.Setenv("CHATLINE_MESSAGE_STORE", "postgres")

	_, err := LoadServerConfig()
	require.ErrorContains(t, err, "unknown message store")
}
