package app

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	StoreSQLite = "sqlite"
	StoreBadger = "badger"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr           string        `env:"CHATLINE_ADDR,default=:8080"`
	Path           string        `env:"CHATLINE_WS_PATH,default=/ws"`
	DBPath         string        `env:"CHATLINE_DB_PATH"`
	MessageStore   string        `env:"CHATLINE_MESSAGE_STORE,default=sqlite"`
	BadgerDir      string        `env:"CHATLINE_BADGER_DIR"`
	UploadDir      string        `env:"CHATLINE_UPLOAD_DIR"`
	MaxUploadBytes int64         `env:"CHATLINE_MAX_UPLOAD_BYTES,default=5242880"`
	JWTSecret      string        `env:"CHATLINE_JWT_SECRET"`
	TokenTTL       time.Duration `env:"CHATLINE_TOKEN_TTL,default=168h"`
	BcryptCost     int           `env:"CHATLINE_BCRYPT_COST,default=10"`
	LogLevel       string        `env:"CHATLINE_LOG_LEVEL,default=INFO"`
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL   string `env:"CHATLINE_SERVER,default=ws://localhost:8080/ws"`
	SessionPath string `env:"CHATLINE_SESSION_PATH"`
}

// LoadServerConfig reads .env (when present) and the environment, then
// fills per-user data paths that were left empty.
func LoadServerConfig() (ServerConfig, error) {
	_ = godotenv.Load()
	var cfg ServerConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return cfg, fmt.Errorf("config error: %w", err)
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func LoadClientConfig() (ClientConfig, error) {
	_ = godotenv.Load()
	var cfg ClientConfig
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return cfg, fmt.Errorf("config error: %w", err)
	}
	if cfg.SessionPath == "" {
		cfg.SessionPath = filepath.Join(DefaultDataDir(), "session.json")
	}
	return cfg, nil
}

func (cfg *ServerConfig) applyDefaults() {
	cfg.Path = NormalizeSocketPath(cfg.Path)
	dataDir := DefaultDataDir()
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(dataDir, "chatline.db")
	}
	if cfg.BadgerDir == "" {
		cfg.BadgerDir = filepath.Join(dataDir, "messages")
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(dataDir, "uploads")
	}
}

// Validate rejects settings the server cannot start with.
func (cfg ServerConfig) Validate() error {
	switch cfg.MessageStore {
	case StoreSQLite, StoreBadger:
	default:
		return fmt.Errorf("unknown message store %q (want %s or %s)", cfg.MessageStore, StoreSQLite, StoreBadger)
	}
	if cfg.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive, got %d", cfg.MaxUploadBytes)
	}
	if cfg.TokenTTL <= 0 {
		return fmt.Errorf("token ttl must be positive, got %s", cfg.TokenTTL)
	}
	return nil
}

// DefaultDataDir returns a per-user directory for the database, uploads and
// the client session.
func DefaultDataDir() string {
	if dir := os.Getenv("CHATLINE_DATA_DIR"); dir != "" {
		return dir
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "chatline")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Chatline")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Chatline")
		}
		return filepath.Join(home, ".local", "share", "chatline")
	}
	return filepath.Join(".", ".chatline")
}

// NormalizeSocketPath guarantees the websocket path starts with '/' and
// falls back to /ws when empty.
func NormalizeSocketPath(path string) string {
	if path == "" {
		return "/ws"
	}
	if path[0] != '/' {
		return "/" + path
	}
	return path
}
