package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"

	intrnl "chatline/internal"
	"chatline/internal/auth"
	"chatline/internal/delivery"
	"chatline/internal/storage"
)

const limiterSweepInterval = time.Minute

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr    string
	server  *http.Server
	chat    *intrnl.Server
	closers []func() error
	log     *slog.Logger
	done    chan struct{}
	err     error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop hangs up every websocket and triggers a graceful shutdown with the
// provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	h.chat.Close()
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer opens the stores, runs migrations, wires the chat server and
// starts serving in the background. Call Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg ServerConfig, log *slog.Logger) (*ServerHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Path = NormalizeSocketPath(cfg.Path)

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	closers := []func() error{store.Close}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}
	if err := store.Migrate(context.Background()); err != nil {
		closeAll()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var messages delivery.MessageStore = store
	if cfg.MessageStore == StoreBadger {
		db, err := badger.Open(badger.DefaultOptions(cfg.BadgerDir).WithLoggingLevel(badger.WARNING))
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open badger: %w", err)
		}
		closers = append(closers, db.Close)
		kv, err := storage.NewKVStore(db, log)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("badger sequence: %w", err)
		}
		closers = append(closers, kv.Close)
		messages = kv
	}

	secret := cfg.JWTSecret
	if secret == "" {
		secret = randomSecret()
		log.Warn("CHATLINE_JWT_SECRET not set, tokens will not survive a restart")
	}
	tokens, err := auth.NewTokens(secret, cfg.TokenTTL)
	if err != nil {
		closeAll()
		return nil, err
	}
	accounts := auth.NewService(store, tokens, cfg.BcryptCost, log)
	chatServer := intrnl.NewServer(accounts, messages, store, intrnl.ServerOptions{
		UploadDir:      cfg.UploadDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
	}, log)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chatServer.Routes(cfg.Path),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:    listener.Addr().String(),
		server:  httpServer,
		chat:    chatServer,
		closers: closers,
		log:     log,
		done:    make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(limiterSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := handle.Stop(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Server shutdown failed", "error", err)
				}
				return
			case <-handle.done:
				return
			case <-ticker.C:
				chatServer.SweepLimiters()
			}
		}
	}()

	go handle.serve(listener)

	log.Info("Server listening", "addr", handle.addr, "ws_path", cfg.Path, "db", cfg.DBPath, "message_store", cfg.MessageStore)
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	h.chat.Close()
	for i := len(h.closers) - 1; i >= 0; i-- {
		if cerr := h.closers[i](); cerr != nil {
			h.log.Error("Store close failed", "error", cerr)
		}
	}
	h.err = err
}

func randomSecret() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
