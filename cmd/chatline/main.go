package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mama165/sdk-go/logs"

	intrnl "chatline/internal"
	"chatline/internal/app"
)

const (
	modeServer = "server"
	modeClient = "client"
	modeLocal  = "local"
)

// Exit codes reported to the service manager.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatline: %v\n", err)
	}
	os.Exit(code)
}

func run(args []string) (int, error) {
	mode, args := parseMode(args)

	serverCfg, err := app.LoadServerConfig()
	if err != nil {
		return exitConfig, err
	}
	clientCfg, err := app.LoadClientConfig()
	if err != nil {
		return exitConfig, err
	}
	if mode == modeLocal && os.Getenv("CHATLINE_ADDR") == "" {
		serverCfg.Addr = "127.0.0.1:0"
	}

	flagSet := flag.NewFlagSet("chatline", flag.ContinueOnError)
	flagSet.StringVar(&serverCfg.Addr, "addr", serverCfg.Addr, "server listen address")
	flagSet.StringVar(&serverCfg.Path, "path", serverCfg.Path, "websocket path")
	flagSet.StringVar(&serverCfg.DBPath, "db", serverCfg.DBPath, "sqlite database path")
	flagSet.StringVar(&serverCfg.MessageStore, "store", serverCfg.MessageStore, "message store: sqlite or badger")
	flagSet.StringVar(&serverCfg.BadgerDir, "badger-dir", serverCfg.BadgerDir, "badger directory (store=badger)")
	flagSet.StringVar(&serverCfg.UploadDir, "uploads", serverCfg.UploadDir, "image upload directory")
	flagSet.StringVar(&serverCfg.LogLevel, "log-level", serverCfg.LogLevel, "DEBUG, INFO, WARN or ERROR")
	flagSet.StringVar(&clientCfg.ServerURL, "server-url", clientCfg.ServerURL, "server websocket URL (client mode)")
	flagSet.StringVar(&clientCfg.SessionPath, "session", clientCfg.SessionPath, "where the client keeps its login")
	showVersion := flagSet.Bool("version", false, "print the version and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK, nil
		}
		return exitConfig, err
	}
	if *showVersion {
		fmt.Println("chatline", intrnl.Version)
		return exitOK, nil
	}
	serverCfg.Path = app.NormalizeSocketPath(serverCfg.Path)
	if err := serverCfg.Validate(); err != nil {
		return exitConfig, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case modeServer:
		err = runServerMode(ctx, serverCfg)
	case modeLocal:
		err = runLocalMode(ctx, serverCfg, clientCfg)
	default:
		err = app.RunClient(clientCfg)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return exitRuntime, err
	}
	return exitOK, nil
}

func runServerMode(ctx context.Context, cfg app.ServerConfig) error {
	handle, err := app.RunServer(ctx, cfg, logs.GetLoggerFromString(cfg.LogLevel))
	if err != nil {
		return err
	}
	return handle.Wait()
}

// runLocalMode starts a private server on a loopback port and attaches the
// TUI to it. Server logs are kept to errors so they do not draw over the UI.
func runLocalMode(ctx context.Context, serverCfg app.ServerConfig, clientCfg app.ClientConfig) error {
	handle, err := app.RunServer(ctx, serverCfg, logs.GetLoggerFromString("ERROR"))
	if err != nil {
		return err
	}
	defer stopServer(handle)

	if err := waitForServer(handle.Addr(), 5*time.Second); err != nil {
		return err
	}
	clientCfg.ServerURL = buildWebsocketURL(handle.Addr(), serverCfg.Path)

	if err := app.RunClient(clientCfg); err != nil {
		return err
	}
	stopServer(handle)
	return handle.Wait()
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server did not become ready: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func buildWebsocketURL(addr, path string) string {
	path = app.NormalizeSocketPath(path)
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("ws://%s%s", addr, path)
	}
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, port), path)
}

func parseMode(args []string) (string, []string) {
	if len(args) == 0 {
		return modeClient, args
	}
	switch strings.ToLower(args[0]) {
	case modeServer, modeClient, modeLocal:
		return strings.ToLower(args[0]), args[1:]
	}
	return modeClient, args
}

func stopServer(handle *app.ServerHandle) {
	if handle == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = handle.Stop(shutdownCtx)
}
