package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chatd/config"
	"chatd/control"
	"chatd/cryptox"
	"chatd/db"
	"chatd/logging"
	"chatd/registry"
	"chatd/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer database.Close()

	keys, err := cryptox.GenerateKeyPair(cfg.RSAKeyBits)
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}
	secret, err := cryptox.NewSecret()
	if err != nil {
		return fmt.Errorf("generate token secret: %w", err)
	}

	reg := registry.New(registry.NewLogObserver(log))
	srv := server.New(cfg, database, reg, keys, cryptox.NewTokens(secret), log)

	if cfg.ControlSocket != "" {
		sock := control.New(cfg.ControlSocket, srv, database, log)
		if err := sock.Listen(); err != nil {
			log.Warn(ctx, "control socket disabled", "err", err)
		} else {
			defer sock.Close()
			go sock.Serve(ctx)
		}
	}

	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}
	log.Info(context.Background(), "chatd stopped")
	return nil
}
