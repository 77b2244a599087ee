package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pyr33x/goqtt/internal/auth"
	"github.com/pyr33x/goqtt/internal/config"
	"github.com/pyr33x/goqtt/internal/logger"
	"github.com/pyr33x/goqtt/internal/mqtt/broker"
	"github.com/pyr33x/goqtt/internal/transport"
)

func gracefulShutdown(tcpServer *transport.TCPServer, cancel context.CancelFunc, done chan struct{}) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Println("Graceful shutdown has triggered...")

	defer cancel()
	if err := tcpServer.Stop(); err != nil {
		log.Println(err)
	}
	time.Sleep(1 * time.Second)

	close(done)
}

func newAuthenticator(cfg *config.Config, lg *logger.Logger) broker.Authenticator {
	quota := cfg.Quota.ToMQTT()

	if cfg.Auth.Mode == "anonymous" {
		return auth.Anonymous(quota)
	}

	path := cfg.Auth.Path
	if path == "" {
		path = "./store/store.db"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		lg.Fatal("failed to open sqlite db", logger.ErrorAttr(err))
	}
	return auth.NewSQLite(db, quota)
}

func main() {
	done := make(chan struct{}, 1)

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatalf("failed to load config.yml: %v", err)
	}

	var logCfg logger.Config
	if cfg.Auth.Mode == "anonymous" {
		logCfg = logger.DevelopmentConfig()
	} else {
		logCfg = logger.ProductionConfig()
	}
	logCfg.Service = cfg.Name
	logCfg.Version = cfg.Version
	lg := logger.New(logCfg)

	authenticator := newAuthenticator(cfg, lg)
	b := broker.New(authenticator, lg)

	ctx, cancel := context.WithCancel(context.Background())

	srv := transport.New(cfg.Server.Port, b, lg, cfg.Server.MaxConnections)

	go func() {
		if err := srv.Start(ctx); err != nil {
			lg.Fatal("server error", logger.ErrorAttr(err))
		}
	}()
	lg.Info("server started", logger.String("port", cfg.Server.Port))

	go gracefulShutdown(srv, cancel, done)

	<-done
	lg.Info("graceful shutdown complete")
}
