// Command vlessd runs a VLESS proxy server from a single JSON
// configuration file, mirroring main/run.go's argument handling style
// (a primary config path, secondary flags via the standard flag
// package, SIGINT/SIGTERM for graceful shutdown) without pulling in the
// teacher's base.Command subcommand framework, which this single-binary
// design has no use for.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/xtls-vision/vlessd/internal/accounting"
	"github.com/xtls-vision/vlessd/internal/bufpool"
	"github.com/xtls-vision/vlessd/internal/config"
	"github.com/xtls-vision/vlessd/internal/errors"
	"github.com/xtls-vision/vlessd/internal/governor"
	"github.com/xtls-vision/vlessd/internal/log"
	"github.com/xtls-vision/vlessd/internal/monitor"
	"github.com/xtls-vision/vlessd/internal/session"
	"github.com/xtls-vision/vlessd/internal/sockopt"
	"github.com/xtls-vision/vlessd/internal/wizard"
	"github.com/xtls-vision/vlessd/proxy/vless"
	"github.com/xtls-vision/vlessd/transport/tcplistener"
	"github.com/xtls-vision/vlessd/transport/tlsterm"
)

// Exit codes mirror the teacher's main/run.go: 23 for a configuration
// error (deliberately distinct from a crash, so an init system doesn't
// treat a bad config as a reason to restart), -1 for a startup failure.
const (
	exitConfigError = 23
	exitStartError  = -1
)

// shutdownDrainTimeout bounds how long shutdown waits for active
// sessions to unwind after being closed (spec.md §5's "governor drain").
const shutdownDrainTimeout = 10 * time.Second

func main() {
	testOnly := flag.Bool("test", false, "validate the config file and exit, without starting the server")
	flag.Parse()

	configPath := "config.json"
	if args := flag.Args(); len(args) > 0 {
		configPath = args[0]
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if _, werr := wizard.Run(nil); werr != nil {
			fmt.Fprintln(os.Stderr, "no config file found at", configPath)
			fmt.Fprintln(os.Stderr, werr)
			os.Exit(exitConfigError)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(exitConfigError)
	}

	if *testOnly {
		fmt.Println("configuration OK")
		return
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, "failed to start:", err)
		os.Exit(exitStartError)
	}
}

func run(cfg *config.Config) error {
	users := make([]*vless.User, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		users = append(users, &vless.User{ID: u.ID, Email: u.Email})
	}
	validator, err := vless.NewValidator(users)
	if err != nil {
		return err
	}

	deps := &session.Deps{
		Validator:        validator,
		WSPath:           cfg.WSPath,
		Pool:             bufpool.New(cfg.Performance.BufferSize, cfg.Performance.BufferPoolSize),
		Book:             accounting.NewBook(),
		Sockopt:          sockopt.Options{NoDelay: cfg.Performance.TCPNoDelay, RecvBuf: cfg.Performance.TCPRecvBuffer, SendBuf: cfg.Performance.TCPSendBuffer},
		UDPTimeout:       time.Duration(cfg.Performance.UDPTimeout) * time.Second,
		HeaderBufSize:    headerBufSize(cfg),
		HandshakeTimeout: 10 * time.Second,
		AccountingBatch:  64 << 10,
	}

	if cfg.TLS.Enabled {
		certPEM, err := os.ReadFile(cfg.TLS.CertFile)
		if err != nil {
			return err
		}
		keyPEM, err := os.ReadFile(cfg.TLS.KeyFile)
		if err != nil {
			return err
		}
		tc, err := tlsterm.NewConfig([]tlsterm.Certificate{{CertPEM: certPEM, KeyPEM: keyPEM}}, cfg.TLS.ServerName)
		if err != nil {
			return err
		}
		deps.TLSConfig = tc
	}

	gov := governor.New(cfg.Performance.MaxConnections)
	monitorHandler := monitor.NewHandler(deps.Book, gov, monitor.ConfigView{
		Protocol:       cfg.Protocol,
		WSPath:         cfg.WSPath,
		MaxConnections: cfg.Performance.MaxConnections,
		TLSEnabled:     cfg.TLS.Enabled,
	})
	deps.Monitor = monitorHandler

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var persister *accounting.Persister
	if cfg.Accounting.MongoURI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Accounting.MongoURI))
		if err != nil {
			return err
		}
		col := client.Database(cfg.Accounting.Database).Collection(cfg.Accounting.Collection)
		persister = accounting.NewPersister(deps.Book, col, time.Duration(cfg.Accounting.FlushInterval)*time.Second)
		go persister.Run(ctx)
		defer persister.Stop()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Listen, cfg.Port)
	ln, err := tcplistener.Listen(addr, gov, tcplistener.Config{
		AcceptProxyProtocol: cfg.Performance.AcceptProxyProtocol,
		Sockopt:             deps.Sockopt,
	})
	if err != nil {
		return err
	}

	go sampleSpeedPeriodically(ctx, deps.Book, monitorHandler)

	go ln.Serve(func(conn net.Conn) { session.Handle(ctx, deps, conn) })

	log.Record(log.SeverityInfo, fmt.Sprintf("vlessd listening on %s (protocol=%s tls=%v)", addr, cfg.Protocol, cfg.TLS.Enabled))

	waitForShutdown()

	// spec.md §5: listener close, governor drain, best-effort close of
	// active sessions, all bounded so a stuck session can't hang exit.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownDrainTimeout)
	defer drainCancel()
	if err := ln.Shutdown(drainCtx); err != nil {
		log.Record(log.SeverityWarning, errors.New("listener shutdown").Base(err).Error())
	}
	if active := gov.Active(); active > 0 {
		log.Record(log.SeverityWarning, fmt.Sprintf("shutdown drain timed out with %d session(s) still active", active))
	}
	return nil
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func headerBufSize(cfg *config.Config) int {
	if cfg.Performance.WSHeaderBufferSize > 0 {
		return cfg.Performance.WSHeaderBufferSize
	}
	return 4096
}

func sampleSpeedPeriodically(ctx context.Context, book *accounting.Book, h *monitor.Handler) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.RecordSample(time.Now(), totals(book), 300)
		case <-ctx.Done():
			return
		}
	}
}

func totals(book *accounting.Book) accounting.Counters {
	var sum accounting.Counters
	for _, c := range book.Snapshot() {
		sum.Upload += c.Upload
		sum.Download += c.Download
	}
	return sum
}
