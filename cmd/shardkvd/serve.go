package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flashlog/shardkv/internal/engine"
	"github.com/flashlog/shardkv/internal/metrics"
	"github.com/flashlog/shardkv/internal/resp"
	"github.com/flashlog/shardkv/internal/sstable"
	"github.com/flashlog/shardkv/internal/store"
	"github.com/flashlog/shardkv/internal/walog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// newServeCommand builds the "serve" subcommand: it is deliberately a
// minimal line-oriented listener good enough to exercise internal/resp
// and internal/store end-to-end (SPEC_FULL.md §6), not the production TCP
// server loop / connection gate / auth layer spec.md §1 scopes out as
// external collaborators.
func newServeCommand() *cobra.Command {
	var (
		dbDir      string
		addr       string
		metricAddr string
		numShards  int
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the key-value server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dbDir, addr, metricAddr, numShards, logLevel)
		},
	}
	cmd.Flags().StringVar(&dbDir, "db", "shardkv-data", "database directory")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:6399", "listen address for the wire protocol")
	cmd.Flags().StringVar(&metricAddr, "metrics-addr", "127.0.0.1:9099", "listen address for /metrics")
	cmd.Flags().IntVar(&numShards, "shards", 4, "number of shards")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func runServe(dbDir, addr, metricAddr string, numShards int, logLevel string) error {
	log := newLogger(logLevel)

	reg := prometheus.NewRegistry()
	met := metrics.New()
	met.MustRegister(reg)

	st, err := store.Open(dbDir, store.Options{
		NumShards: numShards,
		Engine: engine.Options{
			WAL: walog.Options{},
			SSTable: sstable.Options{
				Compression: true,
			},
		},
		Logger:  log,
		Metrics: met,
	})
	if err != nil {
		return fmt.Errorf("shardkvd: open store: %w", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("shardkvd: listen: %w", err)
	}
	log.Info("listening", "addr", addr, "shards", numShards)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: metricAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server exited", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("shutting down")
		_ = ln.Close()
	}()

	acceptLoop(ln, st, log)

	_ = metricsSrv.Close()
	if err := st.Close(); err != nil {
		return fmt.Errorf("shardkvd: close store: %w", err)
	}
	return nil
}

func acceptLoop(ln net.Listener, st *store.Store, log *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn("accept failed", "error", err)
			continue
		}
		go serveConn(conn, st, log)
	}
}

func serveConn(conn net.Conn, st *store.Store, log *slog.Logger) {
	defer conn.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		for {
			req, consumed, ok, derr := resp.Decode(buf)
			if derr != nil {
				conn.Write([]byte("-PROTOCOL " + derr.Error() + "\r\n"))
				return
			}
			if !ok {
				break
			}
			buf = buf[consumed:]
			reply := st.Dispatch(req)
			if _, werr := conn.Write(reply); werr != nil {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("connection read error", "error", err)
			}
			return
		}
	}
}
