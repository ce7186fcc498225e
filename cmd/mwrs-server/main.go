//go:build unix

// File: cmd/mwrs-server/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Example embedder: exports a directory tree as broker resources.
// Identifiers are slash-separated paths relative to the export root.
// A filesystem watcher translates changes under the root into broker
// events, so clients holding watchers see UPDATE/DELETE/MOVE without
// polling.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/momentics/mwrs"
	"github.com/momentics/mwrs/server"
)

func main() {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("MWRS_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "mwrs-server")

	cmd := newRootCommand(logger)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "mwrs-server",
		Short: "Publish a directory tree through the mwrs broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v, logger)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.Flags()
	flags.String("name", "files", "rendezvous name clients dial")
	flags.String("root", ".", "directory to export")
	flags.String("socket", "", "override the rendezvous socket path")
	flags.String("metrics-listen", "", "address for prometheus metrics (empty disables)")
	flags.String("log-level", "", "minimum log level")
	bindFlags(v, flags)
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	flags.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
	})
	v.SetEnvPrefix("MWRS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

func run(ctx context.Context, v *viper.Viper, logger pslog.Logger) error {
	if levelStr := v.GetString("log-level"); levelStr != "" {
		if level, ok := pslog.ParseLevel(levelStr); ok {
			logger = logger.LogLevel(level)
		}
	}

	root, err := filepath.Abs(v.GetString("root"))
	if err != nil {
		return err
	}
	name := v.GetString("name")

	reg := prometheus.NewRegistry()
	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(reg),
	}
	if socket := v.GetString("socket"); socket != "" {
		opts = append(opts, server.WithSocketPath(socket))
	}

	srv, err := server.New(name, exportCallbacks(root, logger), opts...)
	if err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	defer srv.Shutdown()
	logger.Info("exporting", "root", root, "name", name, "socket", srv.SocketPath())

	if addr := v.GetString("metrics-listen"); addr != "" {
		go serveMetrics(addr, reg, logger)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer watcher.Close()
	if err := addTree(watcher, root); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			forwardEvent(srv, watcher, root, ev, logger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "error", err)
		}
	}
}

// forwardEvent maps one filesystem notification onto the broker event
// vocabulary and broadcasts it to watchers of the affected id.
func forwardEvent(srv *server.Server, watcher *fsnotify.Watcher, root string, ev fsnotify.Event, logger pslog.Logger) {
	rel, err := filepath.Rel(root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	id := filepath.ToSlash(rel)

	var typ mwrs.EventType
	switch {
	case ev.Op.Has(fsnotify.Create):
		typ = mwrs.EventReady
		// New directories join the watch set so files below them are seen.
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			_ = watcher.Add(ev.Name)
			return
		}
	case ev.Op.Has(fsnotify.Write):
		typ = mwrs.EventUpdate
	case ev.Op.Has(fsnotify.Rename):
		typ = mwrs.EventMove
	case ev.Op.Has(fsnotify.Remove):
		typ = mwrs.EventDelete
	default:
		return
	}

	if st := srv.PushEvent(id, typ); st != mwrs.StatusSuccess {
		logger.Warn("push event failed", "id", id, "status", st)
		return
	}
	logger.Debug("event", "id", id, "type", typ)
}

func addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

// exportCallbacks serves ids as paths below root. Identifiers that
// escape the root resolve to NOTFOUND rather than leaking the tree.
func exportCallbacks(root string, logger pslog.Logger) server.Callbacks {
	resolve := func(id string) (string, bool) {
		full := filepath.Join(root, filepath.FromSlash(id))
		if rel, err := filepath.Rel(root, full); err != nil || strings.HasPrefix(rel, "..") {
			return "", false
		}
		return full, true
	}

	return server.Callbacks{
		Connect: func(c *server.Client, argv []string) mwrs.Status {
			logger.Info("client connected",
				"session", c.ID, "pid", c.PID(), "process", c.ProcessName(), "argv", strings.Join(argv, " "))
			return mwrs.StatusSuccess
		},
		Disconnect: func(c *server.Client) {
			logger.Info("client disconnected", "session", c.ID)
		},
		Open: func(c *server.Client, id string, flags mwrs.OpenFlags) (server.ResourceSource, mwrs.Status) {
			full, ok := resolve(id)
			if !ok {
				return server.ResourceSource{}, mwrs.StatusNotFound
			}
			if flags.Has(mwrs.OpenWrite) {
				// The export is read-only; writers are refused up front.
				return server.ResourceSource{}, mwrs.StatusPerm
			}
			if _, err := os.Stat(full); err != nil {
				return server.ResourceSource{}, mwrs.StatusNotFound
			}
			return server.PathSource(full), mwrs.StatusSuccess
		},
		Stat: func(c *server.Client, id string) (mwrs.ResourceStatus, mwrs.Status) {
			full, ok := resolve(id)
			if !ok {
				return mwrs.ResourceStatus{State: mwrs.StatNotFound}, mwrs.StatusSuccess
			}
			fi, err := os.Stat(full)
			if err != nil {
				return mwrs.ResourceStatus{State: mwrs.StatNotFound}, mwrs.StatusSuccess
			}
			return mwrs.ResourceStatus{
				State: mwrs.StatReady,
				Size:  fi.Size(),
				MTime: int32(fi.ModTime().Unix()),
			}, mwrs.StatusSuccess
		},
		Watch: func(id string) mwrs.Status {
			logger.Debug("first watcher", "id", id)
			return mwrs.StatusSuccess
		},
		Unwatch: func(id string) mwrs.Status {
			logger.Debug("last watcher gone", "id", id)
			return mwrs.StatusSuccess
		},
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger pslog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}
