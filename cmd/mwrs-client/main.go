//go:build unix

// File: cmd/mwrs-client/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Example consumer for a broker published with mwrs-server: fetch a
// resource, stat it, or watch identifiers and print events as they
// arrive.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/momentics/mwrs"
	"github.com/momentics/mwrs/client"
)

func main() {
	logger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("MWRS_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeConsole, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "mwrs-client")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(logger).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	var serverName, socket string

	root := &cobra.Command{
		Use:           "mwrs-client",
		Short:         "Talk to a local mwrs broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverName, "server", "files", "rendezvous name to dial")
	root.PersistentFlags().StringVar(&socket, "socket", "", "override the rendezvous socket path")

	dial := func() (*client.Conn, error) {
		opts := []client.DialOption{client.WithLogger(logger)}
		if socket != "" {
			opts = append(opts, client.WithSocketPath(socket))
		}
		return client.Dial(serverName, os.Args[1:], opts...)
	}

	root.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Open a resource and copy it to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			res, err := c.Open(args[0], mwrs.OpenRead)
			if err != nil {
				return fmt.Errorf("open %s: %w", args[0], err)
			}
			defer res.Close()
			n, err := io.Copy(os.Stdout, res)
			if err != nil {
				return err
			}
			logger.Info("copied", "id", args[0], "size", humanize.IBytes(uint64(n)))
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stat <id>",
		Short: "Print the readiness state of a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			rs, err := c.Stat(args[0])
			if err != nil {
				return fmt.Errorf("stat %s: %w", args[0], err)
			}
			switch rs.State {
			case mwrs.StatReady:
				mtime := time.Unix(int64(rs.MTime), 0)
				fmt.Printf("%s\tready\t%s\tmodified %s\n",
					args[0], humanize.IBytes(uint64(rs.Size)), humanize.Time(mtime))
			case mwrs.StatNotReady:
				fmt.Printf("%s\tnot ready\n", args[0])
			default:
				fmt.Printf("%s\tnot found\n", args[0])
			}
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "watch <id>...",
		Short: "Subscribe to resources and print events until interrupted",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			byWatcher := make(map[mwrs.WatcherID]string, len(args))
			for _, id := range args {
				w, err := c.Watch(id)
				if err != nil {
					return fmt.Errorf("watch %s: %w", id, err)
				}
				byWatcher[w.ID] = id
			}

			go func() {
				<-cmd.Context().Done()
				c.Close()
			}()

			for {
				ev, err := c.WaitEvent()
				if err != nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					return err
				}
				fmt.Printf("%s\t%s\n", byWatcher[ev.Watcher], eventName(ev.Type))
			}
		},
	})

	return root
}

func eventName(t mwrs.EventType) string {
	switch t {
	case mwrs.EventReady:
		return "ready"
	case mwrs.EventUpdate:
		return "update"
	case mwrs.EventMove:
		return "move"
	case mwrs.EventDelete:
		return "delete"
	default:
		return fmt.Sprintf("user(%#x)", uint32(t))
	}
}
