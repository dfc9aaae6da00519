// Command shardkvd is the entrypoint for the storage engine: a "serve"
// subcommand that listens for the RESP-lite wire protocol (internal/resp)
// and dispatches into internal/store, plus small inspection subcommands
// (manifest dump, sstable dump) over the persisted file formats spec.md
// §6 defines. Flag parsing and the subcommand tree use
// github.com/spf13/cobra, following the same library darshanime-pebble's
// go.mod lists for its own command-line tool.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shardkvd",
		Short: "Sharded log-structured key-value server",
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newManifestCommand())
	cmd.AddCommand(newSSTableCommand())
	return cmd
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
