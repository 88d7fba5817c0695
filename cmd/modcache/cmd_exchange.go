package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var exportOut string

// exportCmd writes dirty patterns to the outbox
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write unsynced patterns to an outbox batch file",
	Long: `Writes every pattern with local changes to a batch file for peers
to merge. The patterns stay marked as unsynced until the delivery is
confirmed with ack.`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

// mergeCmd applies batch files from peers
var mergeCmd = &cobra.Command{
	Use:   "merge <file>...",
	Short: "Apply pattern batch files from a peer store",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMerge,
}

// ackCmd confirms delivery of an exported batch
var ackCmd = &cobra.Command{
	Use:   "ack <file>",
	Short: "Mark an exported batch's patterns as synced",
	Args:  cobra.ExactArgs(1),
	RunE:  runAck,
}

// watchCmd runs the inbox watcher in the foreground
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the inbox and merge arriving batches",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func runExport(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	if exportOut != "" {
		b := c.ExportDirty()
		if len(b.Patterns) == 0 {
			fmt.Println("Nothing to export")
			return nil
		}
		if err := b.WriteFile(exportOut); err != nil {
			return err
		}
		fmt.Printf("Exported %d patterns to %s\n", len(b.Patterns), exportOut)
		return nil
	}

	path, n, err := c.Export()
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("Nothing to export")
		return nil
	}
	fmt.Printf("Exported %d patterns to %s\n", n, path)
	return nil
}

func runMerge(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	for _, path := range args {
		res, err := c.MergeFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Printf("%s: %d new, %d updated, %d stale, %d malformed\n",
			path, res.New, res.Updated, res.SkippedStale, res.Malformed)
	}
	return nil
}

func runAck(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := c.Ack(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Acked %d patterns\n", n)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close()

	w, err := c.NewWatcher()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("Watching %s for pattern batches. Ctrl-C to stop.\n", c.Config().InboxPath())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nStopping")
	w.Stop()
	return nil
}
