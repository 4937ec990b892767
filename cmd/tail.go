package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/stemtrace/internal/event"
	"github.com/zjrosen/stemtrace/internal/log"
	"github.com/zjrosen/stemtrace/internal/transport"
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print raw lifecycle events from the broker",
	Long: `Connect to the configured broker and print each lifecycle event as
it arrives. Useful for verifying that producers are publishing and that
the broker connection works before running the full engine.`,
	RunE: runTail,
}

func init() {
	rootCmd.AddCommand(tailCmd)
}

func runTail(_ *cobra.Command, _ []string) error {
	log.InitStderr()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	tr, err := transport.FromURL(cfg.BrokerURL, transport.Options{
		Prefix: cfg.Prefix,
		TTL:    cfg.TTL,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	envelopes, errs := tr.Consume(ctx)
	for {
		select {
		case env, ok := <-envelopes:
			if !ok {
				return nil
			}
			printEnvelope(env)
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			if err != nil {
				return fmt.Errorf("consuming events: %w", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func printEnvelope(env event.Envelope) {
	switch env.EventType {
	case event.TypeTask:
		fmt.Printf("%s task %s %s name=%s parent=%s retries=%d\n",
			env.Timestamp.Format("15:04:05.000"), env.TaskID, env.State, env.Name, env.ParentID, env.Retries)
	case event.TypeWorker:
		fmt.Printf("%s worker %s %s pid=%d\n",
			env.Timestamp.Format("15:04:05.000"), env.Hostname, env.Status, env.Pid)
	}
}
