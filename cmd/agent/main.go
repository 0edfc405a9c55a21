// Command collabtext-agent is a headless collaborator. It keeps a local
// replica of one document, sends every line read from stdin as an edit and
// prints the edits of others as they arrive.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"collabtext/internal/agent"
	"collabtext/internal/codec"
	"collabtext/internal/merge"
)

type options struct {
	server   string
	document string
	replica  string
	resync   time.Duration
	maxFrame int
}

func main() {
	defer glog.Flush()
	ctx := withSignalCancel(context.Background())
	if err := newRootCommand(os.Stdin, os.Stdout).ExecuteContext(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func newRootCommand(in io.Reader, out io.Writer) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "collabtext-agent",
		Short:         "Headless CollabText collaborator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), opts, in, out)
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&opts.server, "server", "s", "", "server host:port (default: discover over mDNS)")
	fs.StringVarP(&opts.document, "document", "d", "default", "document to edit")
	fs.StringVar(&opts.replica, "replica", "collabtext-agent.db", "bbolt file holding the local replica")
	fs.DurationVar(&opts.resync, "resync-interval", 30*time.Second, "interval between catch-up requests")
	fs.IntVar(&opts.maxFrame, "max-frame-size", 64<<20, "largest frame accepted from the server, in bytes")
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	return cmd
}

func runAgent(ctx context.Context, opts options, in io.Reader, out io.Writer) error {
	if opts.document == "" {
		return fmt.Errorf("--document must not be empty")
	}
	replica, err := agent.OpenReplica(opts.replica, codec.DocumentID(opts.document))
	if err != nil {
		return err
	}
	defer replica.Close()

	existing, err := replica.Ops()
	if err != nil {
		return err
	}
	var mu sync.Mutex
	show := func(op merge.Op) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "%s#%d: %s\n", op.Client, op.Seq, op.Data)
	}
	for _, op := range existing {
		show(op)
	}

	a := agent.New(replica, agent.Options{
		Server:         opts.server,
		Document:       codec.DocumentID(opts.document),
		MaxFrameSize:   opts.maxFrame,
		ResyncInterval: opts.resync,
	}, show)

	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if err := a.Edit([]byte(line)); err != nil {
				glog.Errorf("edit: %v", err)
			}
		}
		if err := scanner.Err(); err != nil {
			glog.Errorf("reading input: %v", err)
		}
	}()

	glog.Infof("agent %s editing %q (replica %s)", replica.Author(), opts.document, opts.replica)
	return a.Run(ctx)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
