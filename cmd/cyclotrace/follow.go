package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cyclotrace/cyclotrace/mysync"
	"github.com/cyclotrace/cyclotrace/trace/spans"
)

func followCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "follow <trace>",
		Short: "watch a trace file and reload it on change",
		Long: `Rebuilds the span state whenever the trace file changes and prints a
one-line summary per reload. Change bursts are coalesced: at most one
reload runs at a time, and any changes arriving during a reload trigger
exactly one more.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return follow(ctx, args[0])
		},
	}
}

func follow(ctx context.Context, path string) error {
	state := mysync.NewMutex(spans.NewState())

	reload := func() {
		st, _, err := loadState(path)
		if err != nil {
			logger.Error("reload failed, keeping previous state", zap.Error(err))
			return
		}
		state.Swap(st)
		cur, unlock := state.RLock()
		fmt.Printf("reloaded: %d spans (%d active), end time %s\n",
			cur.Len(), cur.ActiveCount(), cur.EndTime())
		unlock.RUnlock()
	}
	reload()

	// Editors and writers often replace the file by rename, so watch the
	// directory and match events against the target path.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	// dirty holds at most one pending reload. Bursts of change events
	// collapse into it while the worker is busy.
	dirty := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-dirty:
				reload()
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			<-done
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", zap.Error(err))
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			select {
			case dirty <- struct{}{}:
			default:
			}
		}
	}
}
