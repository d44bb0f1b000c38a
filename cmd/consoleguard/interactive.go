package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alexjbarnes/consoleguard/internal/activity"
	"github.com/alexjbarnes/consoleguard/internal/rpc"
	"github.com/alexjbarnes/consoleguard/internal/session"
	"github.com/alexjbarnes/consoleguard/internal/settings"
	"golang.org/x/sync/errgroup"
)

var errSessionExpired = errors.New("session expired")

// run holds the session open. Each stdin line is an interaction event
// (an activity kind, or empty for a key press). Tokens are refreshed when
// the session reports it, and the command exits when the session expires
// or stdin closes.
func (a *app) run(ctx context.Context) error {
	if err := a.restore(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.tracker.Run(gctx)
		return nil
	})

	if a.file != nil {
		a.file.OnChange(func(s settings.Settings) {
			a.tracker.SetWarningWindow(s.IdleWarning())
		})

		g.Go(func() error {
			return ignoreCanceled(a.file.Watch(gctx))
		})
	}

	if a.audit != nil {
		unsubscribe := a.audit.Subscribe(func(ev rpc.Event) {
			a.logger.Info("audit notification",
				slog.String("event", ev.Name()),
				slog.String("level", ev.Level),
			)
		})
		defer unsubscribe()
	}

	lines := make(chan string)
	go readLines(gctx, os.Stdin, lines)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					a.logger.Debug("stdin closed")
					cancel()

					return nil
				}

				a.observe(gctx, line)
			}
		}
	})

	g.Go(func() error {
		return a.handleEvents(gctx)
	})

	fmt.Fprintf(os.Stderr, "session %s active, expires in %s\n",
		a.sessions.Current().SessionID, a.sessions.TimeToExpiry().Round(time.Second))

	return g.Wait()
}

// readLines forwards lines from r until EOF or until ctx is done.
func readLines(ctx context.Context, r io.Reader, out chan<- string) {
	defer close(out)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case out <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

func (a *app) observe(ctx context.Context, line string) {
	kind := activity.KeyPress
	if s := strings.TrimSpace(line); s != "" {
		kind = activity.Kind(s)
	}

	if !a.tracker.Observe(kind) {
		a.logger.Warn("unknown activity kind", slog.String("kind", string(kind)))
		return
	}

	if _, err := a.sessions.RecordActivity(ctx); err != nil {
		a.logger.Warn("recording activity failed", slog.String("error", err.Error()))
	}
}

func (a *app) handleEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-a.sessions.Events():
			switch ev.Kind {
			case session.EventWarning:
				fmt.Fprintf(os.Stderr, "%s: session expires in %d minute(s)\n", ev.Level, ev.MinutesRemaining)

			case session.EventRefreshNeeded:
				if _, err := a.refreshSession(ctx); err != nil {
					a.logger.Warn("automatic refresh failed", slog.String("error", err.Error()))
				}

			case session.EventExpired:
				fmt.Fprintf(os.Stderr, "session %s expired\n", ev.SessionID)
				return errSessionExpired
			}
		}
	}
}
