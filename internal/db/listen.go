package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Listen holds a dedicated connection subscribed to channel and calls fn with
// each notification payload. The connection is re-established after failures
// until ctx ends.
func Listen(ctx context.Context, dsn string, channel string, fn func(payload string)) {
	for {
		if ctx.Err() != nil {
			return
		}

		// Parse using pgxpool so pool_* DSN params are consumed client-side.
		poolConf, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			slog.Error("listen parse config failed", "channel", channel, "error", err)
			sleepCtx(ctx, 2*time.Second)
			continue
		}

		conn, err := pgx.ConnectConfig(ctx, poolConf.ConnConfig)
		if err != nil {
			slog.Error("listen connect failed", "channel", channel, "error", err)
			sleepCtx(ctx, 2*time.Second)
			continue
		}

		q := New(conn)
		switch channel {
		case StepJobsChannel:
			err = q.ListenStepJobs(ctx)
		case StepRevocationsChannel:
			err = q.ListenStepRevocations(ctx)
		default:
			err = fmt.Errorf("unsupported listen channel: %s", channel)
		}
		if err != nil {
			slog.Error("LISTEN failed", "channel", channel, "error", err)
			_ = conn.Close(context.Background())
			sleepCtx(ctx, 2*time.Second)
			continue
		}

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				_ = conn.Close(context.Background())
				if ctx.Err() != nil {
					return
				}
				slog.Error("wait for notification failed", "channel", channel, "error", err)
				break
			}
			fn(n.Payload)
		}
	}
}

// Signal adapts a wake channel to Listen: notifications coalesce into at
// most one pending signal.
func Signal(ch chan<- struct{}) func(string) {
	return func(string) {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
