package outbox

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zenGate-Global/licensing-saas/apps/cli/cmd/internal"
	"github.com/zenGate-Global/licensing-saas/platform/go/deadletter"
	platformoutbox "github.com/zenGate-Global/licensing-saas/platform/go/outbox"
	"github.com/zenGate-Global/licensing-saas/platform/go/persistence"
	"github.com/zenGate-Global/licensing-saas/platform/go/retry"
	"github.com/zenGate-Global/licensing-saas/platform/go/stream"
)

// Command groups outbox operations.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and drain the lifecycle outbox",
	}
	cmd.AddCommand(publishCommand())
	cmd.AddCommand(pendingCommand())
	cmd.AddCommand(requeueCommand())
	return cmd
}

func publishCommand() *cobra.Command {
	var (
		databaseURL string
		redisURL    string
		batchSize   int
		maxAttempts int
		once        bool
	)

	c := &cobra.Command{
		Use:   "publish",
		Short: "Publish pending outbox entries to the lifecycle stream and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := internal.Logger()
			defer func() { _ = logger.Sync() }()

			pool, err := internal.OpenPool(ctx, databaseURL)
			if err != nil {
				return err
			}
			defer persistence.ClosePool(pool)

			client, err := stream.NewRedisClient(ctx, stream.RedisConfig{URL: redisURL})
			if err != nil {
				return fmt.Errorf("init redis client: %w", err)
			}
			defer client.Close()

			pub := platformoutbox.NewPublisher(
				platformoutbox.NewPostgresStore(pool),
				stream.NewRedisPublisher(client, stream.LifecycleStream, 0),
				deadletter.MultiSink{
					deadletter.NewLogSink(logger, nil),
					deadletter.NewStreamSink(stream.NewRedisPublisher(client, stream.DeadLetterStream, 0)),
				},
				platformoutbox.Config{
					BatchSize: batchSize,
					Lease:     30 * time.Second,
					Retry: retry.Policy{
						MaxAttempts:     maxAttempts,
						InitialInterval: time.Second,
						MaxInterval:     5 * time.Minute,
						Multiplier:      2,
						Jitter:          0.2,
					},
				},
				logger,
			)

			var res platformoutbox.PassResult
			if once {
				res, err = pub.PublishPending(ctx)
			} else {
				res, err = pub.Drain(ctx)
			}
			if err != nil {
				return err
			}
			logger.Info("outbox pass finished",
				zap.Int("claimed", res.Claimed),
				zap.Int("published", res.Published),
				zap.Int("failed", res.Failed),
				zap.Int("dead_lettered", res.DeadLettered))
			fmt.Fprintf(cmd.OutOrStdout(), "claimed=%d published=%d failed=%d dead_lettered=%d\n",
				res.Claimed, res.Published, res.Failed, res.DeadLettered)
			return nil
		},
	}

	internal.DatabaseURLFlag(c, &databaseURL, "DATABASE_URL", "registry database URL")
	c.Flags().StringVar(&redisURL, "redis-url", os.Getenv("REDIS_URL"), "Redis URL (env REDIS_URL)")
	c.Flags().IntVar(&batchSize, "batch-size", 100, "entries claimed per pass")
	c.Flags().IntVar(&maxAttempts, "max-attempts", 10, "attempts before an entry is dead-lettered")
	c.Flags().BoolVar(&once, "once", false, "run a single pass instead of draining")
	return c
}

func pendingCommand() *cobra.Command {
	var databaseURL string

	c := &cobra.Command{
		Use:   "pending",
		Short: "Print the number of unpublished outbox entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			pool, err := internal.OpenPool(ctx, databaseURL)
			if err != nil {
				return err
			}
			defer persistence.ClosePool(pool)

			n, err := platformoutbox.NewPostgresStore(pool).CountPending(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
	internal.DatabaseURLFlag(c, &databaseURL, "DATABASE_URL", "registry database URL")
	return c
}

func requeueCommand() *cobra.Command {
	var databaseURL string

	c := &cobra.Command{
		Use:   "requeue <seq>",
		Short: "Return a dead-lettered outbox entry to the publishing queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("seq must be an integer: %w", err)
			}
			ctx := cmd.Context()
			pool, err := internal.OpenPool(ctx, databaseURL)
			if err != nil {
				return err
			}
			defer persistence.ClosePool(pool)

			if err := platformoutbox.NewPostgresStore(pool).Requeue(ctx, seq, time.Now().UTC()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "entry %d requeued\n", seq)
			return nil
		},
	}
	internal.DatabaseURLFlag(c, &databaseURL, "DATABASE_URL", "registry database URL")
	return c
}
