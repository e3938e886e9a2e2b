package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kinopio-club/kinopio-sync/internal/config"
	"github.com/kinopio-club/kinopio-sync/internal/filter"
	"github.com/kinopio-club/kinopio-sync/internal/printer"
	"github.com/kinopio-club/kinopio-sync/internal/queue"
	"github.com/kinopio-club/kinopio-sync/internal/timespec"
)

var (
	queueLimit        int64
	queueCount        int
	queueOutputFormat string
	queueSince        string
	queueUntil        string
	queueName         string
	queueSpace        string
	queueUser         string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the persistence queue",
	Long: `Inspect the operations waiting in the Redis persistence queue
configured by queue.redis_url and queue.namespace.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations without removing them",
	Example: `  kinopio-sync queue list
  kinopio-sync queue list --limit 20 --output=json

  # Card updates queued for one space in the last 15 minutes
  kinopio-sync queue list --name 'update*' --space 4hsnZ3xGv3 --since 15m`,
	Args: cobra.NoArgs,
	RunE: runQueueList,
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Remove and print the oldest queued operations",
	Example: `  kinopio-sync queue drain --count 100`,
	Args:    cobra.NoArgs,
	RunE:    runQueueDrain,
}

func init() {
	queueCmd.PersistentFlags().StringVarP(&queueOutputFormat, "output", "o", "default", "Output format (default or json)")
	queueListCmd.Flags().Int64Var(&queueLimit, "limit", 0, "Maximum operations to show (0 = all)")
	queueListCmd.Flags().StringVar(&queueSince, "since", "", "Only operations queued after this time (duration like 15m or RFC3339)")
	queueListCmd.Flags().StringVar(&queueUntil, "until", "", "Only operations queued before this time (duration like 5m or RFC3339)")
	queueListCmd.Flags().StringVar(&queueName, "name", "", "Only operations whose name matches this glob, e.g. 'update*'")
	queueListCmd.Flags().StringVar(&queueSpace, "space", "", "Only operations for this space id")
	queueListCmd.Flags().StringVar(&queueUser, "user", "", "Only operations by this user id")
	queueDrainCmd.Flags().IntVar(&queueCount, "count", 1, "Number of operations to remove")
	queueCmd.AddCommand(queueListCmd, queueDrainCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	window, err := timespec.ParseRange(queueSince, queueUntil, time.Now())
	if err != nil {
		return p.Error("invalid time range", err.Error(), []string{"Use a duration like 15m or an RFC3339 time"})
	}
	criteria := filter.Criteria{Range: window, NameGlob: queueName, SpaceID: queueSpace, UserID: queueUser}
	if err := criteria.Validate(); err != nil {
		return p.Error("invalid name pattern", fmt.Sprintf("%q: %v", queueName, err), []string{"Use a glob like 'update*'"})
	}

	q, cfg, err := openRedisQueue(cmd, p)
	if err != nil {
		return err
	}
	defer q.Close()

	total, err := q.Len(cmd.Context())
	if err != nil {
		return err
	}

	// Filters apply before the limit, so read everything when any are set.
	fetch := queueLimit
	if criteria.HasFilters() {
		fetch = 0
	}
	ops, err := q.Pending(cmd.Context(), fetch)
	if err != nil {
		return err
	}
	ops = criteria.Apply(ops)
	if queueLimit > 0 && int64(len(ops)) > queueLimit {
		ops = ops[:queueLimit]
	}

	if queueOutputFormat == "default" {
		if criteria.HasFilters() {
			p.Info("%d of %d operations queued in %s match\n", len(ops), total, queue.Key(cfg.Queue.Namespace))
		} else {
			p.Info("%d operations queued in %s\n", total, queue.Key(cfg.Queue.Namespace))
		}
	}
	return printOperations(cmd, p, ops)
}

func runQueueDrain(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)
	if queueCount <= 0 {
		return p.Error("invalid count", fmt.Sprintf("--count must be positive, got %d", queueCount), nil)
	}
	q, _, err := openRedisQueue(cmd, p)
	if err != nil {
		return err
	}
	defer q.Close()

	ops, err := q.Drain(cmd.Context(), queueCount)
	if err != nil {
		return err
	}
	if err := printOperations(cmd, p, ops); err != nil {
		return err
	}
	if queueOutputFormat == "default" {
		p.Success("drained %d operations\n", len(ops))
	}
	return nil
}

func openRedisQueue(cmd *cobra.Command, p *printer.Printer) (*queue.RedisQueue, *config.Config, error) {
	if queueOutputFormat != "default" && queueOutputFormat != "json" {
		return nil, nil, p.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", queueOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}
	cfg, err := loadConfig(cmd, p)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Queue.RedisURL == "" {
		return nil, nil, p.Error(
			"no Redis queue configured",
			"Operations are only kept in memory without queue.redis_url.",
			[]string{
				"Set queue.redis_url in the config",
				fmt.Sprintf("Or export %s=redis://localhost:6379", config.EnvRedisURL),
			},
		)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	opts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	q, err := queue.NewRedisQueue(opts, cfg.Queue.Namespace, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := q.Ping(cmd.Context()); err != nil {
		q.Close()
		return nil, nil, p.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", cfg.Queue.RedisURL),
			map[string]string{"Queue": queue.Key(cfg.Queue.Namespace)},
			[]string{"Check that Redis is running and queue.redis_url is correct"},
		)
	}
	return q, cfg, nil
}

func printOperations(cmd *cobra.Command, p *printer.Printer, ops []queue.Operation) error {
	if queueOutputFormat == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, op := range ops {
			if err := enc.Encode(op); err != nil {
				return fmt.Errorf("failed to encode operation: %w", err)
			}
		}
		return nil
	}
	for _, op := range ops {
		p.Event(time.UnixMilli(op.QueuedAt), op.Name, op.SpaceID, truncate(string(op.Body), 80))
	}
	return nil
}
