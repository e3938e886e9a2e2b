package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/kinopio-club/kinopio-sync/internal/config"
	"github.com/kinopio-club/kinopio-sync/internal/notify"
	"github.com/kinopio-club/kinopio-sync/internal/otheritems"
	"github.com/kinopio-club/kinopio-sync/internal/printer"
	"github.com/kinopio-club/kinopio-sync/internal/queue"
	"github.com/kinopio-club/kinopio-sync/internal/router"
	"github.com/kinopio-club/kinopio-sync/internal/session"
	"github.com/kinopio-club/kinopio-sync/pkg/space"
)

var (
	watchSpaceID      string
	watchSnapshotPath string
	watchUserID       string
	watchUserName     string
	watchOutputFormat string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Join a space and stream what other clients change",
	Long: `Join a space's room and print every message routed to it: entity
mutations from other clients, presence changes and connection status.

The space is loaded from --snapshot when given, otherwise it starts empty
and only mutations for entities created while watching can apply.

Output Formats:
  default - Human-readable output with timestamps
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch a space on the configured server
  kinopio-sync watch --space 4hsnZ3xGv3

  # Start from an exported space and export events as JSON
  kinopio-sync watch --space 4hsnZ3xGv3 --snapshot space.json --output=json > events.jsonl`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchSpaceID, "space", "s", "", "Space id to join (required)")
	watchCmd.Flags().StringVar(&watchSnapshotPath, "snapshot", "", "JSON file holding the space to load")
	watchCmd.Flags().StringVar(&watchUserID, "user-id", "", "User id to announce (defaults to a fresh id)")
	watchCmd.Flags().StringVar(&watchUserName, "user-name", "kinopio-sync", "User name to announce")
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	_ = watchCmd.MarkFlagRequired("space")
	rootCmd.AddCommand(watchCmd)
}

// watchEvent is one line of json output.
type watchEvent struct {
	At       time.Time       `json:"at"`
	Type     string          `json:"type"` // "message" or "notification"
	Name     string          `json:"name,omitempty"`
	Store    string          `json:"store,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	Result   string          `json:"result,omitempty"`
	Updates  json.RawMessage `json:"updates,omitempty"`
	CardID   string          `json:"cardId,omitempty"`
	Status   string          `json:"status,omitempty"`
}

func runWatch(cmd *cobra.Command, args []string) error {
	p := newPrinter(cmd)

	if watchOutputFormat != "default" && watchOutputFormat != "json" {
		return p.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	cfg, err := loadConfig(cmd, p)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	snap, err := readSnapshot(watchSnapshotPath, watchSpaceID)
	if err != nil {
		return p.ErrorWithContext(
			"cannot read snapshot",
			err.Error(),
			map[string]string{"Snapshot": watchSnapshotPath},
			[]string{"Export the space as JSON with its cards, boxes, connections, lines and lists"},
		)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q, closeQueue, err := openQueue(ctx, cfg, logger, p)
	if err != nil {
		return err
	}
	defer closeQueue()

	fetcher, err := otheritems.NewAPIFetcher(cfg.Server.APIURL, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return err
	}

	user := space.User{ID: watchUserID, Name: watchUserName}
	if user.ID == "" {
		user.ID = space.NewID()
	}

	sess, err := session.New(session.Options{
		Conn:          cfg.ConnSettings(),
		User:          user,
		Queue:         q,
		Fetcher:       fetcher,
		FrameInterval: cfg.Frames.Interval,
		CacheSize:     cfg.OtherItems.CacheSize,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	out := newEventWriter(cmd.OutOrStdout(), p, watchOutputFormat == "json")

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	if err := sess.Do(ctx, func() {
		sess.Router().Observe(out.routed)
	}); err != nil {
		return err
	}
	if err := sess.LoadSpace(ctx, snap); err != nil {
		return fmt.Errorf("failed to load space: %w", err)
	}
	if watchOutputFormat == "default" {
		p.Step("watching space %s as %s (client %s)\n", snap.ID, user.ID, sess.ClientID())
	}

	events := sess.Notifications().Events()
	for {
		select {
		case <-ctx.Done():
			return <-runErr
		case err := <-runErr:
			return err
		case e := <-events:
			out.notification(e)
		}
	}
}

// readSnapshot loads path, or returns an empty remote space named spaceID.
func readSnapshot(path, spaceID string) (space.Snapshot, error) {
	if path == "" {
		return space.Snapshot{Meta: space.Meta{ID: spaceID, IsRemote: true}}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return space.Snapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snap space.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return space.Snapshot{}, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if snap.ID == "" {
		snap.ID = spaceID
	}
	if snap.ID != spaceID {
		return space.Snapshot{}, fmt.Errorf("snapshot is for space %q, not %q", snap.ID, spaceID)
	}
	return snap, nil
}

// openQueue returns the Redis queue when queue.redis_url is set, running its
// writer until ctx ends or the returned func is called, and an in-memory
// queue otherwise.
func openQueue(ctx context.Context, cfg *config.Config, logger *log.Logger, p *printer.Printer) (queue.Enqueuer, func(), error) {
	if cfg.Queue.RedisURL == "" {
		return queue.NewMemory(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.Queue.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	q, err := queue.NewRedisQueue(opts, cfg.Queue.Namespace, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := q.Ping(ctx); err != nil {
		q.Close()
		return nil, nil, p.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", cfg.Queue.RedisURL),
			nil,
			[]string{"Check queue.redis_url in the config", fmt.Sprintf("Or unset %s to queue in memory", config.EnvRedisURL)},
		)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(runCtx)
	}()
	return q, func() {
		cancel()
		<-done
		q.Close()
	}, nil
}

type eventWriter struct {
	printer *printer.Printer
	enc     *json.Encoder
	now     func() time.Time
}

func newEventWriter(w io.Writer, p *printer.Printer, asJSON bool) *eventWriter {
	ew := &eventWriter{printer: p, now: time.Now}
	if asJSON {
		ew.enc = json.NewEncoder(w)
	}
	return ew
}

func (w *eventWriter) routed(env *space.Envelope, result router.Result) {
	ev := watchEvent{
		At:       w.now(),
		Type:     "message",
		Name:     env.Message.Name,
		Store:    env.Message.Store,
		ClientID: env.ClientID,
		Result:   result.String(),
		Updates:  env.Message.Updates,
	}
	if env.User != nil {
		ev.UserID = env.User.ID
	}
	if w.enc != nil {
		_ = w.enc.Encode(ev)
		return
	}
	subject := ev.Store
	if subject == "" {
		subject = ev.UserID
	}
	detail := result.String()
	if result == router.Applied {
		detail = truncate(string(env.Message.Updates), 80)
	}
	w.printer.Event(ev.At, ev.Name, subject, detail)
}

func (w *eventWriter) notification(e notify.Event) {
	ev := watchEvent{
		At:     e.At,
		Type:   "notification",
		Name:   string(e.Kind),
		UserID: e.UserID,
		CardID: e.CardID,
		Status: string(e.Status),
	}
	if w.enc != nil {
		_ = w.enc.Encode(ev)
		return
	}
	switch e.Kind {
	case notify.ConnectionChanged:
		w.printer.Event(e.At, ev.Name, ev.Status, "")
	case notify.OffscreenCardCreated:
		w.printer.Event(e.At, ev.Name, ev.CardID, ev.UserID)
	default:
		w.printer.Event(e.At, ev.Name, "", "")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
