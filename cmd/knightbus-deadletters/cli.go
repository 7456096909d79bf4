package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/robfig/cron/v3"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	jsoncodec "github.com/BookBeat/knightbus-sub001/internal/runtime/jsoncodec"
	loggingpkg "github.com/BookBeat/knightbus-sub001/internal/runtime/logging"
	"github.com/BookBeat/knightbus-sub001/internal/runtime/sqlstore"
	"github.com/BookBeat/knightbus-sub001/transport/postgres"
	"github.com/BookBeat/knightbus-sub001/transport/sqlite"
	"github.com/BookBeat/knightbus-sub001/transport/sqlqueue"
)

// Globals are the flags shared by every command.
type Globals struct {
	Driver string `help:"Queue database driver." enum:"sqlite,postgres" default:"sqlite" env:"KNIGHTBUS_DRIVER"`
	DSN    string `name:"dsn" help:"Connection string, or the database file for sqlite." required:"" env:"KNIGHTBUS_DSN"`
	Table  string `help:"Queue table. Defaults to the transport's table."`
	Output string `short:"o" help:"Output format." enum:"json,yaml" default:"json"`
	Debug  bool   `help:"Log queue operations to stderr."`

	logger loggingpkg.ServiceLogger
}

type CLI struct {
	Globals

	Pending PendingCmd `cmd:"" help:"Count the messages waiting on a queue."`
	Count   CountCmd   `cmd:"" help:"Count the dead letters of a queue."`
	List    ListCmd    `cmd:"" help:"List the dead letters of a queue, oldest first."`
	Replay  ReplayCmd  `cmd:"" help:"Move dead letters back onto their queue."`
	Purge   PurgeCmd   `cmd:"" help:"Delete every dead letter of a queue."`
	Sweep   SweepCmd   `cmd:"" help:"Purge dead letters on a cron schedule until interrupted."`
}

func run(args []string, stdout, stderr io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("knightbus-deadletters"),
		kong.Description("Inspect and maintain knightbus SQL queue dead letters."),
		kong.Writers(stdout, stderr),
		kong.UsageOnError(),
		kong.BindTo(stdout, (*io.Writer)(nil)),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		parser.Errorf("%s", err)
		return err
	}

	level := slog.LevelWarn
	if cli.Debug {
		level = slog.LevelDebug
	}
	cli.logger = loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	if err := kctx.Run(&cli.Globals); err != nil {
		cli.logger.Error("Command failed", err, loggingpkg.LogFields{"command": kctx.Command()})
		return err
	}
	return nil
}

func (g *Globals) open(ctx context.Context) (*sqlqueue.Queue, error) {
	dialect, dsn, table := sqlstore.SQLite, sqlite.Config{FilePath: g.DSN}.DSN(), sqlqueue.DefaultTable
	if g.Driver == "postgres" {
		dialect, dsn, table = sqlstore.Postgres, g.DSN, postgres.DefaultTable
	}
	if g.Table != "" {
		table = g.Table
	}
	db, err := sqlstore.Open(ctx, dialect, dsn)
	if err != nil {
		return nil, err
	}
	q, err := sqlqueue.New(ctx, db, sqlqueue.Options{
		Dialect: dialect,
		Table:   table,
		Logger:  g.logger,
		CloseDB: true,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (g *Globals) print(out io.Writer, v any) error {
	var (
		data []byte
		err  error
	)
	switch g.Output {
	case "yaml":
		data, err = yaml.Marshal(v)
	default:
		data, err = jsoncodec.Marshal(v)
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = out.Write(data)
	return err
}

type queueCount struct {
	Queue string `json:"queue" yaml:"queue"`
	Count int64  `json:"count" yaml:"count"`
}

type PendingCmd struct {
	Queue string `arg:"" help:"Queue name."`
}

func (c *PendingCmd) Run(g *Globals, out io.Writer) error {
	ctx := context.Background()
	q, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer q.Close()

	n, err := q.Pending(ctx, c.Queue)
	if err != nil {
		return err
	}
	return g.print(out, queueCount{Queue: c.Queue, Count: n})
}

type CountCmd struct {
	Queue string `arg:"" help:"Queue name."`
}

func (c *CountCmd) Run(g *Globals, out io.Writer) error {
	ctx := context.Background()
	q, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer q.Close()

	n, err := q.DeadLetterCount(ctx, c.Queue)
	if err != nil {
		return err
	}
	return g.print(out, queueCount{Queue: c.Queue, Count: n})
}

type deadLetterView struct {
	ID            int64             `json:"id" yaml:"id"`
	MessageID     string            `json:"message_id" yaml:"message_id"`
	Queue         string            `json:"queue" yaml:"queue"`
	Reason        string            `json:"reason" yaml:"reason"`
	DeliveryCount int               `json:"delivery_count" yaml:"delivery_count"`
	FailedAt      time.Time         `json:"failed_at" yaml:"failed_at"`
	Properties    map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
	Body          string            `json:"body" yaml:"body"`
}

type ListCmd struct {
	Queue  string `arg:"" help:"Queue name."`
	Limit  int    `help:"Maximum number of dead letters." default:"100"`
	Offset int    `help:"Number of dead letters to skip."`
	// Match filters on JSON body fields, e.g. --match customer.id=42.
	Match map[string]string `help:"Only show dead letters whose JSON body has path=value." mapsep:","`
}

// matches reports whether every path of c.Match resolves to its value in
// body. Bodies that are not JSON never match a non-empty filter.
func (c *ListCmd) matches(body []byte) bool {
	if len(c.Match) == 0 {
		return true
	}
	if !gjson.ValidBytes(body) {
		return false
	}
	for path, want := range c.Match {
		r := gjson.GetBytes(body, path)
		if !r.Exists() || r.String() != want {
			return false
		}
	}
	return true
}

func (c *ListCmd) Run(g *Globals, out io.Writer) error {
	ctx := context.Background()
	q, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer q.Close()

	dead, err := q.DeadLetters(ctx, c.Queue, c.Limit, c.Offset)
	if err != nil {
		return err
	}
	views := make([]deadLetterView, 0, len(dead))
	for _, d := range dead {
		if !c.matches(d.Body) {
			continue
		}
		views = append(views, deadLetterView{
			ID:            d.ID,
			MessageID:     d.MessageID,
			Queue:         d.Queue,
			Reason:        d.Reason,
			DeliveryCount: d.DeliveryCount,
			FailedAt:      d.FailedAt.UTC(),
			Properties:    d.Properties,
			Body:          string(d.Body),
		})
	}
	return g.print(out, views)
}

type ReplayCmd struct {
	IDs []int64 `arg:"" name:"id" help:"Dead letter ids, as shown by list."`
}

type replayResult struct {
	Replayed []int64 `json:"replayed" yaml:"replayed"`
}

func (c *ReplayCmd) Run(g *Globals, out io.Writer) error {
	ctx := context.Background()
	q, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer q.Close()

	res := replayResult{Replayed: make([]int64, 0, len(c.IDs))}
	for _, id := range c.IDs {
		if err := q.Replay(ctx, id); err != nil {
			_ = g.print(out, res)
			return err
		}
		res.Replayed = append(res.Replayed, id)
	}
	return g.print(out, res)
}

type PurgeCmd struct {
	Queue string `arg:"" help:"Queue name."`
}

type purgeResult struct {
	Queue  string    `json:"queue" yaml:"queue"`
	Purged int64     `json:"purged" yaml:"purged"`
	At     time.Time `json:"at" yaml:"at"`
}

func (c *PurgeCmd) Run(g *Globals, out io.Writer) error {
	ctx := context.Background()
	q, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer q.Close()

	n, err := q.PurgeDeadLetters(ctx, c.Queue)
	if err != nil {
		return err
	}
	return g.print(out, purgeResult{Queue: c.Queue, Purged: n, At: time.Now().UTC()})
}

type SweepCmd struct {
	Queue    string `arg:"" help:"Queue name."`
	Schedule string `help:"Cron expression or descriptor such as @hourly." default:"@daily"`
}

func (c *SweepCmd) Run(g *Globals, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.sweep(ctx, g, out)
}

// sweep purges on every tick of the schedule until ctx is done.
func (c *SweepCmd) sweep(ctx context.Context, g *Globals, out io.Writer) error {
	q, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer q.Close()

	scheduler := cron.New()
	_, err = scheduler.AddFunc(c.Schedule, func() {
		n, err := q.PurgeDeadLetters(ctx, c.Queue)
		if err != nil {
			g.logger.Error("Scheduled purge failed", err, loggingpkg.LogFields{"queue": c.Queue})
			return
		}
		if err := g.print(out, purgeResult{Queue: c.Queue, Purged: n, At: time.Now().UTC()}); err != nil {
			g.logger.Error("Failed to report purge", err, nil)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
	}

	g.logger.Info("Dead-letter sweep scheduled", loggingpkg.LogFields{"queue": c.Queue, "schedule": c.Schedule})
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	return nil
}
