package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/3rs4lg4d0/gobus/config"
	"github.com/3rs4lg4d0/gobus/events"
	"github.com/3rs4lg4d0/gobus/gbus"
	"github.com/3rs4lg4d0/gobus/internal/whitelist"
	zlog "github.com/3rs4lg4d0/gobus/logger/zerolog"
	"github.com/3rs4lg4d0/gobus/mediator"
	gtally "github.com/3rs4lg4d0/gobus/metrics/tally"
	"github.com/rs/zerolog"
	"github.com/uber-go/tally/v4"
)

const usage = `usage: gobus [-config file] [command]

commands:
  serve                  relay the outbox and consume integration events (default)
  register <tin> <name>  register an organization
  promote <tin>          whitelist an organization
  demote <tin>           remove an organization from the whitelist
  rename <tin> <name>    rename an organization

`

// txKey stores the business transaction in the context.
type txKey struct{}

func main() {
	configPath := flag.String("config", "gobus.yaml", "configuration file")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd, err := parseCommand(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, cmd); err != nil {
		log.Error().Err(err).Str("command", cmd.name).Msg("gobus failed")
		stop()
		os.Exit(1)
	}
}

func newLogger(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var l zerolog.Logger
	if cfg.Console {
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		l = zerolog.New(os.Stdout)
	}
	return l.Level(level).With().Timestamp().Logger()
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger, cmd command) error {
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Prefix:   "gobus",
		Reporter: tally.NullStatsReporter,
	}, time.Second)
	defer closer.Close()
	metrics := gtally.NewMetrics(scope)

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.close()

	if cmd.name == commandServe {
		return serve(ctx, cfg, log, db, metrics)
	}

	// one-shot commands only write the outbox, a serving instance relays it
	settings := cfg.Settings()
	settings.EnableDispatcher = false
	p := gbus.New(settings, db.outbox, nil, events.Registry(),
		gbus.WithLogger(zlog.New(log, "outbox")),
		gbus.WithMetrics(metrics))
	s := whitelist.NewService(db.store, db.outbox, whitelist.Mappings(p.NewDomainDispatcher()))
	if err := cmd.apply(ctx, s); err != nil {
		return err
	}
	log.Info().Str("command", cmd.name).Strs("args", cmd.args).Msg("done")
	return nil
}

func serve(ctx context.Context, cfg config.Config, log zerolog.Logger, db *database, metrics gbus.Metrics) error {
	b, err := openBroker(cfg.Broker, log)
	if err != nil {
		return err
	}
	defer b.close()

	reg := events.Registry()
	p := gbus.New(cfg.Settings(), db.outbox, b.emitter, reg,
		gbus.WithLogger(zlog.New(log, "outbox")),
		gbus.WithMetrics(metrics))

	options := []gbus.ReceiverOption{
		gbus.WithReceiverLogger(zlog.New(log, "receiver")),
		gbus.WithReceiverMetrics(metrics),
	}
	inbox, closeInbox := openInbox(cfg.Redis, db)
	defer closeInbox()
	if inbox != nil {
		options = append(options, gbus.WithInbox(inbox))
	} else {
		log.Warn().Msg("no inbox available, duplicates are absorbed by the handlers only")
	}
	r := gbus.NewReceiver(reg, b.deadLetter, options...)

	m := mediator.New()
	if err := whitelist.RegisterHandlers(m, db.store); err != nil {
		return err
	}
	if err := whitelist.Subscribe(r, m, cfg.Policy); err != nil {
		return err
	}

	p.Start(ctx)
	log.Info().
		Str("driver", cfg.Database.Driver).
		Str("broker", cfg.Broker.Kind).
		Strs("topics", r.Topics()).
		Msg("gobus started")
	return b.consume(ctx, r)
}
