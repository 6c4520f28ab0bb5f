package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/3rs4lg4d0/gobus/config"
	ckafka "github.com/3rs4lg4d0/gobus/consumer/kafka"
	ckafkago "github.com/3rs4lg4d0/gobus/consumer/kafkago"
	crabbitmq "github.com/3rs4lg4d0/gobus/consumer/rabbitmq"
	ekafka "github.com/3rs4lg4d0/gobus/emitter/kafka"
	ekafkago "github.com/3rs4lg4d0/gobus/emitter/kafkago"
	erabbitmq "github.com/3rs4lg4d0/gobus/emitter/rabbitmq"
	"github.com/3rs4lg4d0/gobus/gbus"
	pgxinbox "github.com/3rs4lg4d0/gobus/inbox/pgxv5"
	redisinbox "github.com/3rs4lg4d0/gobus/inbox/redis"
	"github.com/3rs4lg4d0/gobus/internal/whitelist"
	zlog "github.com/3rs4lg4d0/gobus/logger/zerolog"
	gormrepo "github.com/3rs4lg4d0/gobus/repository/gorm"
	"github.com/3rs4lg4d0/gobus/repository/pgxv5"
	sqlrepo "github.com/3rs4lg4d0/gobus/repository/sql"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type outbox interface {
	gbus.Repository
	gbus.Transactor
}

// database groups the components sharing the same transaction type.
type database struct {
	outbox outbox
	store  whitelist.Store
	inbox  gbus.Inbox
	close  func()
}

func openDatabase(ctx context.Context, cfg config.Database) (*database, error) {
	switch cfg.Driver {
	case config.DriverPgx:
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("unable to create the connection pool: %w", err)
		}
		return &database{
			outbox: pgxv5.New(txKey{}, pool),
			store:  whitelist.NewPgStore(txKey{}, pool),
			inbox:  pgxinbox.New(txKey{}, pool),
			close:  pool.Close,
		}, nil
	case config.DriverSQL:
		db, err := sql.Open("pgx", cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("unable to open the database: %w", err)
		}
		return &database{
			outbox: sqlrepo.New(txKey{}, db, true),
			store:  whitelist.NewSQLStore(txKey{}, db, true),
			close:  func() { _ = db.Close() },
		}, nil
	case config.DriverGorm:
		gdb, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("unable to open the database: %w", err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		return &database{
			outbox: gormrepo.New(txKey{}, gdb),
			store:  whitelist.NewGormStore(txKey{}, gdb),
			close:  func() { _ = sqlDB.Close() },
		}, nil
	default:
		return nil, fmt.Errorf("unknown database driver '%s'", cfg.Driver)
	}
}

// openInbox prefers Redis when configured and falls back to the database
// inbox, which only the pgx driver provides.
func openInbox(cfg config.Redis, db *database) (gbus.Inbox, func()) {
	if cfg.Addr == "" {
		return db.inbox, func() {}
	}
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return redisinbox.New(c, cfg.TTL), func() { _ = c.Close() }
}

type broker struct {
	emitter    gbus.Emitter
	deadLetter gbus.DeadLetter
	consume    func(ctx context.Context, r *gbus.Receiver) error
	close      func()
}

func openBroker(cfg config.Broker, log zerolog.Logger) (*broker, error) {
	var (
		b   *broker
		err error
	)
	switch cfg.Kind {
	case config.BrokerKafka:
		b, err = openKafka(cfg, log)
	case config.BrokerKafkaGo:
		b = openKafkaGo(cfg, log)
	case config.BrokerRabbitMQ:
		b, err = openRabbitMQ(cfg, log)
	default:
		err = fmt.Errorf("unknown broker '%s'", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	if l, ok := b.deadLetter.(gbus.Loggable); ok {
		l.SetLogger(zlog.New(log, "dead-letter"))
	}
	return b, nil
}

func openKafka(cfg config.Broker, log zerolog.Logger) (*broker, error) {
	servers := strings.Join(cfg.Brokers, ",")
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  servers,
		"linger.ms":          500,
		"batch.size":         100 * 1024,
		"compression.type":   "lz4",
		"acks":               -1,
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create the kafka producer: %w", err)
	}
	// delivery reports travel through per message channels, only
	// client level errors reach the events channel
	go func() {
		for ev := range producer.Events() {
			if kerr, ok := ev.(kafka.Error); ok {
				log.Error().Err(kerr).Msg("kafka producer error")
			}
		}
	}()
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  servers,
		"group.id":           cfg.GroupID,
		"enable.auto.commit": false,
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("unable to create the kafka consumer: %w", err)
	}
	return &broker{
		emitter:    ekafka.New(producer),
		deadLetter: ekafka.NewDeadLetter(producer),
		consume: func(ctx context.Context, r *gbus.Receiver) error {
			c := ckafka.New(consumer, r)
			c.SetLogger(zlog.New(log, "consumer"))
			return c.Run(ctx)
		},
		close: func() {
			producer.Flush(5000)
			producer.Close()
		},
	}, nil
}

func openKafkaGo(cfg config.Broker, log zerolog.Logger) *broker {
	w := ekafkago.NewWriter(cfg.Brokers...)
	return &broker{
		emitter:    ekafkago.New(w),
		deadLetter: ekafkago.NewDeadLetter(w),
		consume: func(ctx context.Context, r *gbus.Receiver) error {
			rd := kafkago.NewReader(kafkago.ReaderConfig{
				Brokers:     cfg.Brokers,
				GroupID:     cfg.GroupID,
				GroupTopics: r.Topics(),
			})
			c := ckafkago.New(rd, r)
			c.SetLogger(zlog.New(log, "consumer"))
			return c.Run(ctx)
		},
		close: func() {
			if err := w.Close(); err != nil {
				log.Error().Err(err).Msg("closing the kafka writer")
			}
		},
	}
}

func openRabbitMQ(cfg config.Broker, log zerolog.Logger) (*broker, error) {
	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to rabbitmq: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("unable to open the publishing channel: %w", err)
	}
	if cfg.Exchange != "" {
		if err := pub.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("unable to declare the exchange '%s': %w", cfg.Exchange, err)
		}
	}
	publisher, err := erabbitmq.NewPublisher(pub, erabbitmq.WithExchange(cfg.Exchange))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &broker{
		emitter:    erabbitmq.New(publisher),
		deadLetter: erabbitmq.NewDeadLetter(publisher),
		consume: func(ctx context.Context, r *gbus.Receiver) error {
			sub, err := conn.Channel()
			if err != nil {
				return fmt.Errorf("unable to open the consuming channel: %w", err)
			}
			defer sub.Close()
			if err := sub.Qos(1, 0, false); err != nil {
				return err
			}
			c := crabbitmq.New(sub, r, cfg.GroupID, crabbitmq.WithExchange(cfg.Exchange))
			c.SetLogger(zlog.New(log, "consumer"))
			return c.Run(ctx)
		},
		close: func() {
			_ = pub.Close()
			_ = conn.Close()
		},
	}, nil
}
