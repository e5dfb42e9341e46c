package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/walpipe/walpipe/admin"
	"github.com/walpipe/walpipe/auth"
	"github.com/walpipe/walpipe/cfg"
	"github.com/walpipe/walpipe/perms"
	"github.com/walpipe/walpipe/producer"
	"github.com/walpipe/walpipe/shape"
	"github.com/walpipe/walpipe/telemetry"
	"github.com/walpipe/walpipe/wal"
	"github.com/walpipe/walpipe/window"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("origin_tag", cfg.Config.OriginTag).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("walpipe - replication pipeline")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := shape.NewRelationRegistry()
	cache := window.NewCache(cfg.Config.Window.MaxEntries, cfg.Config.Window.MaxBytes)

	// Maintenance connection: slot management and row lookups.
	log.Info().Str("slot", cfg.Config.Source.SlotName).Msg("Connecting to source")
	maint, err := producer.ConnectMaintenance(ctx, cfg.Config.Source.DSN, cfg.Config.Source.SlotName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect maintenance connection")
		return
	}
	defer maint.Close(context.Background())

	if err := maint.EnsureSlot(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure replication slot")
		return
	}
	if confirmed, err := maint.ConfirmedPosition(ctx); err == nil {
		log.Info().Stringer("confirmed", confirmed).Msg("Resuming from slot's confirmed position")
	}

	evaluator, err := buildEvaluator(maint)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to compile permission ruleset")
		return
	}

	// Replication stream feeding the producer. The ack path runs back
	// through the stream's standby status updates.
	var stream *producer.Stream
	prod := producer.New(registry, producer.Options{
		MessagePrefix: cfg.Config.Producer.MessagePrefix,
		QueueDepth:    cfg.Config.Producer.QueueDepth,
		Ack: func(pos wal.Position) {
			if stream != nil {
				stream.Ack(pos)
			}
		},
	})

	stream, err = producer.ConnectStream(ctx,
		cfg.Config.Source.EffectiveReplicationDSN(),
		cfg.Config.Source.SlotName,
		cfg.Config.Source.Publication,
		prod)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect replication stream")
		return
	}
	defer stream.Close(context.Background())

	errs := make(chan error, 4)

	go func() { errs <- stream.Run(ctx) }()

	go pumpTransactions(ctx, prod, cache, evaluator.Transients)

	maintainer := producer.NewSlotMaintainer(cache, stream, maint,
		cfg.Config.Producer.ResumableWindowBytes,
		time.Duration(cfg.Config.Producer.SlotAdvanceIntervalSeconds)*time.Second)
	go func() { errs <- maintainer.Run(ctx) }()

	if cfg.Config.Admin.Enabled {
		handlers := admin.NewHandlers(cache, registry).WithSubscriptions(evaluator, nil)
		if cfg.Config.Auth.Enabled {
			handlers = handlers.WithAuth(auth.NewValidator(
				[]byte(cfg.Config.Auth.HMACSecret),
				cfg.Config.Auth.Issuer,
				cfg.Config.Auth.Audience))
		}

		mux := http.NewServeMux()
		admin.RegisterRoutes(mux, handlers)
		server := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
			Handler: mux,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errs <- err
			}
		}()
		defer server.Shutdown(context.Background())

		log.Info().Str("addr", server.Addr).Msg("Admin listener started")
	}

	log.Info().
		Str("slot", cfg.Config.Source.SlotName).
		Str("publication", cfg.Config.Source.Publication).
		Msg("walpipe started successfully")

	select {
	case err := <-errs:
		if err != nil {
			// Fatal pipeline error; exit and let the supervisor restart
			// us from the slot's confirmed position.
			log.Fatal().Err(err).Msg("Pipeline failed")
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	}
}

// transactionSource is the producer side of the pump loop.
type transactionSource interface {
	Ask(n int)
	Out() <-chan *shape.Transaction
}

// pumpTransactions drains sealed transactions into the replay window
// and retires transient permissions behind the replication cursor.
func pumpTransactions(ctx context.Context, src transactionSource, cache *window.Cache, transients *perms.TransientStore) {
	for {
		src.Ask(1)
		select {
		case <-ctx.Done():
			return
		case txn := <-src.Out():
			cache.Insert(txn)
			transients.Prune(txn.EndPos)
		}
	}
}

// buildEvaluator compiles the configured grants and scope graph.
func buildEvaluator(maint *producer.Maintenance) (*perms.Evaluator, error) {
	grants, err := perms.Compile(cfg.Config.Perms.Grants)
	if err != nil {
		return nil, err
	}

	eval := &perms.Evaluator{
		Grants:     grants,
		Transients: perms.NewTransientStore(),
	}

	if len(cfg.Config.Perms.Tables) > 0 {
		graph := perms.NewSchemaGraph()
		pk := make(map[string]string, len(cfg.Config.Perms.Tables))
		for _, table := range cfg.Config.Perms.Tables {
			pkColumn := table.PrimaryKey
			if pkColumn == "" {
				pkColumn = "id"
			}
			graph.AddTable(table.Name, pkColumn)
			pk[table.Name] = pkColumn
		}
		for _, fk := range cfg.Config.Perms.ForeignKeys {
			graph.AddForeignKey(fk.Child, fk.Column, fk.Parent)
		}

		resolver, err := perms.NewScopeResolver(graph, producer.NewSourceRowLoader(maint, pk))
		if err != nil {
			return nil, err
		}
		eval.Resolver = resolver
	}

	return eval, nil
}
