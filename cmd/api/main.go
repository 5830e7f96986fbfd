package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"disputeflow/admin"
	"disputeflow/auth"
	"disputeflow/collateral"
	"disputeflow/config"
	"disputeflow/db"
	"disputeflow/dispute"
	"disputeflow/identity"
	"disputeflow/license"
	"disputeflow/outbox"
	"disputeflow/proposal"
	"disputeflow/settlement"
	"disputeflow/treasury"
)

const challengePruneInterval = 10 * time.Minute

func main() {
	configPath := flag.String("config", "", "optional YAML settings file")
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load settings")
	}
	log, err := newLogger(settings.Log)
	if err != nil {
		logrus.WithError(err).Fatal("configure logger")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, settings, log); err != nil {
		log.WithError(err).Fatal("disputeflow stopped")
	}
	log.Info("disputeflow stopped")
}

func newLogger(cfg config.LogSettings) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	if cfg.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log, nil
}

func run(ctx context.Context, settings config.Settings, log *logrus.Logger) error {
	disputeParams, err := settings.DisputeParams()
	if err != nil {
		return err
	}
	treasuryParams, err := settings.TreasuryParams()
	if err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, settings.Database.URL, db.PoolOptions{MaxConns: settings.Database.MaxConns})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if settings.Database.Migrate {
		if err := db.Migrate(ctx, pool); err != nil {
			return err
		}
	}

	guard := admin.NewSwitch()
	ledger := collateral.NewLedger()
	writer := outbox.NewWriter()
	disputes := dispute.NewRepository()
	proposals := proposal.NewRepository()
	outcomes := license.NewRepository()

	identityService := identity.NewService(identity.NewRepository(pool))
	treasuryService := treasury.NewService(pool, treasury.Deps{
		Reserves: ledger,
		Parties:  disputes,
		Guard:    guard,
	}, treasuryParams).WithLogger(log.WithField("component", "treasury"))
	disputeService := dispute.NewService(pool, dispute.Deps{
		Store:     disputes,
		Escrow:    ledger,
		Proposals: proposal.NewChannel(proposal.ECDSAVerifier{}, settings.Attester(), proposals),
		Scores:    treasuryService,
		Outcomes:  outcomes,
		Identity:  identityService,
		Guard:     guard,
		Outbox:    writer,
	}, disputeParams).WithLogger(log.WithField("component", "dispute"))
	adminService := admin.NewService(pool, admin.Deps{
		Switch:   guard,
		Reserves: ledger,
	}, auth.AdminSubject, settings.Admin.RecoveryDelay).WithLogger(log.WithField("component", "admin"))
	settlementService := settlement.NewService(pool, settlement.Deps{
		Disputes: disputes,
		Timeline: disputes,
		Outbox:   writer,
	}).WithLogger(log.WithField("component", "settlement"))
	authService := auth.NewService(auth.NewRepository(pool), settings.Auth.JWTSecret, settings.Auth.AdminKeyHash, settings.Auth.TokenTTL)

	publisher, err := newPublisher(settings, log)
	if err != nil {
		return err
	}
	if c, ok := publisher.(io.Closer); ok {
		defer c.Close()
	}
	relay := outbox.NewRelay(pool, outbox.NewRepository(), publisher, outbox.RelayOptions{
		Interval:    settings.Outbox.Interval,
		BatchSize:   settings.Outbox.BatchSize,
		MaxAttempts: settings.Outbox.MaxAttempts,
	}).WithLogger(log.WithField("component", "outbox"))

	server := &Server{
		disputeService:    disputeService,
		treasuryService:   treasuryService,
		adminService:      adminService,
		identityService:   identityService,
		settlementService: settlementService,
		authService:       authService,
		records: recordReader{
			pool:      pool,
			ledger:    ledger,
			proposals: proposals,
			outcomes:  outcomes,
		},
		log: log.WithField("component", "http"),
	}
	httpServer := &http.Server{
		Addr:         settings.HTTP.Addr,
		Handler:      server.routes(),
		ReadTimeout:  settings.HTTP.ReadTimeout,
		WriteTimeout: settings.HTTP.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", settings.HTTP.Addr).Info("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return relay.Run(ctx)
	})
	if settings.Sweeper.Enabled {
		sweeper := dispute.NewSweeper(disputeService, settings.Sweeper.Interval, settings.Sweeper.Batch).
			WithLogger(log.WithField("component", "sweeper"))
		g.Go(func() error {
			return sweeper.Run(ctx)
		})
	}
	g.Go(func() error {
		return pruneChallenges(ctx, authService, log)
	})

	return g.Wait()
}

func newPublisher(settings config.Settings, log *logrus.Logger) (outbox.Publisher, error) {
	switch settings.Outbox.Publisher {
	case "redis":
		client, err := outbox.ConnectRedis(settings.Redis.Addr)
		if err != nil {
			return nil, err
		}
		return outbox.NewRedisPublisher(client, settings.Redis.ChannelPrefix), nil
	case "kafka":
		return outbox.NewKafkaPublisher(settings.Kafka.Brokers, settings.Kafka.TopicPrefix)
	default:
		return outbox.NewLogPublisher(log.WithField("component", "publisher")), nil
	}
}

func pruneChallenges(ctx context.Context, svc *auth.Service, log logrus.FieldLogger) error {
	ticker := time.NewTicker(challengePruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := svc.PruneChallenges(ctx)
			if err != nil {
				log.WithError(err).Warn("prune login challenges")
				continue
			}
			if n > 0 {
				log.WithField("pruned", n).Debug("login challenges pruned")
			}
		}
	}
}
