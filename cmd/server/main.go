// Package main is the entry point for the Helmsman trade execution engine.
// It wires configuration, databases, the broker client, recovery, the
// session manager, background jobs and the HTTP API, then runs until it
// receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/helmsman-trade/helmsman/internal/clients/binance"
	"github.com/helmsman-trade/helmsman/internal/clients/paperbroker"
	"github.com/helmsman-trade/helmsman/internal/config"
	"github.com/helmsman-trade/helmsman/internal/database"
	"github.com/helmsman-trade/helmsman/internal/domain"
	"github.com/helmsman-trade/helmsman/internal/events"
	"github.com/helmsman-trade/helmsman/internal/modules/orders"
	"github.com/helmsman-trade/helmsman/internal/modules/portfolio"
	"github.com/helmsman-trade/helmsman/internal/recovery"
	"github.com/helmsman-trade/helmsman/internal/risk"
	"github.com/helmsman-trade/helmsman/internal/scheduler"
	"github.com/helmsman-trade/helmsman/internal/server"
	"github.com/helmsman-trade/helmsman/internal/session"
	"github.com/helmsman-trade/helmsman/internal/snapshots"
	"github.com/helmsman-trade/helmsman/pkg/logger"
)

// snapshotsToKeep bounds the recovery snapshot history per portfolio.
const snapshotsToKeep = 48

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	log.Info().Msg("Starting Helmsman")

	ledgerDB := mustOpenDB(log, database.Config{
		Path:    filepath.Join(cfg.DataDir, "ledger.db"),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	defer func() { _ = ledgerDB.Close() }()

	stateDB := mustOpenDB(log, database.Config{
		Path:    filepath.Join(cfg.DataDir, "state.db"),
		Profile: database.ProfileStandard,
		Name:    "state",
	})
	defer func() { _ = stateDB.Close() }()

	orderRepo := orders.NewRepository(ledgerDB.Conn(), log)
	anomalyRepo := orders.NewAnomalyRepository(ledgerDB.Conn(), log)
	portfolioRepo := portfolio.NewRepository(stateDB.Conn(), log)
	sessionRepo := session.NewRepository(stateDB.Conn(), log)
	snapService := snapshots.NewService(stateDB.Conn(), log)

	eventsMgr := events.NewManager(events.NewBus(log), log)

	commission := domain.CommissionModel{
		Fixed: mustDecimal(log, cfg.CommissionFixed, "COMMISSION_FIXED"),
		Rate:  mustDecimal(log, cfg.CommissionRate, "COMMISSION_RATE"),
	}

	broker := buildBroker(cfg, commission, log)
	log.Info().Str("broker", broker.Name()).Bool("paper", cfg.PaperTrading).Msg("Broker client ready")

	costBasis, err := domain.ParseCostBasisMethod(cfg.CostBasisMethod)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid cost basis method")
	}
	openingCash := mustDecimal(log, cfg.OpeningCash, "OPENING_CASH")

	reconciler := recovery.NewReconciler(orderRepo, portfolioRepo, anomalyRepo, snapService, broker, eventsMgr, log)

	factory := func(s *session.Session) (*session.Orchestrator, error) {
		pf, err := recoverOrCreatePortfolio(reconciler, portfolioRepo, s.PortfolioID,
			cfg.BaseCurrency, openingCash, costBasis, log)
		if err != nil {
			return nil, err
		}
		return session.NewOrchestrator(session.Config{
			Session:         s,
			Portfolio:       pf,
			Broker:          broker,
			Validator:       risk.NewValidator(log),
			Sizer:           risk.FixedFractional{Fraction: decimal.NewFromFloat(0.02)},
			Limits:          risk.DefaultLimits(),
			Commission:      commission,
			OrderStore:      orderRepo,
			PortfolioStore:  portfolioRepo,
			SessionStore:    sessionRepo,
			Anomalies:       anomalyRepo,
			Events:          eventsMgr,
			MonitorInterval: cfg.MonitorInterval,
			Log:             log,
		}), nil
	}
	sessions := session.NewManager(factory, log)

	jobs := scheduler.New(log)
	sweepJob := scheduler.NewStaleOrderSweepJob(sessions, reconciler, cfg.PortfolioID, cfg.StaleOrderAge, log)
	if err := jobs.AddJob(cfg.SweepSchedule, sweepJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to register stale order sweep job")
	}
	snapshotJob := scheduler.NewSnapshotJob(sessions, snapService, cfg.PortfolioID, snapshotsToKeep, log)
	if err := jobs.AddJob(cfg.SnapshotSchedule, snapshotJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to register snapshot job")
	}
	jobs.Start()

	srv := server.New(server.Config{
		Log:           log,
		Port:          cfg.Port,
		DevMode:       cfg.DevMode,
		PortfolioID:   cfg.PortfolioID,
		Sessions:      sessions,
		PortfolioRepo: portfolioRepo,
		OrderRepo:     orderRepo,
		AnomalyRepo:   anomalyRepo,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	jobs.Stop()
	sessions.StopAll(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Helmsman stopped")
}

func mustOpenDB(log zerolog.Logger, cfg database.Config) *database.DB {
	db, err := database.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("database", cfg.Name).Msg("Failed to open database")
	}
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Str("database", cfg.Name).Msg("Failed to migrate database")
	}
	return db
}

func buildBroker(cfg *config.Config, commission domain.CommissionModel, log zerolog.Logger) domain.BrokerClient {
	if cfg.PaperTrading {
		return paperbroker.New(cfg.BaseCurrency, commission, log)
	}
	return binance.NewClient(binance.Config{
		APIKey:    cfg.BrokerAPIKey,
		APISecret: cfg.BrokerAPISecret,
		BaseURL:   cfg.BrokerBaseURL,
		StreamURL: cfg.BrokerStreamURL,
	}, log)
}

// recoverOrCreatePortfolio reconciles the persisted portfolio against the
// broker, or funds a fresh one when no prior state exists. The reconciler
// seeds from the portfolio row, falling back to the latest snapshot.
func recoverOrCreatePortfolio(
	reconciler *recovery.Reconciler,
	portfolioRepo *portfolio.Repository,
	portfolioID, currency string,
	openingCash decimal.Decimal,
	method domain.CostBasisMethod,
	log zerolog.Logger,
) (*domain.Portfolio, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pf, err := reconciler.Recover(ctx, portfolioID, method)
	if err == nil {
		return pf, nil
	}
	if !errors.Is(err, recovery.ErrNoState) {
		return nil, err
	}

	pf, err = domain.NewPortfolio(portfolioID, currency, openingCash, method)
	if err != nil {
		return nil, err
	}
	if err := portfolioRepo.Save(pf.Snapshot()); err != nil {
		return nil, err
	}
	log.Info().
		Str("portfolio_id", portfolioID).
		Str("opening_cash", openingCash.String()).
		Msg("Created portfolio")
	return pf, nil
}

func mustDecimal(log zerolog.Logger, s, name string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatal().Err(err).Str("value", s).Str("setting", name).Msg("Invalid decimal setting")
	}
	return d
}
