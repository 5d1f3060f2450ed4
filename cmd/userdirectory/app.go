package main

import (
	"github.com/MarcoPoloResearchLab/userdirectory/internal/auth"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/background"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/config"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/database"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/directory"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/homeserver"
	"github.com/MarcoPoloResearchLab/userdirectory/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds the wired service components.
type application struct {
	config    config.AppConfig
	logger    *zap.Logger
	db        *gorm.DB
	metrics   *metrics.Metrics
	runner    *background.Runner
	scheduler *background.Scheduler
	searcher  *directory.Searcher
	feed      *directory.Feed
	admin     *directory.Admin
	validator *auth.TokenValidator
	issuer    *auth.TokenIssuer
}

func buildApplication(appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	registry := metrics.New()
	directoryConfig := directory.Config{
		Enabled:          appConfig.Directory.Enabled,
		SearchAllUsers:   appConfig.Directory.SearchAllUsers,
		PreferLocalUsers: appConfig.Directory.PreferLocalUsers,
	}
	directoryLogger := logger.Named("directory")

	rooms, err := homeserver.NewStore(homeserver.StoreConfig{Database: db, ServerName: appConfig.ServerName})
	if err != nil {
		return nil, err
	}

	runner, err := background.NewRunner(background.RunnerConfig{
		Database: db,
		Logger:   logger.Named("background"),
		Observer: registry,
	})
	if err != nil {
		return nil, err
	}
	populator, err := directory.NewPopulator(directory.PopulatorConfig{
		RoomState: rooms,
		Config:    directoryConfig,
		Logger:    directoryLogger,
	})
	if err != nil {
		return nil, err
	}
	populator.Register(runner)

	scheduler, err := background.NewScheduler(background.SchedulerConfig{
		Runner:    runner,
		BatchSize: appConfig.Background.BatchSize,
		Interval:  appConfig.Background.Interval,
		Logger:    logger.Named("scheduler"),
	})
	if err != nil {
		return nil, err
	}

	updater, err := directory.NewUpdater(directory.UpdaterConfig{
		Database:  db,
		RoomState: rooms,
		Config:    directoryConfig,
		Logger:    directoryLogger,
		Observer:  registry,
	})
	if err != nil {
		return nil, err
	}
	feed, err := directory.NewFeed(directory.FeedConfig{
		Database:  db,
		RoomState: rooms,
		Updater:   updater,
		Logger:    directoryLogger,
	})
	if err != nil {
		return nil, err
	}
	searcher, err := directory.NewSearcher(directory.SearcherConfig{
		Database:     db,
		RoomState:    rooms,
		Config:       directoryConfig,
		SpamCheckers: directory.NewSpamCheckerChain(directoryLogger),
		Logger:       directoryLogger,
		Observer:     registry,
	})
	if err != nil {
		return nil, err
	}
	admin, err := directory.NewAdmin(directory.AdminConfig{
		Database:  db,
		RoomState: rooms,
		Runner:    runner,
		Updater:   updater,
		Waker:     scheduler,
		Logger:    directoryLogger,
	})
	if err != nil {
		return nil, err
	}

	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return nil, err
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return nil, err
	}

	return &application{
		config:    appConfig,
		logger:    logger,
		db:        db,
		metrics:   registry,
		runner:    runner,
		scheduler: scheduler,
		searcher:  searcher,
		feed:      feed,
		admin:     admin,
		validator: validator,
		issuer:    issuer,
	}, nil
}

func (a *application) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
