package main

import (
	"time"

	"github.com/MarcoPoloResearchLab/inkwell/internal/activity"
	"github.com/MarcoPoloResearchLab/inkwell/internal/config"
	"github.com/MarcoPoloResearchLab/inkwell/internal/database"
	"github.com/MarcoPoloResearchLab/inkwell/internal/logging"
	"github.com/MarcoPoloResearchLab/inkwell/internal/quests"
	"github.com/MarcoPoloResearchLab/inkwell/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// application holds the services shared by the server and batch commands.
type application struct {
	logger   *zap.Logger
	db       *gorm.DB
	accounts *users.Service
	quests   *quests.Service
}

func openApplication(appConfig config.AppConfig, events quests.EventPublisher) (*application, error) {
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	accounts, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		closeDatabase(db)
		return nil, err
	}

	metrics, err := activity.NewGormSource(db, logger)
	if err != nil {
		closeDatabase(db)
		return nil, err
	}

	questService, err := quests.NewService(quests.ServiceConfig{
		Database:   db,
		Metrics:    metrics,
		Users:      accounts,
		Clock:      time.Now,
		IDProvider: quests.NewUUIDProvider(),
		Logger:     logger,
		Events:     events,
	})
	if err != nil {
		closeDatabase(db)
		return nil, err
	}

	return &application{
		logger:   logger,
		db:       db,
		accounts: accounts,
		quests:   questService,
	}, nil
}

func (a *application) Close() {
	closeDatabase(a.db)
	_ = a.logger.Sync()
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
