// Package app boots a complete uptime-server instance from a Config.
package app

import (
	"context"

	"github.com/lefinal/uptime-server/errors"
	"github.com/lefinal/uptime-server/logging"
	"github.com/lefinal/uptime-server/store"
	"go.uber.org/zap"
)

// App is a complete uptime-server instance.
type App struct {
	// config is the main config used for the App.
	config Config
	// mall provides persistence.
	mall *store.Mall
}

// NewApp creates an App with the given Config. Boot it with App.Boot.
func NewApp(config Config) *App {
	return &App{
		config: config,
	}
}

// Boot sets everything up based on the set config and runs until the given
// context.Context is done.
func (app *App) Boot(ctx context.Context) error {
	// Validate config.
	err := ValidateConfig(app.config)
	if err != nil {
		return errors.Error{
			Code:    errors.ErrFatal,
			Err:     err,
			Message: "invalid config",
		}
	}
	// Setup logger.
	stdoutLevel := zap.InfoLevel
	if app.config.Log.StdoutLogLevel != "" {
		stdoutLevel, err = parseLogLevel(app.config.Log.StdoutLogLevel)
		if err != nil {
			return errors.Error{
				Code:    errors.ErrFatal,
				Err:     err,
				Message: "invalid stdout log level",
				Details: errors.Details{"was": app.config.Log.StdoutLogLevel},
			}
		}
	}
	logger := logging.NewLogger(logging.Config{
		StdoutLogLevel:     stdoutLevel,
		HighPriorityOutput: app.config.Log.HighPriorityOutput,
		DebugOutput:        app.config.Log.DebugOutput,
		MaxSize:            app.config.Log.MaxSize,
		KeepDays:           app.config.Log.KeepDays,
	})
	defer func() {
		_ = logger.Sync()
	}()
	// Boot.
	err = app.boot(ctx, logger)
	if err != nil {
		err = errors.Wrap(err, "boot", nil)
		errors.Log(logger, err)
		return err
	}
	return nil
}

func (app *App) boot(ctx context.Context, logger *zap.Logger) error {
	logger.Info("booting up")
	// Connect database.
	logger.Debug("connecting to database")
	db, err := connectDB(ctx, app.config.DBConn, defaultMaxDBConnections)
	if err != nil {
		return errors.Wrap(err, "connect database", nil)
	}
	defer db.Close()
	app.mall = store.NewMall(logger.Named("store"), db)
	err = app.mall.Bootstrap(ctx)
	if err != nil {
		return errors.Wrap(err, "bootstrap database", nil)
	}
	logger.Debug("database ready")
	// Create and run services.
	servicesToRun, err := createServices(app.config, logger, app.mall)
	if err != nil {
		return errors.Wrap(err, "create services", nil)
	}
	logger.Info("setup completed")
	err = servicesToRun.run(ctx, logger)
	if err != nil {
		return errors.Wrap(err, "run services", nil)
	}
	logger.Info("shutting down")
	return nil
}
