package app

import (
	"context"
	"fmt"
	"time"

	"github.com/lefinal/uptime-server/alertsvc"
	"github.com/lefinal/uptime-server/announce"
	"github.com/lefinal/uptime-server/debugstats"
	"github.com/lefinal/uptime-server/errors"
	"github.com/lefinal/uptime-server/liveness"
	"github.com/lefinal/uptime-server/messenger"
	"github.com/lefinal/uptime-server/notify"
	"github.com/lefinal/uptime-server/outage"
	"github.com/lefinal/uptime-server/service"
	"github.com/lefinal/uptime-server/sla"
	"github.com/lefinal/uptime-server/store"
	"github.com/lefinal/uptime-server/summarysvc"
	"github.com/lefinal/uptime-server/web_server"
	"github.com/lefinal/uptime-server/ws"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type services map[string]service.Service

// createServices wires all engine components and returns the services to run.
func createServices(appConfig Config, logger *zap.Logger, mall *store.Mall) (services, error) {
	services := make(services)
	zone := sla.FixedZone(appConfig.UTCOffsetHours)
	// Debug stats service.
	services["debug-stats"] = debugstats.NewService(logger.Named("debug-stats"), debugstats.Config{
		IsEnabled: appConfig.Log.SystemDebugStatsInterval.Valid && appConfig.Log.SystemDebugStatsInterval.Int > 0,
		Interval:  time.Duration(appConfig.Log.SystemDebugStatsInterval.Int) * time.Minute,
	})
	// Live channels.
	hub := ws.NewHub(logger.Named("ws"))
	services["ws-hub"] = hub
	channels := []notify.Channel{hub}
	if appConfig.MQTTAddr.Valid {
		announcer, err := announce.New(logger.Named("announce"), announce.Config{
			MQTTAddr: appConfig.MQTTAddr.String,
		})
		if err != nil {
			return nil, errors.Wrap(err, "new announcer", nil)
		}
		services["announce"] = announcer
		channels = append(channels, announcer)
	}
	// Messaging.
	client := messenger.NewHTTPClient(logger.Named("messenger"), messenger.Config{
		BaseURL:             appConfig.MessengerBaseURL,
		LongPollTimeoutSecs: appConfig.LongPollTimeoutSecs,
	})
	broadcaster := notify.NewBroadcaster(logger.Named("notify"), mall, client, channels...)
	// Engine core.
	ledger := outage.NewLedger(logger.Named("outage"), mall)
	engine := sla.NewEngine(logger.Named("sla"), mall, ledger, zone)
	monitor := liveness.NewMonitor(logger.Named("liveness"), liveness.Config{
		StalenessWindow:    time.Duration(appConfig.StalenessWindowSecs) * time.Second,
		BroadcastStateSync: appConfig.BroadcastStateSync,
		Zone:               zone,
	}, mall, ledger, broadcaster)
	services["staleness-sweep"] = liveness.NewSweepService(logger.Named("staleness-sweep"), liveness.SweepConfig{
		Interval: time.Duration(appConfig.SweepIntervalSecs) * time.Second,
	}, monitor)
	// Summary scheduler.
	services["summary"] = summarysvc.NewService(logger.Named("summary"), mall, engine, broadcaster, summarysvc.Config{
		PrimaryDevice: appConfig.PrimaryDevice,
		FireHour:      appConfig.SummaryFireHour,
		FireMinute:    appConfig.SummaryFireMinute,
		Zone:          zone,
	})
	// Escalation monitor.
	alertService, err := alertsvc.NewService(logger.Named("alert"), mall, broadcaster, alertsvc.Config{
		TextAfter:    time.Duration(appConfig.TextAfterSecs) * time.Second,
		VoiceAfter:   time.Duration(appConfig.VoiceAfterSecs) * time.Second,
		VoiceAsset:   appConfig.VoiceAsset,
		TickInterval: defaultEscalationInterval,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new alert service", nil)
	}
	services["alert"] = alertService
	// Subscriber commands.
	services["commands"] = messenger.NewCommandService(logger.Named("commands"), messenger.CommandConfig{
		PrimaryDevice: appConfig.PrimaryDevice,
		AdminChatIDs:  appConfig.AdminChatIDs,
		Zone:          zone,
	}, client, mall, engine)
	// Web server.
	webServer, err := web_server.NewWebServer(logger.Named("web-server"), web_server.Config{
		ServeAddr:    appConfig.ServeAddr,
		WriteTimeout: web_server.DefaultWriteTimeout,
		ReadTimeout:  web_server.DefaultReadTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new web server", nil)
	}
	webServer.PopulateRoutes(web_server.Routes{
		Ingress:       monitor,
		Store:         mall,
		Reporter:      engine,
		Hub:           hub,
		PrimaryDevice: appConfig.PrimaryDevice,
		Zone:          zone,
	})
	services["web-server"] = webServer
	return services, nil
}

// run all services until the first one fails or the given context.Context is
// done.
func (s services) run(ctx context.Context, logger *zap.Logger) error {
	wg, lifetime := errgroup.WithContext(ctx)
	// Run each.
	for name, serviceToRun := range s {
		// Copy values.
		name, serviceToRun := name, serviceToRun
		wg.Go(func() error {
			logger.Debug(fmt.Sprintf("service %s up", name))
			defer logger.Debug(fmt.Sprintf("service %s down", name))
			if err := serviceToRun.Run(lifetime); err != nil {
				return errors.Wrap(err, "run service", errors.Details{"service_name": name})
			}
			return nil
		})
	}
	return wg.Wait()
}
