package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/oklog/run"
	"github.com/samber/lo"

	"github.com/homeshift/homeshift/pkg/log"
	"github.com/homeshift/homeshift/pkg/meter"
	"github.com/homeshift/homeshift/pkg/monitor"
	"github.com/homeshift/homeshift/pkg/registry"
	"github.com/homeshift/homeshift/pkg/scheduler"
	"github.com/homeshift/homeshift/pkg/sensor"
	"github.com/homeshift/homeshift/pkg/service"
	"github.com/homeshift/homeshift/pkg/simulator"
	"github.com/homeshift/homeshift/pkg/storage"
	"github.com/homeshift/homeshift/pkg/tariff"
	"github.com/homeshift/homeshift/pkg/task"
	"github.com/homeshift/homeshift/pkg/tasks/evse"
	"github.com/homeshift/homeshift/pkg/tasks/hvac"
	"github.com/homeshift/homeshift/pkg/tasks/poolpump"
	"github.com/homeshift/homeshift/pkg/tasks/waterheater"
	"github.com/homeshift/homeshift/pkg/watchdog"
	"github.com/homeshift/homeshift/pkg/weather"
	"github.com/homeshift/homeshift/pkg/window"
)

const defaultAdvertiseHost = "127.0.0.1"

// Default listen addresses, one port per service. The "<name>-listen"
// flags override them.
const (
	registryAddr    = ":8080"
	monitorAddr     = ":8081"
	watchdogAddr    = ":8082"
	simulatorAddr   = ":8083"
	weatherAddr     = ":8084"
	tariffAddr      = ":8085"
	meterAddr       = ":8086"
	schedulerAddr   = ":8087"
	evseAddr        = ":8088"
	waterheaterAddr = ":8089"
	hvacAddr        = ":8090"
	poolpumpAddr    = ":8091"
)

// Registered sensor names the services agree on. The pool thermometer is
// hosted elsewhere; the pool pump falls back to the weather forecast while
// nothing answers under the name.
const (
	houseSensorName = "power"
	poolSensorName  = "pool"
)

type listener struct {
	name string
	addr string
}

var defaultListen = []listener{
	{"registry", registryAddr},
	{"monitor", monitorAddr},
	{"watchdog", watchdogAddr},
	{"simulator", simulatorAddr},
	{"weather", weatherAddr},
	{"tariff", tariffAddr},
	{"meter", meterAddr},
	{"scheduler", schedulerAddr},
	{"evse", evseAddr},
	{"waterheater", waterheaterAddr},
	{"hvac", hvacAddr},
	{"poolpump", poolpumpAddr},
}

func main() {
	// init packages
	db := storage.Configured()
	auth := service.ConfiguredAuth()
	reg := registry.ConfiguredClient()

	// peer clients, resolved through the registry on first use
	tracker := monitor.NewClient(reg)
	wd := watchdog.NewClient(reg)
	sched := scheduler.NewClient(reg)
	oracle := simulator.NewClient(reg)
	forecast := weather.NewClient(reg)

	house := sensor.NewLocated(reg, houseSensorName)
	pool := sensor.NewLocated(reg, poolSensorName)

	// services
	met := meter.Configured(tracker)
	sim := simulator.Configured(simulator.NewRegistryTasks(reg))
	wea := weather.Configured(tracker)
	rates := tariff.Configured()
	mon := monitor.New()
	wdog := watchdog.New(tracker)

	// tasks
	charger := evse.Configured(house, oracle)
	heater := waterheater.Configured(oracle, sched)
	therm := hvac.Configured(oracle, forecast, sched, tracker, db,
		service.URL(defaultAdvertiseHost, hvacAddr))
	pump := poolpump.Configured(oracle, forecast, pool, sched, tracker, db,
		service.URL(defaultAdvertiseHost, poolpumpAddr))

	servers := make(map[string]*service.Server, len(defaultListen))
	for _, l := range defaultListen {
		servers[l.name] = service.Configured(l.name, l.addr)
	}

	names := lo.Map(defaultListen, func(l listener, _ int) string { return l.name })
	runFlag := lflag.String("run", strings.Join(names, ","),
		"comma-separated services this process hosts")
	advertiseHost := lflag.String("advertise-host", defaultAdvertiseHost,
		"host peers use to reach services hosted here")
	hosted := make(map[string]bool)
	lflag.Do(func() {
		for _, name := range strings.Split(*runFlag, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if !lo.Contains(names, name) {
				panic(fmt.Sprintf("unknown service in run: %s", name))
			}
			hosted[name] = true
		}
		if len(hosted) == 0 {
			panic("run selects no services")
		}
	})

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)
	slog.SetDefault(log.Default())
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// If initialization inside lflag.Do failed, we wouldn't be here (panic).
	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()
	defer func() {
		if err := met.Close(); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to close meter", slog.Any("error", err))
		}
	}()

	// The scheduler is shaped by the stored settings; everything else is
	// wired from flags alone.
	var s *scheduler.Scheduler
	if hosted["scheduler"] {
		settings, err := storage.LoadSettings(ctx, db)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to load settings", slog.Any("error", err))
			os.Exit(1)
		}
		s = scheduler.New(scheduler.Config{
			Window:       window.New(settings.WindowSize, settings.IgnorePowerThreshold),
			Sensor:       house,
			Simulator:    oracle,
			Watchdog:     wd,
			MaxRecordGap: time.Duration(settings.MaxRecordGapMinutes) * time.Minute,
		})
		if settings.Pause {
			s.Pause(ctx)
		}
	}

	gctx, stop := context.WithCancel(ctx)
	defer stop()
	var g run.Group
	add := func(f func(context.Context) error) {
		g.Add(func() error { return f(gctx) }, func(error) { stop() })
	}
	// announce keeps name pointing at srv in the registry and supervised
	// by the watchdog for as long as the group runs.
	announce := func(name string, srv *service.Server) *task.Runner {
		r := task.NewRunner(name, service.URL(*advertiseHost, srv.Addr()), reg, wd)
		add(r.Run)
		return r
	}

	if hosted["registry"] {
		srv := servers["registry"]
		srv.Handle(registry.New().Handler())
		add(srv.Run)
	}
	if hosted["monitor"] {
		srv := servers["monitor"]
		srv.Handle(mon.Handler())
		add(srv.Run)
		announce(registry.ServiceName("monitor"), srv)
	}
	if hosted["watchdog"] {
		srv := servers["watchdog"]
		srv.Handle(wdog.Handler())
		add(srv.Run)
		add(wdog.Run)
		announce(registry.ServiceName("watchdog"), srv)
	}
	if hosted["simulator"] {
		srv := servers["simulator"]
		srv.Handle(sim.Handler())
		add(srv.Run)
		announce(registry.ServiceName("simulator"), srv)
	}
	if hosted["weather"] {
		srv := servers["weather"]
		srv.Handle(wea.Handler())
		add(srv.Run)
		announce(registry.ServiceName("weather"), srv)
	}
	if hosted["tariff"] {
		srv := servers["tariff"]
		srv.Handle(tariff.Handler(rates))
		add(srv.Run)
		announce(registry.ServiceName("tariff"), srv)
		// the rates read like a sensor too
		announce(registry.SensorName("tariff"), srv)
	}
	if hosted["meter"] {
		srv := servers["meter"]
		srv.Handle(sensor.Handler(met))
		add(srv.Run)
		add(met.Run)
		announce(registry.SensorName(houseSensorName), srv)
	}
	if hosted["scheduler"] {
		srv := servers["scheduler"]
		srv.Handle(s.Handler(auth))
		add(srv.Run)
		add(s.Run)
		announce(registry.ServiceName("scheduler"), srv)
	}
	if hosted["evse"] {
		srv := servers["evse"]
		srv.Handle(task.Handler(charger))
		add(srv.Run)
		add(charger.Run)
		r := announce(registry.TaskName(charger.Name()), srv)
		r.SetCheck(charger.SelfTest)
		r.SetScheduler(sched)
	}
	if hosted["waterheater"] {
		srv := servers["waterheater"]
		srv.Handle(waterheater.Handler(heater))
		add(srv.Run)
		add(heater.Run)
		r := announce(registry.TaskName(heater.Name()), srv)
		r.SetCheck(heater.SelfTest)
		r.SetScheduler(sched)
	}
	if hosted["hvac"] {
		srv := servers["hvac"]
		srv.Handle(hvac.Handler(therm))
		add(srv.Run)
		add(therm.Run)
		// hvac manages its own scheduler membership
		r := announce(registry.TaskName(therm.Name()), srv)
		r.SetCheck(therm.SelfTest)
	}
	if hosted["poolpump"] {
		srv := servers["poolpump"]
		srv.Handle(poolpump.Handler(pump))
		add(srv.Run)
		add(pump.Run)
		// so does the pool pump, and its health check lives in its cycle
		announce(registry.TaskName(pump.Name()), srv)
	}

	if err := g.Run(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "service failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "exited cleanly")
}
