package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oklog/ulid/v2"
	goredis "github.com/redis/go-redis/v9"

	"calroute/internal/adapter/calendar"
	"calroute/internal/balance"
	"calroute/internal/domain"
	"calroute/internal/eventbus"
	"calroute/internal/infra/config"
	"calroute/internal/infra/logger"
	"calroute/internal/infra/tracer"
	"calroute/internal/registry"
	"calroute/internal/scheduling"
	"calroute/internal/service"
	"calroute/internal/state"
	"calroute/internal/supervise"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	// Backing store. A failed connection is survivable: the store degrades
	// to its in-process fallback.
	var client state.RedisClient
	if cfg.Store.RedisURL != "" {
		opts, err := goredis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := goredis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable at startup, continuing with fallback store", "error", err)
		}
		client = state.NewGoRedisAdapter(rdb)
		defer client.Close()
	}

	bus := eventbus.New(log)
	defer bus.Close()
	bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		log.Debug("event", "type", string(ev.Type), "session_id", ev.SessionID, "node_id", ev.NodeID)
	})

	store := state.New(client, state.Options{
		TTL:                cfg.Store.TTL(),
		BreakerMaxFailures: uint32(cfg.Store.BreakerMaxFailures),
		BreakerTimeout:     cfg.Store.BreakerTimeoutDuration(),
	}, bus, log)

	bal := balance.New(store, bus, log)

	reg := registry.New(cfg.Registry.Workers, log)
	defer reg.Close()

	calendar.RegisterAgents(reg, calendar.NewMemoryBackend())

	nodeID := cfg.Supervisor.NodeID
	if nodeID == "" {
		nodeID = "node-" + ulid.Make().String()
	}
	caps := make([]domain.Capability, 0, len(cfg.Supervisor.Capabilities))
	for _, c := range cfg.Supervisor.Capabilities {
		caps = append(caps, domain.Capability(c))
	}
	var bindings supervise.Bindings
	if len(cfg.Agents) > 0 {
		bindings = make(supervise.Bindings, len(cfg.Agents))
		for tag, name := range cfg.Agents {
			bindings[domain.Capability(tag)] = name
		}
	}

	sup := supervise.New(supervise.Config{
		NodeID:       nodeID,
		Address:      cfg.Supervisor.Address,
		MaxSessions:  cfg.Supervisor.MaxSessions,
		Capabilities: caps,
		Bindings:     bindings,
	}, store, bal, reg, nil, bus, log)
	sup.Register(ctx)
	defer sup.Deregister(context.Background())

	svc := service.New(service.Config{
		RatePerSecond: cfg.Service.RatePerSecond,
		RateBurst:     cfg.Service.RateBurst,
	}, store, bal, reg, sup, log)
	_ = svc // consumed by the transport layer once it is mounted

	if cfg.Scheduler.Enabled {
		sched := scheduling.New(log)
		sched.RegisterAction(scheduling.ActionSessionSweep, func(ctx context.Context) error {
			store.SweepExpired(ctx, cfg.Scheduler.SessionMaxAgeDuration())
			return nil
		})
		sched.RegisterAction(scheduling.ActionHeartbeat, func(ctx context.Context) error {
			sup.Heartbeat(ctx)
			return nil
		})
		if err := sched.AddTask(scheduling.Task{
			Name: "session-sweep", Schedule: cfg.Scheduler.SweepSchedule,
			Action: scheduling.ActionSessionSweep,
		}); err != nil {
			return err
		}
		if err := sched.AddTask(scheduling.Task{
			Name: "heartbeat", Schedule: cfg.Supervisor.HeartbeatInterval,
			Action: scheduling.ActionHeartbeat,
		}); err != nil {
			return err
		}
		sched.Start(ctx)
		defer sched.Stop()
	}

	log.Info("calroute started",
		"node_id", nodeID,
		"agents", reg.ActiveCount(),
		"durable_store", client != nil)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
