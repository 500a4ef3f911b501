package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/debug"
	"goa.design/clue/log"

	"goa.design/taskflow/a2a"
	"goa.design/taskflow/features/model/anthropic"
	"goa.design/taskflow/features/model/middleware"
	"goa.design/taskflow/features/model/openai"
	mongostore "goa.design/taskflow/features/taskstore/mongo"
	pulsemirror "goa.design/taskflow/features/stream/pulse"
	clientspulse "goa.design/taskflow/features/stream/pulse/clients/pulse"
	"goa.design/taskflow/runtime/agent"
	"goa.design/taskflow/runtime/bus"
	"goa.design/taskflow/runtime/model"
	"goa.design/taskflow/runtime/session"
	"goa.design/taskflow/runtime/task/store"
	"goa.design/taskflow/runtime/task/store/inmem"
	"goa.design/taskflow/runtime/workflow"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		addrF   = flag.String("http-addr", "", "HTTP listen address (overrides config)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := LoadConfig(*configF)
	if err != nil {
		log.Fatal(ctx, err)
	}
	if *addrF != "" {
		cfg.Server.Addr = *addrF
	}

	st, cleanupStore, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer cleanupStore()

	client, err := buildModel(cfg)
	if err != nil {
		log.Fatal(ctx, err)
	}

	rt := workflow.NewRuntime()
	registerPlugins(rt)
	buses := bus.NewManager()
	sessions := session.NewManager()

	cleanupMirror, err := attachMirror(ctx, cfg, buses)
	if err != nil {
		log.Fatal(ctx, err)
	}
	defer cleanupMirror()

	wf := agent.NewWorkflowHandler(rt, buses, st, sessions)
	ai := agent.NewAIHandler(client, cfg.Agent.System, nil, rt, wf, sessions)
	executor := agent.NewExecutor(ai, wf)

	card := a2a.AgentCard{
		Name:         cfg.Agent.Name,
		Description:  cfg.Agent.Description,
		URL:          cfg.Agent.URL,
		Version:      cfg.Agent.Version,
		Capabilities: a2a.AgentCapabilities{Streaming: true},
	}
	for _, p := range rt.ListPlugins() {
		card.Skills = append(card.Skills, a2a.AgentSkill{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
		})
	}
	srv := a2a.NewServer(executor, wf, buses, st, sessions, a2a.Config{
		BasePath: cfg.Server.BasePath,
		Card:     card,
	})

	mux := http.NewServeMux()
	if *dbgF {
		debug.MountPprofHandlers(mux)
		debug.MountDebugLogEnabler(mux)
	}
	mux.Handle("/", srv.Handler())
	var handler http.Handler = mux
	if *dbgF {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "listening"}, log.KV{K: "addr", V: cfg.Server.Addr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err)
	}
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, err)
	}
	log.Printf(ctx, "exited")
}

// buildStore selects the task persistence backend. The returned cleanup
// releases backend connections.
func buildStore(ctx context.Context, cfg *Config) (store.Store, func(), error) {
	switch cfg.Store.Backend {
	case "mongo":
		mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Store.Mongo.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		st, err := mongostore.New(mongostore.Options{
			Client:     mc,
			Database:   cfg.Store.Mongo.Database,
			Collection: cfg.Store.Mongo.Collection,
			Timeout:    cfg.Store.Mongo.Timeout,
		})
		if err != nil {
			_ = mc.Disconnect(ctx)
			return nil, nil, err
		}
		cleanup := func() {
			if err := mc.Disconnect(context.Background()); err != nil {
				log.Error(ctx, err)
			}
		}
		return st, cleanup, nil
	default:
		return inmem.New(), func() {}, nil
	}
}

// buildModel constructs the model client for the configured provider and
// wraps it with the adaptive rate limiter when one is configured.
func buildModel(cfg *Config) (model.Client, error) {
	apiKey := os.Getenv(cfg.Model.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("environment variable %s is not set", cfg.Model.APIKeyEnv)
	}
	var (
		client model.Client
		err    error
	)
	switch cfg.Model.Provider {
	case "openai":
		client, err = openai.NewFromAPIKey(apiKey, cfg.Model.Name)
	default:
		client, err = anthropic.NewFromAPIKey(apiKey, cfg.Model.Name)
	}
	if err != nil {
		return nil, err
	}
	if rl := cfg.Model.RateLimit; rl.InitialTPM > 0 {
		client = middleware.NewAdaptiveRateLimiter(rl.InitialTPM, rl.MaxTPM).Middleware()(client)
	}
	client = middleware.Logging()(client)
	return client, nil
}

// attachMirror wires the Pulse stream mirror onto every task bus when Redis
// is configured. Without Redis the service runs with in-process streams
// only.
func attachMirror(ctx context.Context, cfg *Config, buses *bus.Manager) (func(), error) {
	if cfg.Redis.Addr == "" {
		return func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
	pc, err := clientspulse.New(clientspulse.Options{
		Redis:        rdb,
		StreamMaxLen: cfg.Redis.StreamMaxLen,
	})
	if err != nil {
		return nil, err
	}
	mirror, err := pulsemirror.NewMirror(pulsemirror.Options{Client: pc})
	if err != nil {
		return nil, err
	}
	buses.OnCreate(func(b *bus.EventBus) {
		if err := mirror.Attach(ctx, b); err != nil {
			log.Error(ctx, err, log.KV{K: "task_id", V: b.TaskID()})
		}
	})
	cleanup := func() {
		if err := rdb.Close(); err != nil {
			log.Error(ctx, err)
		}
	}
	return cleanup, nil
}
