package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"go.uber.org/fx"

	"logship-agent/config"
	"logship-agent/internal/agent"
	"logship-agent/internal/controller"
	"logship-agent/internal/credentials"
	"logship-agent/internal/queue"
	"logship-agent/internal/scheduler"
	"logship-agent/internal/token"
	"logship-agent/internal/uploader"
)

func main() {
	app := fx.New(
		// Core Dependencies
		fx.Provide(
			config.NewConfig,
		),
		// Infrastructure Dependencies
		fx.Provide(
			NewGinEngine,
			NewSettingsHolder,
			NewCredentials,
			NewStore,
			token.NewManager,
			NewUploader,
			NewScheduler,
			NewAgent,
			controller.NewAgentController,
		),
		fx.Invoke(
			RegisterAPIRoutes,
			RegisterScheduler,
		),
	)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start application")
	}
	<-app.Done()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStop()
	log.Info().Msg("Shutting down application...")
	if err := app.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("Forced shutdown due to error or timeout")
	}
	log.Info().Msg("All background processes finished. Exiting.")
}

func NewGinEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	return r
}

// --- Factory Functions ---

func NewSettingsHolder(cfg *config.Config) *config.Holder {
	return config.NewHolder(cfg.Settings)
}

func NewCredentials(cfg *config.Config) (*credentials.ServiceAccount, error) {
	return credentials.Load(cfg.Credentials.File)
}

func NewStore(lc fx.Lifecycle, cfg *config.Config, settings *config.Holder) *queue.Store {
	store := queue.NewStore(cfg.Queue.Path, settings)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info().Msg("Closing durable queue store")
			store.Close()
			return nil
		},
	})
	return store
}

func NewUploader(cfg *config.Config, creds *credentials.ServiceAccount, tokens *token.Manager) *uploader.Uploader {
	return uploader.NewUploader(cfg.Upload.EndpointURL, creds.ProjectID, tokens)
}

func NewScheduler(store *queue.Store, up *uploader.Uploader, settings *config.Holder) *scheduler.Scheduler {
	return scheduler.NewScheduler(store, up, settings)
}

func NewAgent(store *queue.Store, sched *scheduler.Scheduler, settings *config.Holder, creds *credentials.ServiceAccount) *agent.Agent {
	return agent.NewAgent(store, sched, settings, creds.ClientEmail)
}

// --- Invoker Functions ---

func RegisterScheduler(lc fx.Lifecycle, sched *scheduler.Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			sched.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return sched.Stop(ctx)
		},
	})
}

func RegisterAPIRoutes(
	lifecycle fx.Lifecycle,
	router *gin.Engine,
	cfg *config.Config,
	agentController *controller.AgentController,
) {
	controller.RegisterAgentRoutes(router, agentController)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}
	lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info().Msgf("Starting HTTP server on port %s", cfg.Server.Port)
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error().Err(err).Msg("HTTP server ListenAndServe error")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info().Msg("Shutting down HTTP server...")
			return server.Shutdown(ctx)
		},
	})
}
