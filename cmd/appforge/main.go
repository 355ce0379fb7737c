package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/codegrove/appforge/internal/api"
	"github.com/codegrove/appforge/internal/artifact"
	"github.com/codegrove/appforge/internal/config"
	"github.com/codegrove/appforge/internal/event"
	"github.com/codegrove/appforge/internal/notify"
	"github.com/codegrove/appforge/internal/pipeline"
	"github.com/codegrove/appforge/internal/prompt"
	"github.com/codegrove/appforge/internal/provider"
	"github.com/codegrove/appforge/internal/publish"
	"github.com/codegrove/appforge/internal/repository"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "serve" {
		serve()
		return
	}
	fmt.Println("appforge v0.1.0")
	fmt.Println("Usage: appforge serve")
}

func serve() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.LoadDefault()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	metrics := provider.NewMetrics(registry)

	providers := provider.NewRegistry()
	for name, pc := range cfg.Providers {
		switch pc.Type {
		case "gemini":
			providers.Register(provider.NewGeminiProvider(name, pc.APIKey))
		case "openai", "":
			providers.Register(provider.NewOpenAIProvider(name, pc.URL, pc.APIKey))
		default:
			slog.Error("unknown provider type", "provider", name, "type", pc.Type)
			os.Exit(1)
		}
	}

	store := artifact.NewStore(cfg.Workspace.Root)
	prompts := prompt.NewRegistry()

	publisher := publish.NewGitPublisher(cfg.Git.Workspace, cfg.Git.Owner)
	publisher.RemoteBase = cfg.Git.RemoteURL
	publisher.Token = cfg.Git.Token

	router := provider.NewStageRouter(providers, metrics)
	handlers := &pipeline.Handlers{
		Router:    router,
		Prompts:   prompts,
		Store:     store,
		Publisher: publisher,
		RepoOwner: cfg.Git.Owner,
	}
	stages := pipeline.DefaultStages(handlers)
	if err := installRoutes(router, stages, cfg.Routes); err != nil {
		slog.Error("route config error", "err", err)
		os.Exit(1)
	}

	var builds repository.BuildStore
	var projects repository.ProjectStore
	if cfg.Database.URL != "" {
		pg, err := repository.OpenPostgres(context.Background(), cfg.Database.URL)
		if err != nil {
			slog.Error("database error", "err", err)
			os.Exit(1)
		}
		builds, projects = pg, pg
		slog.Info("using postgres build store")
	} else {
		mem := repository.NewMemoryStore()
		builds, projects = mem, mem
		slog.Info("using in-memory build store")
	}

	bus := event.NewBus()
	orch := pipeline.NewOrchestrator(stages, store, bus, builds, projects, buildNotifier(cfg))

	if cfg.Retention.Sweep != "" {
		c := cron.New()
		_, err := c.AddFunc(cfg.Retention.Sweep, func() {
			removed := orch.Sweep(cfg.Retention.Window)
			if removed > 0 {
				slog.Info("retention sweep", "removed", removed)
			}
		})
		if err != nil {
			slog.Error("retention schedule error", "err", err)
			os.Exit(1)
		}
		c.Start()
		defer c.Stop()
	}

	srv := api.NewServer(orch, bus, registry)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	slog.Info("starting appforge server", "addr", addr, "providers", len(cfg.Providers))
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// installRoutes binds each AI stage to its configured fallback chain,
// looked up by stage name with config.DefaultRoutes as the fallback.
func installRoutes(router *provider.StageRouter, stages []pipeline.StageDescriptor, routes map[string][]string) error {
	for _, stage := range stages {
		if !stage.RequiresAI {
			continue
		}
		modelIDs, ok := routes[stage.Name]
		if !ok {
			modelIDs = config.DefaultRoutes
		}
		choices := make([]provider.Choice, 0, len(modelIDs))
		for _, id := range modelIDs {
			providerName, modelName, err := provider.ParseModelID(id)
			if err != nil {
				return fmt.Errorf("stage %s: %w", stage.Name, err)
			}
			choices = append(choices, provider.Choice{Provider: providerName, Model: modelName})
		}
		if err := router.SetRoute(stage.ID, choices...); err != nil {
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}
	}
	return nil
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	var channels notify.Multi
	if cfg.Notify.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookNotifier(cfg.Notify.WebhookURL))
	}
	if cfg.Notify.SMTP.Host != "" {
		channels = append(channels, &notify.SMTPNotifier{
			Host:     cfg.Notify.SMTP.Host,
			Port:     cfg.Notify.SMTP.Port,
			From:     cfg.Notify.SMTP.From,
			Password: cfg.Notify.SMTP.Password,
		})
	}
	if len(channels) == 0 {
		return notify.Noop{}
	}
	return channels
}
