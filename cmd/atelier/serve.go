// Copyright 2025 Atelier Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/atelierlabs/atelier/pkg/agent"
	"github.com/atelierlabs/atelier/pkg/config"
	"github.com/atelierlabs/atelier/pkg/logger"
	"github.com/atelierlabs/atelier/pkg/model"
	"github.com/atelierlabs/atelier/pkg/observability"
	"github.com/atelierlabs/atelier/pkg/runner"
	"github.com/atelierlabs/atelier/pkg/server"
	"github.com/atelierlabs/atelier/pkg/session"
	"github.com/atelierlabs/atelier/pkg/validate"
)

// ServeCmd starts the generation server.
type ServeCmd struct {
	Port    int  `help:"Port to listen on (overrides config)."`
	Metrics bool `help:"Enable the Prometheus metrics endpoint."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// .env files resolve ${VAR} references in the config.
	if err := config.LoadDotEnvForConfig(cli.Config); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.Metrics {
		cfg.Metrics.Enabled = true
	}

	// The config logging section applies unless CLI flags overrode it.
	if cli.LogLevel == "info" && cli.LogFormat == "text" && cli.LogFile == "" {
		output := os.Stderr
		if cfg.Logging.File != "" {
			file, closeLog, err := logger.OpenLogFile(cfg.Logging.File)
			if err != nil {
				return fmt.Errorf("failed to open log file: %w", err)
			}
			defer closeLog()
			output = file
		}
		logger.Init(logger.ParseLevel(cfg.Logging.Level), output, cfg.Logging.Format)
	}

	sessions, closeSessions, err := buildSessionService(cfg)
	if err != nil {
		return fmt.Errorf("failed to create session service: %w", err)
	}
	defer closeSessions()

	planner, err := buildAgent("planner", &cfg.Models.Planner, cfg.Agents.Planner.Instruction, defaultPlannerInstruction)
	if err != nil {
		return err
	}
	generator, err := buildAgent("generator", &cfg.Models.Generator, cfg.Agents.Generator.Instruction, defaultGeneratorInstruction)
	if err != nil {
		return err
	}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	r, err := runner.New(runner.Config{
		SessionService: sessions,
		Planner:        planner,
		Generator:      generator,
		Pipeline:       validate.NewPipeline(),
		MaxIterations:  cfg.Run.MaxIterations,
		ChunkSize:      cfg.Run.ChunkSize,
		Metrics:        metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	srv := server.NewHTTPServer(cfg, r, sessions, metrics)

	fmt.Printf("Atelier server ready\n")
	fmt.Printf("   Generate:  POST http://%s/api/generate\n", srv.Address())
	fmt.Printf("   Sessions:  GET  http://%s/api/sessions\n", srv.Address())
	fmt.Printf("   Health:    GET  http://%s/health\n", srv.Address())
	if cfg.Metrics.Enabled {
		fmt.Printf("   Metrics:   GET  http://%s%s\n", srv.Address(), cfg.Metrics.Path)
	}
	fmt.Printf("   Sessions backend: %s\n", cfg.Session.Backend)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(ctx)
	})
	return g.Wait()
}

// buildSessionService creates the configured session backend. The
// returned cleanup closes any underlying database.
func buildSessionService(cfg *config.Config) (session.Service, func(), error) {
	switch cfg.Session.Backend {
	case "memory":
		return session.InMemoryService(), func() {}, nil

	case "sqlite", "mysql", "postgres":
		driver := cfg.Session.Backend
		if driver == "sqlite" {
			driver = "sqlite3"
		}
		db, err := sql.Open(driver, cfg.Session.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s database: %w", cfg.Session.Backend, err)
		}
		svc, err := session.NewSQLService(db, cfg.Session.Backend)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		slog.Info("Session persistence enabled", "backend", cfg.Session.Backend)
		return svc, func() { _ = svc.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown session backend: %s", cfg.Session.Backend)
	}
}

// buildAgent constructs one LLM-backed agent from its model config.
func buildAgent(name string, mc *config.ModelConfig, instruction, fallback string) (agent.Agent, error) {
	provider, err := buildProvider(mc)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s model: %w", name, err)
	}
	if instruction == "" {
		instruction = fallback
	}

	return agent.NewLLMAgent(agent.LLMConfig{
		Name:        name,
		Instruction: instruction,
		Provider:    provider,
		MaxTokens:   mc.MaxTokens,
		Temperature: mc.Temperature,
	})
}

func buildProvider(mc *config.ModelConfig) (model.Provider, error) {
	switch mc.Provider {
	case "anthropic":
		return model.NewAnthropicProvider(model.AnthropicConfig{
			APIKey: mc.APIKey,
			Model:  mc.Model,
			Host:   mc.BaseURL,
		})
	case "gemini":
		return model.NewGeminiProvider(model.GeminiConfig{
			APIKey: mc.APIKey,
			Model:  mc.Model,
			Host:   mc.BaseURL,
		})
	default:
		return nil, fmt.Errorf("unknown provider: %s", mc.Provider)
	}
}
