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
	"fmt"

	"github.com/atelierlabs/atelier/pkg/config"
)

// ValidateCmd checks a configuration file without starting the server.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required")
	}

	if err := config.LoadDotEnvForConfig(cli.Config); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("   Server:    %s\n", cfg.Server.Address())
	fmt.Printf("   Sessions:  %s\n", cfg.Session.Backend)
	fmt.Printf("   Planner:   %s/%s\n", cfg.Models.Planner.Provider, cfg.Models.Planner.Model)
	fmt.Printf("   Generator: %s/%s\n", cfg.Models.Generator.Provider, cfg.Models.Generator.Model)
	return nil
}
