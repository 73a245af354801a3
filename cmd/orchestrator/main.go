// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command orchestrator starts the UXBiblio analysis session server.
//
// This is the main entry point for the containerized orchestrator
// service. It loads configuration from an optional YAML file plus
// UXBIBLIO_-prefixed environment overrides and starts the server.
//
// # Environment Variables
//
//   - UXBIBLIO_CONFIG: Path to a YAML configuration file (optional)
//   - UXBIBLIO_PORT: HTTP server port (default: 12310)
//   - UXBIBLIO_ANALYSIS_ENDPOINT: Upstream analysis service URL
//   - UXBIBLIO_STORAGE_PATH: Credit store directory
//
// See services/orchestrator/config for the full list.
//
// # Usage
//
//	# Build
//	go build -o orchestrator ./cmd/orchestrator
//
//	# Run
//	./orchestrator
package main

import (
	"log"
	"os"

	"github.com/AleutianAI/uxbiblio/services/orchestrator"
	"github.com/AleutianAI/uxbiblio/services/orchestrator/config"
)

func main() {
	cfg, err := config.Load(os.Getenv("UXBIBLIO_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	svc, err := orchestrator.New(cfg, nil)
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Orchestrator error: %v", err)
	}
}
