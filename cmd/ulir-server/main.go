// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package main provides the entry point for the Unified Local Inference
// Runtime server: it loads configuration, wires every component behind
// the Unified Controller, starts the HTTP API, and manages graceful
// shutdown so in-flight generations are allowed to drain before exit.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"

	"ulir/internal/api"
	"ulir/internal/config"
	"ulir/internal/controller"
	"ulir/internal/resultlog"
)

func main() {
	httpAddr := pflag.String("http_addr", ":8080", "HTTP listen address")
	configFile := pflag.String("config", "", "Path to a YAML config file overlaying the documented defaults")
	defaultModel := pflag.String("default_model", "", "Model alias used when a generate request omits one")
	resultSink := pflag.String("result_sink", "mock", "Completed-request audit sink: mock|kafka|postgres")
	kafkaTopic := pflag.String("kafka_topic", "ulir-results", "Topic used by the kafka result sink")
	shutdownGrace := pflag.Duration("shutdown_grace", 10*time.Second, "How long to wait for in-flight generations to finish on shutdown")
	preloadAlias := pflag.String("preload_alias", "", "Alias to register and load synchronously before accepting traffic")
	preloadPath := pflag.String("preload_path", "", "On-disk path for --preload_alias")
	pflag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ulir-server: loading config: %v\n", err)
		os.Exit(1)
	}

	ctl, err := controller.New(cfg, controller.Options{
		DefaultModel: *defaultModel,
		SinkAdapter:  *resultSink,
		SinkOptions:  resultlog.Options{KafkaTopic: *kafkaTopic},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ulir-server: constructing controller: %v\n", err)
		os.Exit(1)
	}
	ctl.Start()

	if *preloadAlias != "" {
		if err := preloadModel(ctl, *preloadAlias, *preloadPath); err != nil {
			fmt.Fprintf(os.Stderr, "ulir-server: preloading %s: %v\n", *preloadAlias, err)
			os.Exit(1)
		}
	}

	printBanner(cfg, *httpAddr)

	server := api.NewServer(ctl)
	go func() {
		if err := server.ListenAndServe(*httpAddr); err != nil {
			fmt.Fprintf(os.Stderr, "ulir-server: HTTP server: %v\n", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	fmt.Println("\nShutting down ulir-server...")
	ctl.Shutdown(*shutdownGrace)
	printShutdownSummary(ctl)
}

// preloadModel registers and synchronously loads a model before the server
// starts accepting traffic, driving a terminal spinner for the duration
// (the Model Registry's load call blocks; there is no intermediate
// progress to report, so the bar runs indeterminate until load returns).
func preloadModel(ctl *controller.Controller, alias, path string) error {
	if err := ctl.RegisterModel(alias, path, nil); err != nil {
		return err
	}
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("loading "+alias),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
	done := make(chan error, 1)
	go func() { done <- ctl.LoadModel(alias, false) }()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			_ = bar.Finish()
			return err
		case <-ticker.C:
			_ = bar.Add(1)
		}
	}
}

// printBanner writes a colorized startup summary, the same "raw-ANSI
// single-line summary, yellow when writing to a real terminal" shape the
// teacher's core.mockPersister uses for its final metrics line, generalized
// here to github.com/fatih/color (auto-disabling on non-tty output via
// github.com/mattn/go-isatty) instead of hand-rolled escape sequences.
func printBanner(cfg config.Config, addr string) {
	bold := color.New(color.FgCyan, color.Bold)
	bold.DisableColor()
	if isatty.IsTerminal(os.Stdout.Fd()) {
		bold.EnableColor()
	}
	bold.Printf("ulir-server listening on %s\n", addr)
	fmt.Printf("  max_concurrent_models=%d max_queue_size=%d cache_size_mb=%d\n",
		cfg.MaxConcurrentModels, cfg.MaxQueueSize, cfg.CacheSizeMB)
}

func printShutdownSummary(ctl *controller.Controller) {
	status := ctl.Status()
	yellow := color.New(color.FgYellow)
	yellow.DisableColor()
	if isatty.IsTerminal(os.Stdout.Fd()) {
		yellow.EnableColor()
	}
	yellow.Printf("final status: %s uptime=%.1fs queue_depth=%d active_models=%d\n",
		status.Status, status.UptimeSeconds, status.Metrics.QueueDepth, status.Resources.ActiveModels)
}
