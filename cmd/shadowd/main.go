package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kestrel-iot/shadowd/internal/agent"
	"github.com/kestrel-iot/shadowd/internal/config"
	logs "github.com/kestrel-iot/shadowd/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/shadowd/config.toml", "agent config path")
	flag.Parse()

	logs.ConfigureRuntime()

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shadowd: %v\n", err)
		os.Exit(1)
	}
	logs.Infof("shadowd config loaded path=%q shadow=%q", *configPath, cfg.ShadowName)

	svc, err := agent.NewService(agent.ServiceConfig{Agent: cfg})
	if err != nil {
		fmt.Fprintf(os.Stderr, "shadowd: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "shadowd: %v\n", err)
		os.Exit(1)
	}
}
