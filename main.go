package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lefinal/uptime-server/app"
)

func main() {
	configPath := flag.String("config", "config.json", "path of the config file")
	flag.Parse()
	config, err := app.LoadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load config: %s\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = app.NewApp(config).Boot(ctx)
	if err != nil {
		os.Exit(1)
	}
}
