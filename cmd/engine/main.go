package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	flag "github.com/spf13/pflag"

	"github.com/shchae04/kafka-basic/internal/engine"
	"github.com/shchae04/kafka-basic/internal/logging"
	"github.com/shchae04/kafka-basic/internal/transport"
)

func main() {
	var cfg engine.Config
	fs := flag.NewFlagSet("engine", flag.ExitOnError)
	fs.StringVarP(&cfg.PipelineYml, "pipeline", "p", "configs/pipeline.yml", "pipeline definition")
	fs.IntVar(&cfg.GRPCPort, "grpc-port", 7070, "control plane port")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", 9100, "/metrics and /healthz port")
	fs.DurationVar(&cfg.HealthInterval, "health-interval", 10*time.Second, "broker health probe interval")
	status := fs.Bool("status", false, "print the status of a running engine and exit")
	_ = fs.Parse(os.Args[1:])

	logging.InitFromEnv()

	if *status {
		if err := printStatus(cfg.GRPCPort); err != nil {
			fmt.Fprintln(os.Stderr, "status:", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.Bootstrap(cfg)
	if err != nil {
		logging.L().Error("bootstrap", "err", err)
		os.Exit(1)
	}
	if err := e.Run(ctx); err != nil {
		logging.L().Error("engine", "err", err)
		os.Exit(1)
	}
}

func printStatus(port int) error {
	c, err := transport.Dial(port)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
