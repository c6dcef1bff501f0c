// Command msghub runs a message hub assembled from a config file: an echo
// gateway, a data gateway with a demo uptime item, and the optional MQTT
// bridge and HTTP ingress gateways. It serves until $SYS/exit is published
// or the process receives SIGINT/SIGTERM.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/GoCodeAlone/msghub"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "msghub:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML or TOML config file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	logger := msghub.NewSlogLogger(slogger)

	cfg := &msghub.Config{}
	if *configPath != "" {
		loaded, err := msghub.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	app, dataGw, err := cfg.Build(logger)
	if err != nil {
		return err
	}

	start := time.Now()
	uptime := msghub.NewDataItem(msghub.ItemConfig[int64]{
		ReadOnly: true,
		Synchronize: func(it *msghub.DataItem[int64]) (int64, bool, error) {
			return int64(time.Since(start).Seconds()), true, nil
		},
	})
	if err := dataGw.AddItem("system/uptime", uptime); err != nil {
		return err
	}

	sub, err := app.Subscribe("#", func(msg *msghub.Message) error {
		logger.Info("message", "topic", msg.Topic(), "payload", msg.PayloadText())
		return nil
	})
	if err != nil {
		return err
	}
	defer sub.Close()

	if _, err := app.InvokeAtFixedRate(func() { uptime.Invalidate() }, time.Minute, time.Minute); err != nil {
		return err
	}

	return app.Run()
}
