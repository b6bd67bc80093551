package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orgloop/orgloop/internal/config"
	"github.com/orgloop/orgloop/internal/engine"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	case "hook":
		hookCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  orgloop run --config <orgloop.yaml> [--data-dir <dir>] [--listen <addr>] [--log-level <level>]")
	fmt.Fprintln(os.Stderr, "  orgloop validate --config <orgloop.yaml>")
	fmt.Fprintln(os.Stderr, "  orgloop hook --source <id> [--addr <host:port>]")
}

func runCmd(args []string) {
	var configPath string
	var dataDir string
	var listen string
	var logLevel string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--data-dir":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--data-dir requires a value")
				os.Exit(1)
			}
			dataDir = args[i]
		case "--listen":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--listen requires a value")
				os.Exit(1)
			}
			listen = args[i]
		case "--log-level":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--log-level requires a value")
				os.Exit(1)
			}
			logLevel = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(1)
	}

	log := logrus.New()
	if logLevel != "" {
		lvl, err := logrus.ParseLevel(logLevel)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		log.SetLevel(lvl)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	eng, err := engine.New(cfg, engine.Options{
		Log:     log,
		DataDir: dataDir,
		Listen:  listen,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("listening=%s\n", eng.ListenerAddr())

	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

func validateCmd(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if configPath == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if _, err := engine.New(cfg, engine.Options{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("ok: %s\n", filepath.Base(configPath))
	fmt.Printf("sources=%d actors=%d routes=%d\n", len(cfg.Sources), len(cfg.Actors), len(cfg.Routes))
	os.Exit(0)
}

// hookCmd forwards NDJSON from stdin to a running engine's hook endpoint.
func hookCmd(args []string) {
	var sourceID string
	addr := "127.0.0.1:4800"
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--source":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--source requires a value")
				os.Exit(1)
			}
			sourceID = args[i]
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			addr = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if sourceID == "" {
		usage()
		os.Exit(1)
	}

	url := fmt.Sprintf("http://%s/hooks/%s", addr, sourceID)
	resp, err := http.Post(url, "application/x-ndjson", os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fmt.Fprintf(os.Stderr, "%s: %s\n", resp.Status, string(body))
		os.Exit(1)
	}
	os.Exit(0)
}
