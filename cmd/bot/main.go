package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streambot/internal/app"
	"streambot/internal/config"
	"streambot/internal/runtime/lifecycle"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		cfgPath string
		envPath string
	)
	flag.StringVar(&cfgPath, "config", defaultConfigPath(), "path to config yaml/json")
	flag.StringVar(&envPath, "env", ".env", "optional dotenv file with secrets")
	flag.Usage = func() { app.PrintHelp(flag.CommandLine.Output()) }
	flag.Parse()

	// An explicitly passed -env must exist.
	envRequired := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "env" {
			envRequired = true
		}
	})
	if err := config.LoadEnvFile(envPath, envRequired); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return lifecycle.ExitFatal
	}

	args := flag.Args()
	if len(args) > 0 && args[0] != "run" {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		if err := app.RunCommand(ctx, cfgPath, args, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			if errors.Is(err, app.ErrUsage) {
				app.PrintHelp(os.Stderr)
				return 2
			}
			return lifecycle.ExitFatal
		}
		return lifecycle.ExitOK
	}

	// Signals are read directly so the stop reason can tell SIGINT from SIGTERM.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		return lifecycle.ExitFatal
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), lifecycle.StopFatalError)
		return lifecycle.ExitFatal
	}

	fallback := lifecycle.StopAppStop
	select {
	case s := <-sig:
		fallback = lifecycle.StopSIGTERM
		if s == os.Interrupt {
			fallback = lifecycle.StopSIGINT
		}
	case <-a.Done():
	}
	reason := a.StopReason(fallback)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
	}
	return reason.ExitCode()
}

func defaultConfigPath() string {
	for _, p := range []string{"./config.yaml", "./config.yml", "./config.json"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "./config.yaml"
}
