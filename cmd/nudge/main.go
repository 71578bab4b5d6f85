package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nudge/internal/app"
)

func main() {
	var (
		cfgPath string
		once    bool
		resetID string
		status  bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.BoolVar(&once, "once", false, "run a single scan, print its summary and exit")
	flag.StringVar(&resetID, "reset", "", "forget the stored state of one module and exit")
	flag.BoolVar(&status, "status", false, "print module states and recent scans and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	switch {
	case resetID != "":
		err = a.Reset(ctx, resetID)
		if err == nil {
			fmt.Printf("state of %q cleared\n", resetID)
		}
		err = joinClose(a, err)
	case status:
		var st app.Status
		st, err = a.Status(ctx)
		if err == nil {
			err = printJSON(st)
		}
		err = joinClose(a, err)
	case once:
		sum, runErr := a.RunOnce(ctx)
		err = printJSON(sum)
		if runErr != nil {
			err = runErr
		}
		err = joinClose(a, err)
	default:
		err = run(ctx, a)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, a *app.App) error {
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}

func joinClose(a *app.App, err error) error {
	if cerr := a.Close(); err == nil {
		err = cerr
	}
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
