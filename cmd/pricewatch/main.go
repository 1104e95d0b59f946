package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"pricewatch/internal/app"
	"pricewatch/internal/config"
	"pricewatch/internal/monitor"
	"pricewatch/internal/storage"
)

const usage = `usage: pricewatch [-env FILE] <command> [args]

commands:
  run                          run the scheduler and HTTP API until signalled
  track [-email ADDR] [-chat ID] URL [TARGET]
                               extract URL once and start tracking it
  check ID                     check one item now and print its price
  untrack ID                   stop tracking an item, keeping its history
`

func main() {
	var envFile string
	flag.StringVar(&envFile, "env", ".env", "path to a .env file (optional)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(envFile)
	if err != nil {
		fatal("config", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		args = []string{"run"}
	}
	switch args[0] {
	case "run":
		err = run(ctx, cfg)
	case "track":
		err = track(ctx, cfg, args[1:])
	case "check":
		err = check(ctx, cfg, args[1:])
	case "untrack":
		err = untrack(ctx, cfg, args[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(args[0], err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return err
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	fatalErr := a.Err()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+10*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return fatalErr
	}
	return nil
}

func track(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("track", flag.ExitOnError)
	email := fs.String("email", "", "alert recipient email")
	chat := fs.Int64("chat", 0, "alert recipient telegram chat id")
	_ = fs.Parse(args)
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return errors.New("track needs URL and an optional TARGET")
	}

	req := monitor.TrackRequest{URL: fs.Arg(0), OwnerEmail: *email, ChatID: *chat}
	if fs.NArg() == 2 {
		target, err := strconv.ParseFloat(fs.Arg(1), 64)
		if err != nil || target < 0 {
			return fmt.Errorf("invalid target price %q", fs.Arg(1))
		}
		req.TargetPrice = &target
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	it, err := a.Checker().Track(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("tracking #%d %s (%s) price=%s target=%s\n", it.ID, it.Name, it.Platform, price(it.CurrentPrice), price(it.TargetPrice))
	return nil
}

func check(ctx context.Context, cfg *config.Config, args []string) error {
	id, err := itemID("check", args)
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Checker().CheckNow(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("item %d not found", id)
	}
	if err != nil {
		return err
	}
	fmt.Printf("#%d price=%s\n", id, price(res.CurrentPrice))
	return nil
}

func untrack(ctx context.Context, cfg *config.Config, args []string) error {
	id, err := itemID("untrack", args)
	if err != nil {
		return err
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	err = a.Checker().Untrack(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("item %d not found", id)
	case errors.Is(err, monitor.ErrInactive):
		return fmt.Errorf("item %d is not tracked", id)
	case err != nil:
		return err
	}
	fmt.Printf("untracked #%d\n", id)
	return nil
}

func itemID(cmd string, args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%s needs an item ID", cmd)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid item id %q", args[0])
	}
	return id, nil
}

func price(p *float64) string {
	if p == nil {
		return "-"
	}
	return strconv.FormatFloat(*p, 'f', 2, 64)
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "fatal %s: %v\n", what, err)
	os.Exit(1)
}
