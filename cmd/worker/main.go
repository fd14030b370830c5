package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/jwalitptl/homecare-billing/internal/config"
	"github.com/jwalitptl/homecare-billing/internal/handler/health"
	"github.com/jwalitptl/homecare-billing/internal/handler/jobs"
	promhandler "github.com/jwalitptl/homecare-billing/internal/handler/prometheus"
	"github.com/jwalitptl/homecare-billing/internal/handler/webhooks"
	"github.com/jwalitptl/homecare-billing/internal/middleware"
	"github.com/jwalitptl/homecare-billing/internal/repository/postgres"
	"github.com/jwalitptl/homecare-billing/internal/router"
	"github.com/jwalitptl/homecare-billing/internal/worker"
	"github.com/jwalitptl/homecare-billing/pkg/auth"
	"github.com/jwalitptl/homecare-billing/pkg/logger"
)

const usage = `Usage: worker <command> [flags]

Jobs:
  snapshot            record yesterday's financial snapshot
  recurring           renew and charge finished recurring bookings
  payouts [frequency] pay contractors due today (weekly, biweekly, monthly)
  webhooks:retry      replay queued gateway webhooks
  webhooks:cleanup    purge finished webhooks past retention
  clockout            clock out shifts past their scheduled end

Service:
  serve               run the HTTP API and, if enabled, the scheduler
  migrate             apply the database schema
  token               issue an operator token (password read from stdin)
  hash-password       print a bcrypt hash of the password read from stdin

Flags:
`

type cliFlags struct {
	dryRun      bool
	force       bool
	limit       int
	days        int
	date        string
	skipGateway bool
	operator    string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var f cliFlags
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&f.dryRun, "dry-run", false, "report what would happen without writing or calling the gateway")
	fs.BoolVar(&f.force, "force", false, "run payouts even when the frequency is not due today")
	fs.IntVar(&f.limit, "limit", 0, "maximum number of items to handle")
	fs.IntVar(&f.days, "days", 0, "webhook retention in days for webhooks:cleanup")
	fs.StringVar(&f.date, "date", "", "snapshot date as YYYY-MM-DD (default yesterday)")
	fs.BoolVar(&f.skipGateway, "skip-gateway", false, "snapshot without reconciling against the gateway balance")
	fs.StringVar(&f.operator, "operator", "", "operator name for the token command")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 1
	}
	command, rest := fs.Arg(0), fs.Args()[1:]

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if command == "hash-password" {
		return hashPassword(stdin, stdout, stderr)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return 1
	}

	switch command {
	case "serve":
		log := newLogger(cfg, cfg.App.LogJSON)
		if err := serve(ctx, cfg, log); err != nil {
			log.Error(err, "Service stopped with error")
			return 1
		}
		return 0
	case "migrate":
		return migrate(ctx, cfg, newLogger(cfg, false))
	case "token":
		return issueToken(cfg, f.operator, stdin, stdout, stderr)
	}

	log := newLogger(cfg, false)
	opts, err := f.options(cfg, rest)
	if err != nil {
		log.Error(err, "Invalid arguments")
		return 1
	}
	return runJob(ctx, cfg, log, command, opts, stdout)
}

func (f cliFlags) options(cfg *config.Config, rest []string) (worker.Options, error) {
	opts := worker.Options{
		DryRun:      f.dryRun,
		Force:       f.force,
		Limit:       f.limit,
		Days:        f.days,
		SkipGateway: f.skipGateway,
	}
	if f.limit < 0 || f.days < 0 {
		return opts, errors.New("--limit and --days must not be negative")
	}
	if f.date != "" {
		d, err := time.ParseInLocation("2006-01-02", f.date, cfg.Location())
		if err != nil {
			return opts, fmt.Errorf("invalid --date %q: %w", f.date, err)
		}
		opts.Date = &d
	}
	if len(rest) > 0 {
		opts.Frequency = strings.ToLower(rest[0])
	}
	return opts, nil
}

// runJob exits 0 whenever the job ran to completion, even with item
// failures; those are in the summary.
func runJob(ctx context.Context, cfg *config.Config, log *logger.Logger, name string, opts worker.Options, stdout io.Writer) int {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error(err, "Failed to start")
		return 1
	}
	defer a.Close()

	if !a.runner.Has(name) {
		log.Error(worker.ErrUnknownJob, "Unknown command", "command", name, "jobs", strings.Join(a.runner.Names(), ", "))
		return 1
	}

	summary, err := a.runner.Run(ctx, name, opts)
	if errors.Is(err, worker.ErrJobRunning) {
		log.Warn("Another run holds the lock, nothing to do", "job", name)
		return 0
	}
	if err != nil {
		log.Error(err, "Job failed", "job", name)
		return 1
	}
	if err := summary.Render(stdout); err != nil {
		log.Error(err, "Failed to write summary")
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	checks := []health.Checker{health.CheckFunc("database", a.db.PingContext)}
	if a.redis != nil {
		checks = append(checks, health.CheckFunc("redis", a.redis.Ping))
	}

	handlers := router.Handlers{
		Health:  health.NewHandler(checks...),
		Metrics: promhandler.New(nil),
	}
	if cfg.Secrets.WebhookSigningKey != "" {
		handlers.Webhooks = webhooks.NewHandler(webhooks.Config{
			SigningKey:  cfg.Secrets.WebhookSigningKey,
			Tolerance:   cfg.Gateway.WebhookTolerance,
			MaxAttempts: cfg.Webhooks.MaxAttempts,
		}, a.deps.Registry, a.deps.Webhooks, log, a.metrics)
	} else {
		log.Warn("HOMECARE_WEBHOOK_SIGNING_KEY not set, webhook receiver disabled")
	}

	var authMW *middleware.AuthMiddleware
	if cfg.Secrets.JWTSecret != "" {
		jwt, err := auth.NewJWTService(cfg.Secrets.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenExpiry)
		if err != nil {
			return err
		}
		authMW = middleware.NewAuthMiddleware(jwt)
		handlers.Jobs = jobs.NewHandler(a.runner, cfg.Location(), log)
	} else {
		log.Warn("HOMECARE_JWT_SECRET not set, admin routes disabled")
	}

	r := router.NewRouter(handlers, authMW, log, a.metrics, router.RouterConfig{MaxBodySize: middleware.DefaultMaxBodySize})
	r.Setup()

	timeout := time.Duration(cfg.Server.TimeoutSeconds) * time.Second
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           r.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout,
	}

	done := make(chan struct{})
	if cfg.Scheduler.Enabled {
		scheduler := worker.NewScheduler(a.runner, cfg.Scheduler.Intervals, log)
		go func() {
			defer close(done)
			scheduler.Start(ctx)
		}()
	} else {
		close(done)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "addr", srv.Addr, "scheduler", cfg.Scheduler.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "HTTP server shutdown failed")
	}
	<-done
	return nil
}

func migrate(ctx context.Context, cfg *config.Config, log *logger.Logger) int {
	db, err := openDB(cfg)
	if err != nil {
		log.Error(err, "Failed to connect to database")
		return 1
	}
	defer db.Close()

	applied, err := postgres.Migrate(ctx, db)
	if err != nil {
		log.Error(err, "Migration failed")
		return 1
	}
	log.Info("Schema up to date", "files", strings.Join(applied, ", "))
	return 0
}

func readPassword(stdin io.Reader) (string, error) {
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func issueToken(cfg *config.Config, operator string, stdin io.Reader, stdout, stderr io.Writer) int {
	if operator == "" {
		fmt.Fprintln(stderr, "--operator is required")
		return 1
	}
	password, err := readPassword(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to read password: %v\n", err)
		return 1
	}
	if err := auth.NewBcryptHasher(0).Compare(cfg.Auth.OperatorPasswordHash, password); err != nil {
		fmt.Fprintln(stderr, "Invalid credentials")
		return 1
	}

	jwt, err := auth.NewJWTService(cfg.Secrets.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenExpiry)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to issue token: %v\n", err)
		return 1
	}
	token, err := jwt.GenerateToken(operator)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to issue token: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func hashPassword(stdin io.Reader, stdout, stderr io.Writer) int {
	password, err := readPassword(stdin)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to read password: %v\n", err)
		return 1
	}
	hash, err := auth.NewBcryptHasher(12).Hash(password)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to hash password: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, hash)
	return 0
}
