package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/example/schema-migrator/internal/config"
	"github.com/example/schema-migrator/internal/lock"
	"github.com/example/schema-migrator/internal/logging"
	"github.com/example/schema-migrator/internal/migration"
	"github.com/example/schema-migrator/internal/persistence/postgres"
	"github.com/example/schema-migrator/internal/persistence/sqldb"
	"github.com/example/schema-migrator/internal/persistence/sqlite"
	"github.com/example/schema-migrator/internal/telemetry"
)

const defaultEnvFile = ".env"

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	envPath    string
	dir        string
	driver     string
	dsn        string
	table      string
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("migrator", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() { printUsage(stderr, flags) }

	var opts options
	flags.StringVar(&opts.configPath, "config", "", "configuration file (yaml, json or toml)")
	flags.StringVar(&opts.envPath, "env", defaultEnvFile, "dotenv file loaded before configuration")
	flags.StringVar(&opts.dir, "dir", "", "migrations directory (overrides configuration)")
	flags.StringVar(&opts.driver, "driver", "", "database driver: sqlite or postgres (overrides configuration)")
	flags.StringVar(&opts.dsn, "dsn", "", "database DSN (overrides configuration)")
	flags.StringVar(&opts.table, "table", "", "ledger table name (overrides configuration)")

	if err := flags.Parse(args); err != nil {
		return errUsage
	}
	if flags.NArg() == 0 {
		printUsage(stderr, flags)
		return errUsage
	}
	command, commandArgs := flags.Arg(0), flags.Args()[1:]
	if _, ok := commands[command]; !ok {
		fmt.Fprintf(stderr, "unknown command: %s\n\n", command)
		printUsage(stderr, flags)
		return errUsage
	}

	if err := loadDotEnv(opts.envPath); err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, err := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	ctx = logging.ContextWithLogger(ctx, logger)

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	// Mutating commands hold the run lock from before the ledger is loaded
	// until the database is closed.
	cmd := commands[command]
	if cmd.mutates {
		locker, closeLocker, err := openLocker(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeLocker()
		release, err := locker.Acquire(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := release(context.Background()); err != nil {
				logger.Error("failed to release run lock", "error", err)
			}
		}()
	}

	adapter, db, err := openAdapter(ctx, cfg)
	if err != nil {
		logger.Error("failed to open database", "driver", cfg.Driver, "error", err)
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Error("failed to close database", "error", cerr)
		}
	}()

	engine, err := migration.NewEngine(
		migration.WithTableName(cfg.TableName),
		migration.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if _, err := engine.Discover(ctx, cfg.MigrationsDir); err != nil {
		return err
	}
	if err := engine.Connect(ctx, adapter); err != nil {
		return err
	}

	if err := cmd.run(ctx, engine, commandArgs, stdout); err != nil {
		if !errors.Is(err, errUsage) {
			logger.Error("command failed", "command", command, "error", err, "error_kind", migration.ErrorKind(err))
		}
		return err
	}
	return nil
}

type command struct {
	summary string
	mutates bool
	run     func(ctx context.Context, engine *migration.Engine, args []string, out io.Writer) error
}

var commands = map[string]command{
	"up":     {summary: "apply all pending migrations", mutates: true, run: runUp},
	"down":   {summary: "roll back the last migration (-n N for more)", mutates: true, run: runDown},
	"to":     {summary: "migrate up or down to <id>", mutates: true, run: runTo},
	"status": {summary: "show applied and pending counts", run: runStatus},
	"plan":   {summary: "list pending migrations without applying them", run: runPlan},
	"verify": {summary: "check applied migrations against their definitions", run: runVerify},
}

func runUp(ctx context.Context, engine *migration.Engine, _ []string, out io.Writer) error {
	applied, err := engine.RunPending(ctx, func(rec *migration.Record) {
		fmt.Fprintf(out, "Applied: %s\n", rec.Name())
	})
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "No pending migrations")
	}
	return nil
}

func runDown(ctx context.Context, engine *migration.Engine, args []string, out io.Writer) error {
	flags := flag.NewFlagSet("down", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	steps := flags.Int("n", 1, "number of migrations to roll back")
	if err := flags.Parse(args); err != nil || *steps < 1 {
		fmt.Fprintln(out, "usage: migrator down [-n N]")
		return errUsage
	}

	for i := 0; i < *steps; i++ {
		rec, err := engine.RollbackLast(ctx)
		if err != nil {
			return err
		}
		if rec == nil {
			if i == 0 {
				fmt.Fprintln(out, "Nothing to roll back")
			}
			return nil
		}
		fmt.Fprintf(out, "Rolled back: %s\n", rec.Name())
	}
	return nil
}

func runTo(ctx context.Context, engine *migration.Engine, args []string, out io.Writer) error {
	if len(args) != 1 {
		fmt.Fprintln(out, "usage: migrator to <id>")
		return errUsage
	}
	changed, err := engine.MigrateTo(ctx, args[0], func(rec *migration.Record) {
		if rec.Status() == migration.StatusRolledBack {
			fmt.Fprintf(out, "Rolled back: %s\n", rec.Name())
			return
		}
		fmt.Fprintf(out, "Applied: %s\n", rec.Name())
	})
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		fmt.Fprintf(out, "Already at %s\n", args[0])
	}
	return nil
}

func runStatus(_ context.Context, engine *migration.Engine, _ []string, out io.Writer) error {
	summary := engine.Status()
	last := summary.LastApplied
	if last == "" {
		last = "-"
	}
	fmt.Fprintf(out, "Total: %d\nApplied: %d\nPending: %d\nLast applied: %s\n",
		summary.Total, summary.Applied, summary.Pending, last)

	for _, rec := range engine.Records() {
		line := fmt.Sprintf("  [%s] %s", rec.Status(), rec.ID())
		if !rec.AppliedAt().IsZero() {
			line += " (" + rec.AppliedAt().Format("2006-01-02 15:04:05") + ")"
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runPlan(_ context.Context, engine *migration.Engine, _ []string, out io.Writer) error {
	pending := engine.Plan()
	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending migrations")
		return nil
	}
	for _, rec := range pending {
		fmt.Fprintf(out, "Pending: %s (%s)\n", rec.ID(), rec.Name())
	}
	return nil
}

func runVerify(ctx context.Context, engine *migration.Engine, _ []string, out io.Writer) error {
	report := engine.Verify(ctx)
	for _, m := range report.Mismatches {
		fmt.Fprintf(out, "Modified: %s\n", m.ID)
	}
	for _, orphan := range report.Orphans {
		fmt.Fprintf(out, "Missing definition: %s\n", orphan.ID)
	}
	if err := report.Err(); err != nil {
		return err
	}
	fmt.Fprintln(out, "OK")
	return nil
}

// loadDotEnv loads path into the environment without overriding variables
// that are already set. A missing default file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if path == defaultEnvFile && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.dir != "" {
		cfg.MigrationsDir = opts.dir
	}
	if opts.driver != "" {
		cfg.Driver = opts.driver
	}
	if opts.dsn != "" {
		cfg.DSN = opts.dsn
	}
	if opts.table != "" {
		cfg.TableName = opts.table
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func openAdapter(ctx context.Context, cfg config.Config) (*sqldb.Adapter, *sql.DB, error) {
	switch strings.ToLower(cfg.Driver) {
	case "postgres":
		return postgres.Connect(ctx, cfg.DSN)
	case "sqlite":
		sc := sqlite.DefaultConfig(cfg.DSN)
		sc.BusyTimeout = cfg.SQLite.BusyTimeout
		sc.JournalMode = cfg.SQLite.JournalMode
		sc.EnableForeignKeys = cfg.SQLite.ForeignKeys
		if cfg.DSN == ":memory:" {
			sc.JournalMode = "MEMORY"
		}
		return sqlite.Connect(ctx, sc)
	default:
		return nil, nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
}

// openLocker is replaced in tests.
var openLocker = newLocker

// newLocker returns the Redis run lock when one is configured, or a no-op lock.
func newLocker(ctx context.Context, cfg config.Config, logger *slog.Logger) (lock.Locker, func(), error) {
	if cfg.Lock.RedisAddr == "" {
		return lock.Noop{}, func() {}, nil
	}
	locker, err := lock.NewRedisLocker(ctx, cfg.Lock.RedisAddr, cfg.Lock.Key, cfg.Lock.TTL)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("run lock enabled", "redis_addr", cfg.Lock.RedisAddr, "key", cfg.Lock.Key)
	return locker, func() {
		if err := locker.Close(); err != nil {
			logger.Error("failed to close lock client", "error", err)
		}
	}, nil
}

func printUsage(w io.Writer, flags *flag.FlagSet) {
	fmt.Fprintln(w, "usage: migrator [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, name := range []string{"up", "down", "to", "status", "plan", "verify"} {
		fmt.Fprintf(w, "  %-7s %s\n", name, commands[name].summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "flags:")
	flags.PrintDefaults()
}
