// Taskchime is a macOS daemon that keeps Apple Reminders notifications in
// sync with the user's task list: one reminder per due task, scheduled ahead
// of the due time, plus optional daily digest and weekly check-in reminders.
//
// Usage:
//
//	taskchime daemon [--config <path>]      # run the sync engine continuously
//	taskchime sync-once [--config <path>]   # single reconciliation pass then exit
//	taskchime status                        # show daemon, config, and map state
//	taskchime install                       # install binary + launchd agent
//	taskchime uninstall [--purge]           # stop daemon and remove files
//	taskchime version                       # print version
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/taskchime/taskchime/internal/backend"
	"github.com/taskchime/taskchime/internal/config"
	"github.com/taskchime/taskchime/internal/engine"
	"github.com/taskchime/taskchime/internal/mapstore"
	"github.com/taskchime/taskchime/internal/policy"
	"github.com/taskchime/taskchime/internal/repository"
	"github.com/taskchime/taskchime/internal/setup"
	"github.com/taskchime/taskchime/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "daemon":
		return runSync(os.Args[2:], true)
	case "sync-once":
		return runSync(os.Args[2:], false)
	case "status":
		return runStatus()
	case "install":
		return runInstall()
	case "uninstall":
		return runUninstall(os.Args[2:])
	case "version":
		fmt.Println("taskchime", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q — run 'taskchime' for usage", cmd)
	}
}

// printUsage shows help and points at the config path if none exists yet.
func printUsage() error {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "Taskchime — task reminders through Apple Reminders")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  taskchime daemon [--config ...]     Run the sync engine continuously")
	fmt.Fprintln(os.Stderr, "  taskchime sync-once [--config ...]  Single reconciliation pass then exit")
	fmt.Fprintln(os.Stderr, "  taskchime status                    Show daemon, config, and map state")
	fmt.Fprintln(os.Stderr, "  taskchime install                   Install binary and launchd agent")
	fmt.Fprintln(os.Stderr, "  taskchime uninstall [--purge]       Stop daemon and remove files")
	fmt.Fprintln(os.Stderr, "  taskchime version                   Print version")
	fmt.Fprintln(os.Stderr, "")

	if cfgErr != nil {
		fmt.Fprintf(os.Stderr, "No config file found. Create one at %s to get started.\n", cfgPath)
	}

	os.Exit(1)
	return nil // unreachable
}

// --- Subcommands -------------------------------------------------------------

// runSync handles both "daemon" and "sync-once" subcommands.
func runSync(args []string, daemon bool) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return startSync(*cfgPath, *verbose, daemon)
}

// runStatus prints the current daemon and configuration state.
func runStatus() error {
	cfgPath, _ := config.DefaultPath()
	homeDir, _ := os.UserHomeDir()

	fmt.Println("Taskchime Status")
	fmt.Println("────────────────")

	if setup.IsDaemonLoaded() {
		fmt.Println("  Daemon:    running (launchd)")
	} else {
		fmt.Println("  Daemon:    not loaded")
	}

	var cfg *config.Config
	if _, err := os.Stat(cfgPath); err == nil {
		loaded, loadErr := config.Load(cfgPath)
		if loadErr == nil {
			cfg = loaded
			fmt.Printf("  Config:    %s ✓\n", cfgPath)
			fmt.Printf("  User:      %s\n", cfg.UserID)
			fmt.Printf("  Lead:      %s before due\n", cfg.LeadTime)
			fmt.Printf("  Poll:      %s\n", cfg.PollInterval)
			if cfg.Storage.PostgresDSN != "" {
				fmt.Println("  Storage:   postgres")
			} else {
				fmt.Println("  Storage:   sqlite")
			}
		} else {
			fmt.Printf("  Config:    %s (invalid: %v)\n", cfgPath, loadErr)
		}
	} else {
		fmt.Printf("  Config:    not found (%s)\n", cfgPath)
	}

	// Reminder map summary, best effort from the preference record.
	if cfg != nil {
		if snap, err := loadMapSnapshot(cfg); err == nil {
			fmt.Printf("  Tracked:   %d task reminder(s)\n", len(snap.TaskNotifications))
			fmt.Printf("  Digest:    %s\n", standingState(snap.DailyDigest))
			fmt.Printf("  Check-in:  %s\n", standingState(snap.WeeklyCheckIn))
		} else {
			fmt.Printf("  Map:       unavailable (%v)\n", err)
		}
	}

	fmt.Printf("  Logs:      %s\n", setup.LogDir(homeDir))
	return nil
}

// loadMapSnapshot opens the configured repository read-only and loads the
// persisted reminder map.
func loadMapSnapshot(cfg *config.Config) (mapstore.Map, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return mapstore.Map{}, err
	}
	defer repo.Close()

	store := mapstore.New(repo, cfg.UserID, slog.Default())
	if err := store.Load(ctx); err != nil {
		return mapstore.Map{}, err
	}
	return store.Snapshot(), nil
}

func standingState(cfg mapstore.StandingConfig) string {
	if !cfg.Enabled {
		return "disabled"
	}
	when := fmt.Sprintf("%02d:%02d", cfg.Hour, cfg.Minute)
	if cfg.Weekday != nil {
		when = fmt.Sprintf("%s %s", time.Weekday(*cfg.Weekday), when)
	}
	if cfg.ID == "" {
		return fmt.Sprintf("enabled at %s (not scheduled)", when)
	}
	return fmt.Sprintf("enabled at %s", when)
}

// runInstall copies the binary to /usr/local/bin and registers the launchd
// agent so the daemon starts at login.
func runInstall() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	fmt.Println("Installing Taskchime...")

	if err := setup.InstallBinary(); err != nil {
		return fmt.Errorf("installing binary: %w", err)
	}
	fmt.Printf("  ✓ Binary installed to %s\n", setup.BinaryInstallPath())

	if err := setup.CreateLogDir(homeDir); err != nil {
		return err
	}
	if err := setup.WritePlist(homeDir); err != nil {
		return err
	}
	fmt.Printf("  ✓ Launch agent written to %s\n", setup.PlistPath(homeDir))

	if err := setup.LoadDaemon(homeDir); err != nil {
		return fmt.Errorf("loading daemon: %w", err)
	}
	fmt.Println("  ✓ Daemon loaded")
	fmt.Println("")
	fmt.Println("✓ Taskchime installed. Check 'taskchime status'.")
	return nil
}

// runUninstall stops the daemon and removes installed files.
func runUninstall(args []string) error {
	fs := flag.NewFlagSet("uninstall", flag.ExitOnError)
	purge := fs.Bool("purge", false, "also remove config, local database, and logs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	fmt.Println("Uninstalling Taskchime...")

	if setup.IsDaemonLoaded() {
		fmt.Println("  Unloading daemon...")
		if err := setup.UnloadDaemon(homeDir); err != nil {
			fmt.Printf("  ⚠ %v\n", err)
		} else {
			fmt.Println("  ✓ Daemon unloaded")
		}
	}

	if err := setup.RemovePlist(homeDir); err != nil {
		fmt.Printf("  ⚠ %v\n", err)
	} else {
		fmt.Println("  ✓ Launch agent removed")
	}

	fmt.Println("  Removing binary...")
	if err := setup.RemoveBinary(); err != nil {
		fmt.Printf("  ⚠ %v\n", err)
	} else {
		fmt.Println("  ✓ Binary removed")
	}

	if *purge {
		fmt.Println("  Purging config, local database, and logs...")
		if err := setup.PurgeUserData(homeDir); err != nil {
			fmt.Printf("  ⚠ %v\n", err)
		} else {
			fmt.Println("  ✓ User data purged")
		}
	} else {
		fmt.Println("")
		fmt.Println("  Config and local database preserved.")
		fmt.Println("  Run with --purge to also remove them:")
		fmt.Println("    taskchime uninstall --purge")
	}

	fmt.Println("")
	fmt.Println("✓ Taskchime uninstalled.")
	return nil
}

// --- Sync core ---------------------------------------------------------------

// startSync is the shared implementation for daemon and sync-once modes.
func startSync(cfgPath string, verbose, daemon bool) error {
	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", cfgPath, err)
	}
	logger.Info("config loaded",
		"user", cfg.UserID,
		"lead_time", cfg.LeadTime,
		"poll_interval", cfg.PollInterval,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Repository ----------------------------------------------------------

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("closing repository", "error", closeErr)
		}
	}()

	// --- Notification backend ------------------------------------------------

	logger.Info("initialising Apple Reminders backend (may trigger permissions prompt)…")
	be, err := backend.NewEventKitAdapter(cfg.Backend.ListName, logger)
	if err != nil && strings.Contains(err.Error(), "access denied") {
		// macOS has denied Reminders access (TCC). Open System Settings to the
		// correct privacy page so the user can flip the switch, then retry once.
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "⚠️  Reminders access is denied.")
		fmt.Fprintln(os.Stderr, "   Opening System Settings → Privacy & Security → Reminders…")
		_ = exec.Command("open", "x-apple.systempreferences:com.apple.preference.security?Privacy_Reminders").Start()
		fmt.Fprint(os.Stderr, "   Press Enter after granting access to retry: ")
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		be, err = backend.NewEventKitAdapter(cfg.Backend.ListName, logger)
	}
	if err != nil {
		return fmt.Errorf("initialising Reminders backend: %w", err)
	}
	logger.Info("Reminders backend ready", "list", cfg.Backend.ListName)

	// --- Map store + engine --------------------------------------------------

	store := mapstore.New(repo, cfg.UserID, logger)
	if err := store.Load(ctx); err != nil {
		return fmt.Errorf("loading reminder map: %w", err)
	}

	eng := engine.New(policy.New(cfg.LeadTime), be, store, repo, cfg.UserID, logger)

	// --- Dispatch mode -------------------------------------------------------

	if !daemon {
		logger.Info("running single reconciliation pass")
		stats := eng.ReconcileAll(ctx)
		logger.Info("reconciliation complete",
			"candidates", stats.Candidates,
			"scheduled", stats.Scheduled,
			"cancelled", stats.Cancelled,
			"failed", stats.Failed,
		)
		return ctx.Err()
	}

	logger.Info("daemon starting", "poll_interval", cfg.PollInterval)
	eng.Run(ctx, cfg.PollInterval)
	if err := context.Cause(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// openRepository picks the repository implementation from the storage block:
// hosted Postgres when a DSN is configured, local SQLite otherwise.
func openRepository(ctx context.Context, cfg *config.Config) (repository.Repository, error) {
	if cfg.Storage.PostgresDSN != "" {
		repo, err := repository.NewPostgres(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("connecting to Postgres: %w", err)
		}
		return repo, nil
	}

	path := cfg.Storage.SQLitePath
	if path == "" {
		var err error
		path, err = repository.DefaultSQLitePath()
		if err != nil {
			return nil, fmt.Errorf("resolving database path: %w", err)
		}
	}
	repo, err := repository.OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("opening database at %q: %w", path, err)
	}
	return repo, nil
}
