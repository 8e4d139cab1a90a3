// Command hostgated is the multi-tenant HTTP(S) reverse-proxy daemon
// described by SPEC_FULL.md: it loads a TOML configuration, publishes the
// first Routing Snapshot, opens its listeners, and serves until SIGINT or
// SIGTERM arrives. Reloads go through the Admin API's POST /api/reload, not
// a signal.
//
// The flag surface (--config, --dry-run, --verbose, --daemon, --pid-file,
// --log-file) and the cobra+pflag wiring are grounded on the teacher's
// cmd/cobra.go and cmd/commandfuncs.go (one root command, flags attached
// via a pflag.FlagSet, a CommandFunc returning an exit status).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hostgate/hostgate/internal/adminapi"
	"github.com/hostgate/hostgate/internal/config"
	"github.com/hostgate/hostgate/internal/logging"
	"github.com/hostgate/hostgate/internal/metrics"
	"github.com/hostgate/hostgate/internal/proxyengine"
	"github.com/hostgate/hostgate/internal/reload"
	"github.com/hostgate/hostgate/internal/server"
	"github.com/hostgate/hostgate/internal/tlsmgr"
)

// exit codes per SPEC_FULL.md §6: 0 success/validation-passed, 1
// validation or startup failure.
const (
	exitOK    = 0
	exitError = 1
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var (
		configPath string
		dryRun     bool
		verbose    bool
		daemon     bool
		pidFile    string
		logFile    string
	)

	root := &cobra.Command{
		Use:           "hostgated [static-dir]",
		Short:         "hostgate multi-tenant HTTP(S) reverse proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, cliArgs []string) error {
			var adHocStaticDir string
			if len(cliArgs) == 1 {
				adHocStaticDir = cliArgs[0]
			}
			return runDaemon(cmd.Context(), daemonOptions{
				configPath:     configPath,
				dryRun:         dryRun,
				verbose:        verbose,
				daemon:         daemon,
				pidFile:        pidFile,
				logFile:        logFile,
				adHocStaticDir: adHocStaticDir,
			})
		},
	}

	flags := root.Flags()
	flags.StringVar(&configPath, "config", "config.toml", "path to the TOML configuration file")
	flags.BoolVar(&dryRun, "dry-run", false, "validate the configuration and exit")
	flags.BoolVar(&verbose, "verbose", false, "enable debug-level logging")
	flags.BoolVar(&daemon, "daemon", false, "write a PID file to --pid-file; the process does not fork or detach")
	flags.StringVar(&pidFile, "pid-file", "", "path to write the process PID to when --daemon is set")
	flags.StringVar(&logFile, "log-file", "", "path to write JSON logs to instead of the console")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitError
	}
	return exitOK
}

// listenerIndirection forwards reload.ListenerManager calls to a target set
// after construction, breaking the Controller/Dispatcher construction cycle
// (see runDaemon).
type listenerIndirection struct {
	target reload.ListenerManager
}

func (l *listenerIndirection) OpenListener(ctx context.Context, port int) error {
	return l.target.OpenListener(ctx, port)
}

func (l *listenerIndirection) DrainListener(ctx context.Context, port int, grace time.Duration) error {
	return l.target.DrainListener(ctx, port, grace)
}

type daemonOptions struct {
	configPath     string
	dryRun         bool
	verbose        bool
	daemon         bool
	pidFile        string
	logFile        string
	adHocStaticDir string
}

func runDaemon(ctx context.Context, opts daemonOptions) error {
	log, err := logging.New(logging.Options{LogFile: opts.logFile, Verbose: opts.verbose})
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	logging.SetDefault(log)
	defer log.Sync() //nolint:errcheck

	rawTOML, err := loadConfigSource(opts.configPath, opts.adHocStaticDir)
	if err != nil {
		return err
	}

	file, err := config.Parse(rawTOML)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	issues := config.Validate(file)
	for _, issue := range issues {
		if issue.Severity.String() == "error" {
			log.Error("config validation error", zap.String("issue", issue.Error()))
		} else {
			log.Warn("config validation warning", zap.String("issue", issue.Error()))
		}
	}
	if config.HasErrors(issues) {
		return fmt.Errorf("configuration failed validation")
	}
	if opts.dryRun {
		log.Info("configuration valid")
		return nil
	}

	if opts.daemon && opts.pidFile != "" {
		if err := writePIDFile(opts.pidFile); err != nil {
			return fmt.Errorf("writing pid file: %w", err)
		}
		defer os.Remove(opts.pidFile)
	}

	m := metrics.New()
	tlsManager := tlsmgr.New(filepath.Join(filepath.Dir(opts.configPath), "certs"), log.Named("tlsmgr"))
	engine := proxyengine.New(proxyengine.DefaultConfig(), log.Named("proxyengine"), m)

	// The Reload Controller needs a ListenerManager (the Dispatcher) and the
	// Dispatcher needs a SnapshotSource (the Controller) — a genuine cycle,
	// since each is the other's collaborator. listenerIndirection breaks it:
	// the Controller is built against a forwarding shim whose target is
	// filled in once the Dispatcher actually exists.
	const drainGrace = 10 * time.Second
	var lm listenerIndirection
	controller := reload.New(&lm, drainGrace, log.Named("reload"), m)

	reloadFunc := adminapi.ReloadFunc(func(raw []byte) (string, []int, []int, error) {
		res, err := controller.Reload(context.Background(), raw)
		if err != nil {
			return "", nil, nil, err
		}
		return res.Version, res.PortsOpened, res.PortsDrained, nil
	})
	admin := adminapi.New(controller, reloadFunc, log.Named("adminapi"))

	dispatcher := server.New(controller, engine, tlsManager, admin, tlsManager.ChallengeHandler(), log.Named("server"), m)
	lm.target = dispatcher

	if _, err := controller.Reload(ctx, rawTOML); err != nil {
		return fmt.Errorf("initial reload: %w", err)
	}

	for _, site := range file.Sites {
		if site.SSL != nil {
			if err := tlsManager.EnsureSite(site.Name, site.Hostname, site.Hostnames, site.SSL); err != nil {
				log.Error("failed to configure TLS for site", zap.String("site", site.Name), zap.Error(err))
			}
		}
	}

	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()
	go tlsManager.RunScheduler(schedCtx)

	log.Info("hostgated started", zap.String("config", opts.configPath))
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func loadConfigSource(configPath, adHocStaticDir string) ([]byte, error) {
	if adHocStaticDir != "" {
		return []byte(fmt.Sprintf(`
[[site]]
name = "adhoc"
hostname = "localhost"
port = 8080
default = true
static_dir = %q
`, adHocStaticDir)), nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", configPath, err)
	}
	return data, nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}
