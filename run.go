// Package privaxy ties together the Configuration, CA, Filter-List Manager,
// Proxy Engine and management API into the single running process described
// by §6: command-line parsing, logging setup, startup, and the
// signal-driven graceful-shutdown sequence.
package privaxy

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stamatisl/privaxy/framework/config"
	"github.com/stamatisl/privaxy/framework/hooks"
	"github.com/stamatisl/privaxy/framework/log"
	"github.com/stamatisl/privaxy/internal/ca"
	"github.com/stamatisl/privaxy/internal/eventbus"
	"github.com/stamatisl/privaxy/internal/filterlist"
	"github.com/stamatisl/privaxy/internal/pconfig"
	"github.com/stamatisl/privaxy/internal/proxy"
	"github.com/stamatisl/privaxy/internal/rewrite"
	"github.com/stamatisl/privaxy/internal/scriptlet"
	"github.com/stamatisl/privaxy/internal/webapi"
)

// Exit codes per §6.
const (
	ExitOK            = 0
	ExitConfigInvalid = 1
	ExitBindFailed    = 2
	ExitCAFailed      = 3
)

// Run is the entry point for all privaxy code: flag parsing, logging setup,
// configuration load, module startup, and the blocking wait for a shutdown
// signal. It returns a process exit code rather than calling os.Exit
// directly, so cmd/privaxy/main.go stays a thin wrapper.
func Run() int {
	flag.BoolVar(&log.DefaultLogger.Debug, "debug", false, "enable debug logging early")

	defaultConfigDir := DefaultConfigDir
	if env := os.Getenv("PRIVAXY_CONFIG_DIR"); env != "" {
		defaultConfigDir = env
	}

	var (
		configDir    = flag.String("config-dir", defaultConfigDir, "path to the configuration directory")
		logTargets   = flag.String("log", "stderr", "comma-separated log target(s): stderr, stderr_ts, syslog, off, or a file path")
		printVersion = flag.Bool("v", false, "print version and build metadata, then exit")
	)
	flag.Parse()

	if len(flag.Args()) != 0 {
		fmt.Println("usage:", os.Args[0], "[options]")
		return ExitConfigInvalid
	}
	if *printVersion {
		fmt.Println("privaxy", BuildInfo())
		return ExitOK
	}

	var err error
	log.DefaultLogger.Out, err = LogOutputOption(strings.Split(*logTargets, ","))
	if err != nil {
		log.Println(err)
		return ExitConfigInvalid
	}
	hooks.AddHook(hooks.EventLogRotate, reinitLogging)

	config.Dir = *configDir
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		log.Println("failed to create config-dir:", err)
		return ExitConfigInvalid
	}

	if err := moduleMain(); err != nil {
		log.Println(err)
		return exitCodeFor(err)
	}
	return ExitOK
}

// errCALoad marks a moduleMain failure as CA-specific so exitCodeFor can
// report ExitCAFailed instead of the generic ExitConfigInvalid (§6).
type errCALoad struct{ cause error }

func (e *errCALoad) Error() string { return "ca: " + e.cause.Error() }
func (e *errCALoad) Unwrap() error { return e.cause }

// errBindFailed marks a moduleMain failure as a listener-bind failure so
// exitCodeFor can report ExitBindFailed (§6).
var errBindFailed = errors.New("bind failed")

func exitCodeFor(err error) int {
	var caErr *errCALoad
	switch {
	case errors.As(err, &caErr):
		return ExitCAFailed
	case errors.Is(err, errBindFailed), os.IsPermission(err), os.IsNotExist(err):
		return ExitBindFailed
	default:
		return ExitConfigInvalid
	}
}

func moduleMain() error {
	cfg, err := pconfig.Load(config.Dir)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := pconfig.Validate(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfgStore := pconfig.NewStore(cfg)

	root, err := ca.Load(ca.Config{
		CertPath:     filepath.Join(config.Dir, cfg.CAPath, "cert.pem"),
		KeyPath:      filepath.Join(config.Dir, cfg.CAPath, "key.pem"),
		LeafValidity: time.Duration(cfg.LeafValidity),
		MinLeafBits:  cfg.TLSMinLeafBits,
		Logger:       log.Logger{Name: "ca", Debug: log.DefaultLogger.Debug},
	})
	if err != nil {
		systemdStatusErr(err)
		return &errCALoad{cause: err}
	}
	root.WatchDisk(filepath.Join(config.Dir, cfg.CAPath, "cert.pem"), filepath.Join(config.Dir, cfg.CAPath, "key.pem"))

	scriptlets := scriptlet.NewRegistry()
	scriptlets.LoadDefaults()

	filtersLog := log.Logger{Name: "filterlist", Debug: log.DefaultLogger.Debug}
	filters, err := filterlist.NewManager(filepath.Join(config.Dir, "filters"), time.Duration(cfg.FilterListRefreshInterval), filtersLog)
	if err != nil {
		return fmt.Errorf("filterlist: %w", err)
	}
	// Sources are registered in map iteration order, remote ones first. The
	// Rule Index breaks resolution ties between bundles by this registration
	// order; it does not follow the order of enabled-filters.
	for id, url := range cfg.RemoteFilterSources {
		enabled := contains(cfg.EnabledFilters, id) || len(cfg.EnabledFilters) == 0
		if err := filters.AddSource(filterlist.Source{ID: id, URL: url, Enabled: enabled}); err != nil {
			filtersLog.Error("failed to register filter source", err, "id", id)
		}
	}
	for id, path := range cfg.LocalFilterSources {
		enabled := contains(cfg.EnabledFilters, id) || len(cfg.EnabledFilters) == 0
		if err := filters.AddSource(filterlist.Source{ID: id, Path: path, Enabled: enabled}); err != nil {
			filtersLog.Error("failed to register filter source", err, "id", id)
		}
	}

	bus := eventbus.NewBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := filters.Start(ctx); err != nil {
		return fmt.Errorf("filterlist: start: %w", err)
	}

	excluded := exclusionMatcher(cfg.MitmExclusions)
	pipeline := rewrite.NewPipeline(filters.Store(), scriptlets, bus)
	engine := proxy.NewEngine(root, pipeline, excluded, log.Logger{Name: "proxy", Debug: log.DefaultLogger.Debug})
	engine.ProxyProto = cfg.ProxyProtocol

	proxyListener, err := listenBind(cfg.ProxyBind)
	if err != nil {
		systemdStatusErr(err)
		return fmt.Errorf("proxy: listen %s: %w: %w", cfg.ProxyBind, errBindFailed, err)
	}
	go func() {
		log.Println("proxy: listening on", cfg.ProxyBind)
		if err := engine.Serve(ctx, proxyListener); err != nil {
			log.Println("proxy: serve exited:", err)
		}
	}()

	webListener, err := listenBind(cfg.WebBind)
	if err != nil {
		systemdStatusErr(err)
		return fmt.Errorf("webapi: listen %s: %w: %w", cfg.WebBind, errBindFailed, err)
	}
	api := webapi.New(filters, cfgStore, root, bus, log.Logger{Name: "webapi", Debug: log.DefaultLogger.Debug})
	if err := api.Serve(ctx, webListener, cfg.WebBindTLS); err != nil {
		systemdStatusErr(err)
		return fmt.Errorf("%w: %w", errBindFailed, err)
	}

	systemdStatus(SDReady, "Listening for incoming connections...")
	handleSignals()
	systemdStatus(SDStopping, "Waiting for running transactions to complete...")

	cancel()
	engine.Shutdown(30 * time.Second)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	api.Shutdown(shutdownCtx)

	hooks.RunHooks(hooks.EventShutdown)
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// exclusionMatcher builds a proxy.ExclusionMatcher from the configured
// mitm-exclusions host list (exact hostnames and "*.suffix" wildcards).
func exclusionMatcher(excluded []string) proxy.ExclusionMatcher {
	exact := make(map[string]bool, len(excluded))
	var suffixes []string
	for _, h := range excluded {
		if strings.HasPrefix(h, "*.") {
			suffixes = append(suffixes, h[1:]) // keep the leading dot
		} else {
			exact[h] = true
		}
	}
	return func(host string) bool {
		if exact[host] {
			return true
		}
		for _, suf := range suffixes {
			if strings.HasSuffix(host, suf) {
				return true
			}
		}
		return false
	}
}
