//go:build linux

// Command nstard is the supervisor binary: it loads its configuration,
// opens its repositories, and serves the control-plane protocol until a
// client requests Shutdown or it is signalled.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/nstar-rt/nstar/pkg/cgroup"
	"github.com/nstar-rt/nstar/pkg/config"
	"github.com/nstar-rt/nstar/pkg/engine"
	"github.com/nstar-rt/nstar/pkg/launch"
	"github.com/nstar-rt/nstar/pkg/logging"
	"github.com/nstar-rt/nstar/pkg/mount"
	"github.com/nstar-rt/nstar/pkg/repository"
	"github.com/nstar-rt/nstar/pkg/session"
	"github.com/nstar-rt/nstar/version"
)

// CLI is the supervisor's flag set, same struct-tag style cmd/sand's
// own CLI uses.
type CLI struct {
	Config                string `default:"" placeholder:"<path>" help:"path to the TOML configuration file"`
	LogLevel              string `default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level (debug, info, warn, error)"`
	DisableMountNamespace bool   `help:"skip the container mount namespace; debug only, weakens filesystem isolation"`
}

func main() {
	// The re-exec child path never reaches kong: argv[1] is the hidden
	// sentinel launch.NewLauncher's Create passes to a freshly cloned
	// child, and RunChild takes over the process entirely from here.
	if len(os.Args) > 1 && os.Args[1] == launch.ReexecArg {
		launch.RunChild()
		return
	}

	var cli CLI
	kong.Parse(&cli, kong.Description("nstard supervises signed container packages on this host."))

	if err := run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "nstard: %v\n", err)
		os.Exit(1)
	}
}

func run(cli CLI) error {
	cfgPath := cli.Config
	if cfgPath == "" {
		cfgPath = config.DefaultPath
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logWriter, err := logging.New(logging.Options{Dir: cfg.LogDir, Level: cli.LogLevel})
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer logWriter.Close()

	slog.Info("nstard starting", "config", cfgPath, "listen", cfg.Listen)

	repos, err := openRepositories(cfg)
	if err != nil {
		return fmt.Errorf("open repositories: %w", err)
	}

	mountMgr := mount.NewManager(cfg.DeviceMapperPath, cfg.DeviceMapperDevPrefix, cfg.LoopControlPath, cfg.LoopDevPrefix)
	cgroupAdapter := cgroup.NewAdapter(cfg.Cgroup)

	launcher, err := launch.NewLauncher(cli.DisableMountNamespace)
	if err != nil {
		return fmt.Errorf("initialize launcher: %w", err)
	}

	eng := engine.New(
		engine.Config{RunDir: cfg.RunDir, DataDir: cfg.DataDir},
		repos,
		engine.NewMountManager(mountMgr),
		engine.NewLauncher(launcher),
		engine.NewCgroupAdapter(cgroupAdapter),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchSignals(ctx, cancel)

	network, address, err := config.ParseListenAddress(cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen address: %w", err)
	}
	if network == "unix" {
		os.Remove(address)
		if err := os.MkdirAll(filepath.Dir(address), 0o750); err != nil {
			return fmt.Errorf("create socket directory: %w", err)
		}
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listen on %s %s: %w", network, address, err)
	}
	defer listener.Close()

	go acceptLoop(ctx, listener, eng)

	slog.InfoContext(ctx, "nstard ready", "network", network, "address", address, "pid", os.Getpid())
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("engine: %w", err)
	}
	slog.InfoContext(ctx, "nstard shut down")
	return nil
}

// watchSignals cancels ctx on SIGINT/SIGTERM, the same signal set
// cmd/sand's own Mux.waitForShutdown reacts to.
func watchSignals(ctx context.Context, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			slog.InfoContext(ctx, "nstard received signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
}

// acceptLoop hands every accepted connection to pkg/session.Run on its
// own goroutine; the engine's own inbox serializes whatever each
// session sends it.
func acceptLoop(ctx context.Context, listener net.Listener, eng *engine.Engine) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.ErrorContext(ctx, "acceptLoop", "error", err)
			return
		}
		go func() {
			if err := session.Run(ctx, conn, eng, session.Config{Version: version.ProtocolVersion}); err != nil {
				slog.InfoContext(ctx, "session ended", "remote", conn.RemoteAddr(), "error", err)
			}
		}()
	}
}

// openRepositories builds the configured repository set plus the
// sqlite-backed cross-repository identity index the set needs for its
// global uniqueness check (spec.md §3).
func openRepositories(cfg *config.Config) (*repository.Set, error) {
	idx, err := repository.OpenIndex(filepath.Join(cfg.DataDir, "index.db"))
	if err != nil {
		return nil, err
	}

	repos := make([]repository.Repository, 0, len(cfg.Repositories))
	for label, rc := range cfg.Repositories {
		key, err := loadPublicKey(rc.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("repository %s: %w", label, err)
		}
		dir, err := repository.NewDir(label, rc.Dir, key)
		if err != nil {
			return nil, err
		}
		repos = append(repos, dir)
	}

	return repository.NewSet(idx, repos...)
}

// loadPublicKey reads a raw ed25519 public key file. A keyless
// repository (path == "") accepts unsigned packages. No library in the
// pack loads bare ed25519 keys from disk, and a 32-byte read needs
// nothing more than os.ReadFile; this is the one place config-driven
// startup reaches directly into the standard library for it.
func loadPublicKey(path string) (ed25519.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	if len(data) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key %s: expected %d raw bytes, got %d", path, ed25519.PublicKeySize, len(data))
	}
	return ed25519.PublicKey(data), nil
}
