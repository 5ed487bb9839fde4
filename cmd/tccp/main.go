package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tccp/tccp/pkg/alloc"
	"github.com/tccp/tccp/pkg/config"
	"github.com/tccp/tccp/pkg/facade"
	"github.com/tccp/tccp/pkg/job"
	"github.com/tccp/tccp/pkg/log"
	"github.com/tccp/tccp/pkg/muxer"
	"github.com/tccp/tccp/pkg/state"
	"github.com/tccp/tccp/pkg/transport"
	"github.com/tccp/tccp/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "tccp",
	Short:   "tccp drives batch workloads on a 2FA-gated HPC cluster",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("tccp version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("gateway", os.Getenv("TCCP_GATEWAY"), "Gateway SSH host")
	rootCmd.PersistentFlags().String("login-host", os.Getenv("TCCP_LOGIN_HOST"), "Login node that the facade's Login commands hop to over SSH")
	rootCmd.PersistentFlags().String("user", os.Getenv("USER"), "SSH username")
	rootCmd.PersistentFlags().String("key", "", "SSH private key path; when set, no password is prompted for (the key itself is not offered for authentication)")
	rootCmd.PersistentFlags().Bool("use-2fa", true, "Expect a keyboard-interactive 2FA challenge during auth")
	rootCmd.PersistentFlags().String("tool-home", defaultToolHome(), "Local state directory")
	rootCmd.PersistentFlags().String("remote-home", "", "Gateway-side $HOME (auto-detected if empty)")
	rootCmd.PersistentFlags().String("project-dir", ".", "Project directory containing tccp.yaml")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(forwardCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(gpuCmd)
}

func defaultToolHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tccp"
	}
	return filepath.Join(home, ".tccp")
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// cliContext bundles everything a subcommand needs after establishing the
// single authenticated session and wiring the core components atop it.
type cliContext struct {
	cfg      *config.Config
	facade   *facade.Facade
	allocMgr *alloc.Manager
	store    *state.Store
	jobs     *job.Manager
	lock     *job.SingletonLock
	toolHome string
}

// connect establishes the transport, starts the multiplexer, builds the
// facade, opens the project's state store, and constructs the Allocation
// Manager and Job Orchestrator — the same bring-up sequence for every
// subcommand that touches the cluster.
func connect(cmd *cobra.Command) (*cliContext, error) {
	flags := cmd.Flags()
	gateway, _ := flags.GetString("gateway")
	loginHost, _ := flags.GetString("login-host")
	user, _ := flags.GetString("user")
	keyPath, _ := flags.GetString("key")
	use2fa, _ := flags.GetBool("use-2fa")
	toolHome, _ := flags.GetString("tool-home")
	remoteHome, _ := flags.GetString("remote-home")
	projectDir, _ := flags.GetString("project-dir")

	if gateway == "" {
		return nil, fmt.Errorf("--gateway is required (or set TCCP_GATEWAY)")
	}

	cfg, err := config.Load(projectDir)
	if err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	lock, err := job.AcquireSingleton(toolHome)
	if err != nil {
		return nil, err
	}

	target := &types.SessionTarget{
		Host:        gateway,
		User:        user,
		KeyPath:     keyPath,
		TimeoutSecs: 30,
		Use2FA:      use2fa,
		LoginHost:   loginHost,
	}
	if keyPath == "" {
		fmt.Fprintf(os.Stderr, "Password for %s@%s: ", user, gateway)
		pw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			lock.Release()
			return nil, fmt.Errorf("reading password: %w", err)
		}
		target.Password = string(pw)
	}

	t := transport.New(target)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	statusCB := func(msg string) { fmt.Fprintln(os.Stderr, msg) }
	if err := t.Establish(ctx, statusCB); err != nil {
		lock.Release()
		return nil, fmt.Errorf("establishing session: %w", err)
	}

	mux := muxer.New("tccp")
	if err := mux.Start(ctx, t); err != nil {
		lock.Release()
		return nil, fmt.Errorf("starting multiplexer: %w", err)
	}

	f := facade.New(t, mux, target)

	if remoteHome == "" {
		res, err := f.DTN(ctx, "echo $HOME", 15*time.Second)
		if err != nil {
			lock.Release()
			return nil, fmt.Errorf("detecting remote home: %w", err)
		}
		remoteHome = strings.TrimSpace(res.Stdout)
	}

	st, err := state.Open(toolHome, cfg.Name)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("opening project state: %w", err)
	}

	am := alloc.New(f, st)

	jm, err := job.New(job.Options{
		Config:         cfg,
		Facade:         f,
		Alloc:          am,
		Store:          st,
		ToolHome:       toolHome,
		RemoteHome:     remoteHome,
		User:           user,
		ContainerCache: remoteHome + "/tool/container-cache",
		StatusCB:       func(jobID, msg string) { fmt.Printf("[%s] %s\n", jobID, msg) },
	})
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("building job manager: %w", err)
	}

	return &cliContext{cfg: cfg, facade: f, allocMgr: am, store: st, jobs: jm, lock: lock, toolHome: toolHome}, nil
}

func (c *cliContext) close() {
	c.jobs.Shutdown()
	c.lock.Release()
}

// notifyOnInterrupt returns a context canceled on SIGINT/SIGTERM, so a
// blocking subcommand (attach, forward) unwinds cleanly on Ctrl-C.
func notifyOnInterrupt() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
