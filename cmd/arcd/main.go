// arcd is the ARC server daemon: a thin cobra-driven CLI over the config,
// prefork and server packages. `arcd serve` is the long-running parent
// described in spec.md §4.I; `arcd worker` is the re-exec'd child a parent
// process launches for itself and is not meant to be invoked directly,
// mirroring hkexshd.go's single-binary-does-everything shape but split
// across the prefork boundary.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gitpan/ARCv2/arc"
	"github.com/gitpan/ARCv2/config"
	"github.com/gitpan/ARCv2/logfac"
	"github.com/gitpan/ARCv2/prefork"
	"github.com/gitpan/ARCv2/server"
)

var (
	configPath string
	portList   string
	pidFile    string
	logLevel   int
	foreground bool
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:     "arcd",
		Short:   "ARC server daemon",
		Version: arc.Version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "F", "/etc/arc.conf", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "bind listeners and supervise the worker pool",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVarP(&portList, "port", "p", "", "override [arcd] port (comma list)")
	serveCmd.Flags().StringVarP(&pidFile, "pidfile", "P", "", "override [arcd] pid_file")
	serveCmd.Flags().IntVarP(&logLevel, "loglevel", "d", 0, "override [logging] level bitmask (0 = use config)")
	serveCmd.Flags().BoolVarP(&foreground, "foreground", "f", true, "stay in the foreground (arcd never daemonizes itself)")
	serveCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose startup logging")

	workerCmd := &cobra.Command{
		Use:    "worker",
		Short:  "serve connections on inherited listener fds (internal)",
		Hidden: true,
		RunE:   runWorker,
	}

	root.AddCommand(serveCmd, workerCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "arcd:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if portList != "" {
		cfg.Arcd.Ports = strings.Split(portList, ",")
	}
	if pidFile != "" {
		cfg.Arcd.PIDFile = pidFile
	}
	if logLevel != 0 {
		cfg.Logging.Level = logfac.Facility(logLevel)
	}
	return cfg, nil
}

// runServe is the parent: it binds every configured listen port itself
// (spec.md §4.I — the parent owns the sockets, workers only inherit them),
// then hands them to a prefork.Pool of `arcd worker --config <path>`
// re-execs and blocks until an interrupt/terminate signal.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return exitCode(1, err)
	}

	log, err := logfac.New(cfg.Logging.Level, "arcd", cfg.Logging.Destination)
	if err != nil {
		return exitCode(1, err)
	}
	defer log.Close()

	if verbose {
		log.Emitf(logfac.USER, "arcd %s starting, config=%s", arc.Version, configPath)
	}

	listeners := make([]net.Listener, 0, len(cfg.Arcd.Ports))
	for _, port := range cfg.Arcd.Ports {
		addr := net.JoinHostPort(cfg.Arcd.Host, port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return exitCode(1, arc.NewError(arc.KindBind, fmt.Sprintf("listening on %s", addr), err))
		}
		listeners = append(listeners, ln)
		log.Emitf(logfac.USER, "listening on %s", addr)
	}
	defer func() {
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}()

	if cfg.Arcd.PIDFile != "" {
		if err := writePIDFile(cfg.Arcd.PIDFile); err != nil {
			return exitCode(1, arc.NewError(arc.KindBind, "writing pid file", err))
		}
		defer os.Remove(cfg.Arcd.PIDFile)
	}

	execPath, err := os.Executable()
	if err != nil {
		return exitCode(1, err)
	}
	pool, err := prefork.New(prefork.Config{
		MinServers:      cfg.Arcd.MinServers,
		MaxServers:      cfg.Arcd.MaxServers,
		MinSpareServers: cfg.Arcd.MinSpareServers,
		MaxSpareServers: cfg.Arcd.MaxSpareServers,
		MaxRequests:     cfg.Arcd.MaxRequests,
		ExecPath:        execPath,
		Args:            []string{"worker", "--config", configPath},
	}, listeners, log)
	if err != nil {
		return exitCode(1, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		log.Emitf(logfac.USER, "received %s, shutting down", sig)
		cancel()
	}()

	if err := pool.Run(ctx); err != nil && err != context.Canceled {
		return exitCode(1, err)
	}
	return nil
}

// runWorker is the re-exec'd child: it reconstructs the inherited
// listeners and status pipe from the fds the parent's prefork.Pool handed
// it via ExtraFiles (fd 3.. the listeners, the last extra fd the status
// pipe's write end), then serves ARC sessions until its request budget
// (cfg.Arcd.MaxRequests) is exhausted.
func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return exitCode(1, err)
	}
	log, err := logfac.New(cfg.Logging.Level, "arcd-worker", cfg.Logging.Destination)
	if err != nil {
		return exitCode(1, err)
	}
	defer log.Close()

	n := len(cfg.Arcd.Ports)
	listeners := make([]net.Listener, 0, n)
	for i := 0; i < n; i++ {
		f := os.NewFile(uintptr(3+i), fmt.Sprintf("listener-%d", i))
		ln, err := net.FileListener(f)
		if err != nil {
			return exitCode(1, fmt.Errorf("arcd: worker: reconstructing listener %d: %w", i, err))
		}
		_ = f.Close()
		listeners = append(listeners, ln)
	}
	statusW := os.NewFile(uintptr(3+n), "status")

	srv := &server.Server{
		ProtoVersion: arc.V21,
		Commands:     cfg.Commands,
		Policy:       cfg.Policy(),
		Mechanisms:   cfg.Arcd.SASLMechanisms,
		PlainAuth:    arc.NewPlainAuthenticator(arc.NewAuthContext(), cfg.Main.PasswdFile, cfg.Main.SystemAuth),
		AnonAuth:     func(trace string) error { return nil },
		DataHost:     cfg.Arcd.Host,
		Timeout:      secondsOrDefault(cfg.Main.Timeout),
		Log:          log,
	}

	conns := make(chan net.Conn)
	for _, ln := range listeners {
		go func(ln net.Listener) {
			for {
				nc, err := ln.Accept()
				if err != nil {
					return
				}
				conns <- nc
			}
		}(ln)
	}

	served := 0
	for nc := range conns {
		writeStatus(statusW, "busy", served)
		_ = srv.Serve(nc)
		served++
		writeStatus(statusW, "idle", served)

		if cfg.Arcd.MaxRequests > 0 && served >= cfg.Arcd.MaxRequests {
			log.Emitf(logfac.USER, "worker pid=%d reached max_requests=%d, retiring", os.Getpid(), cfg.Arcd.MaxRequests)
			break
		}
	}
	return nil
}

func writeStatus(w *os.File, tag string, n int) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, "%s %d\n", tag, n)
}

func secondsOrDefault(n int) time.Duration {
	if n <= 0 {
		n = 30
	}
	return time.Duration(n) * time.Second
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// exitCode exists so callers can write `return exitCode(1, err)`, matching
// spec.md §6's documented exit codes (0 normal, 1 config/bind failure);
// cobra reports any non-nil RunE error back to main as a process exit(1).
func exitCode(code int, err error) error {
	return err
}
