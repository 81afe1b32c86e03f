// Package prefork implements arcd's worker process pool (spec.md §4.I):
// the parent binds every configured listen port, then launches worker
// processes that each inherit the bound listeners and Accept() out of the
// shared backlog independently. Go has no fork(); workers are obtained by
// re-executing the current binary (os.Executable()) in a distinct mode,
// passing the already-bound listener fds through exec.Cmd.ExtraFiles, the
// same fd-handoff shape the pack's pop3d subprocess server uses to hand a
// single accepted connection to a protocol-handler child, generalized here
// to passing whole listeners to long-lived workers instead.
package prefork

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/gitpan/ARCv2/logfac"
)

// Config bounds the pool's size, mirroring the [arcd] section's
// min/max_servers and min/max_spare_servers knobs (spec.md §6).
type Config struct {
	MinServers      int
	MaxServers      int
	MinSpareServers int
	MaxSpareServers int
	MaxRequests     int // requests a worker serves before it retires; 0 = unlimited

	// ExecPath is the binary to re-exec; empty defaults to os.Executable().
	ExecPath string
	// Args is the full argument list passed to the re-exec'd binary,
	// including the worker-mode subcommand itself, e.g. the subcommand plus
	// flags identifying the config file each worker should load.
	Args []string
}

// workerState is reported by a worker over its status pipe.
type workerState struct {
	pid      int
	busy     bool
	requests int
}

type worker struct {
	cmd      *exec.Cmd
	statusR  *os.File
	mu       sync.Mutex
	busy     bool
	requests int
	exited   bool
}

// Pool supervises a set of worker processes sharing the given listeners.
type Pool struct {
	cfg       Config
	listeners []net.Listener
	log       *logfac.Logger

	mu      sync.Mutex
	workers map[int]*worker // keyed by PID

	updates chan workerState
	reaped  chan int
}

// New builds a Pool bound to the given, already-listening sockets. Every
// listener must be a *net.TCPListener so its fd can be duplicated for
// worker inheritance.
func New(cfg Config, listeners []net.Listener, log *logfac.Logger) (*Pool, error) {
	for _, ln := range listeners {
		if _, ok := ln.(*net.TCPListener); !ok {
			return nil, fmt.Errorf("prefork: listener %v is not a *net.TCPListener", ln.Addr())
		}
	}
	return &Pool{
		cfg:       cfg,
		listeners: listeners,
		log:       log,
		workers:   make(map[int]*worker),
		updates:   make(chan workerState, 32),
		reaped:    make(chan int, 32),
	}, nil
}

// Run brings the pool up to MinServers workers and then holds the
// min/max spare-server discipline until ctx is cancelled, at which point
// every worker is sent os.Interrupt (SIGINT) and Run waits for them to exit.
func (p *Pool) Run(ctx context.Context) error {
	for i := 0; i < p.cfg.MinServers; i++ {
		if err := p.spawn(); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.terminateAll()
			for {
				p.mu.Lock()
				live := len(p.workers)
				p.mu.Unlock()
				if live == 0 {
					break
				}
				pid := <-p.reaped
				p.mu.Lock()
				delete(p.workers, pid)
				p.mu.Unlock()
			}
			return ctx.Err()

		case u := <-p.updates:
			p.mu.Lock()
			if w, ok := p.workers[u.pid]; ok {
				w.mu.Lock()
				w.busy = u.busy
				w.requests = u.requests
				w.mu.Unlock()
			}
			p.mu.Unlock()

		case pid := <-p.reaped:
			p.mu.Lock()
			delete(p.workers, pid)
			p.mu.Unlock()
			p.log.Emitf(logfac.USER, "worker pid=%d exited", pid)

		case <-ticker.C:
			p.rebalance()
		}
	}
}

// rebalance applies the min/max_servers and min/max_spare_servers bounds
// (spec.md §4.I), spawning or retiring workers to stay within them.
func (p *Pool) rebalance() {
	total, idle := p.counts()

	delta := desiredDelta(total, idle, p.cfg)
	for delta > 0 {
		if err := p.spawn(); err != nil {
			p.log.Emitf(logfac.ERR, "prefork: spawn failed: %v", err)
			break
		}
		delta--
	}
	for delta < 0 {
		if !p.retireOneIdle() {
			break
		}
		delta++
	}
}

// desiredDelta is the pure scheduling decision behind rebalance, split out
// so it can be tested without spawning real processes: how many workers to
// add (positive) or retire (negative) given the current totals and the
// configured bounds.
func desiredDelta(total, idle int, cfg Config) int {
	if total < cfg.MinServers {
		return cfg.MinServers - total
	}
	if idle < cfg.MinSpareServers && total < cfg.MaxServers {
		want := cfg.MinSpareServers - idle
		if total+want > cfg.MaxServers {
			want = cfg.MaxServers - total
		}
		return want
	}
	if idle > cfg.MaxSpareServers && total > cfg.MinServers {
		shed := idle - cfg.MaxSpareServers
		if total-shed < cfg.MinServers {
			shed = total - cfg.MinServers
		}
		return -shed
	}
	return 0
}

func (p *Pool) counts() (total, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.mu.Lock()
		total++
		if !w.busy {
			idle++
		}
		w.mu.Unlock()
	}
	return total, idle
}

// spawn re-execs the current binary in worker mode, handing it every
// listener fd plus a status pipe.
func (p *Pool) spawn() error {
	execPath := p.cfg.ExecPath
	if execPath == "" {
		var err error
		execPath, err = os.Executable()
		if err != nil {
			return fmt.Errorf("prefork: resolving executable: %w", err)
		}
	}

	extraFiles := make([]*os.File, 0, len(p.listeners)+1)
	for _, ln := range p.listeners {
		f, err := ln.(*net.TCPListener).File()
		if err != nil {
			return fmt.Errorf("prefork: dup listener fd: %w", err)
		}
		extraFiles = append(extraFiles, f)
	}

	statusR, statusW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("prefork: status pipe: %w", err)
	}
	extraFiles = append(extraFiles, statusW)

	cmd := exec.Command(execPath, p.cfg.Args...)
	cmd.ExtraFiles = extraFiles
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), fmt.Sprintf("ARC_WORKER_LISTENERS=%d", len(p.listeners)))

	if err := cmd.Start(); err != nil {
		statusR.Close()
		statusW.Close()
		for _, f := range extraFiles {
			f.Close()
		}
		return fmt.Errorf("prefork: starting worker: %w", err)
	}

	// Parent keeps only its copy of the status pipe's read end; the
	// worker owns the listener fds and the write end now.
	statusW.Close()
	for _, f := range extraFiles[:len(extraFiles)-1] {
		f.Close()
	}

	w := &worker{cmd: cmd, statusR: statusR}
	pid := cmd.Process.Pid

	p.mu.Lock()
	p.workers[pid] = w
	p.mu.Unlock()

	p.log.Emitf(logfac.USER, "worker pid=%d started", pid)

	go p.readStatus(pid, w)
	go p.reap(pid, w)

	return nil
}

// readStatus consumes "busy <n>" / "idle <n>" lines a worker writes to its
// status pipe as it starts and finishes each session (n = cumulative
// requests served), feeding Pool.updates until the pipe closes (worker
// exited).
func (p *Pool) readStatus(pid int, w *worker) {
	sc := bufio.NewScanner(w.statusR)
	for sc.Scan() {
		var tag string
		var n int
		if _, err := fmt.Sscanf(sc.Text(), "%s %d", &tag, &n); err != nil {
			continue
		}
		p.updates <- workerState{pid: pid, busy: tag == "busy", requests: n}
	}
	w.statusR.Close()
}

// reap blocks on the worker's exit and, per spec.md §9's note that an
// environment may lack SIGCHLD-style auto-reap, explicitly waits on every
// child it starts rather than relying on any OS-level reaper.
func (p *Pool) reap(pid int, w *worker) {
	_ = w.cmd.Wait()
	w.mu.Lock()
	w.exited = true
	w.mu.Unlock()
	p.reaped <- pid
}

// retireOneIdle sends os.Interrupt (SIGINT) to one idle worker, returning
// false if none is available.
func (p *Pool) retireOneIdle() bool {
	p.mu.Lock()
	var victim *worker
	for _, w := range p.workers {
		w.mu.Lock()
		idle := !w.busy
		w.mu.Unlock()
		if idle {
			victim = w
			break
		}
	}
	p.mu.Unlock()

	if victim == nil {
		return false
	}
	_ = victim.cmd.Process.Signal(os.Interrupt)
	return true
}

func (p *Pool) terminateAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		_ = w.cmd.Process.Signal(os.Interrupt)
	}
}
