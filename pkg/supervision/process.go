package supervision

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
)

// NatsServerConfig describes how to launch the supervised nats-server
// subprocess.
type NatsServerConfig struct {
	BinPath    string
	StoreDir   string
	ClientAddr string // e.g. "127.0.0.1:4222"
	HTTPAddr   string // e.g. "127.0.0.1:8222"
}

// NatsServer supervises one nats-server child process.
type NatsServer struct {
	cfg    NatsServerConfig
	cmd    *exec.Cmd
	Exited chan error // receives the exit error once, then is closed, when the process exits
}

// Start launches nats-server with JetStream enabled, file-backed storage,
// and both the client and monitoring ports bound. It does not wait for
// readiness; call WaitReady afterward.
func (n *NatsServer) Start(ctx context.Context, cfg NatsServerConfig) error {
	n.cfg = cfg
	n.Exited = make(chan error, 1)

	args := []string{
		"-js",
		"-sd", cfg.StoreDir,
		"-a", addrHost(cfg.ClientAddr),
		"-p", addrPort(cfg.ClientAddr),
		"-m", addrPort(cfg.HTTPAddr),
	}
	cmd := exec.CommandContext(ctx, cfg.BinPath, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervision: start nats-server: %w", err)
	}
	n.cmd = cmd

	go func() {
		err := cmd.Wait()
		slog.Info("supervision: nats-server exited", "error", err)
		n.Exited <- err
		close(n.Exited)
	}()

	return nil
}

// Stop terminates the supervised process.
func (n *NatsServer) Stop() error {
	if n.cmd == nil || n.cmd.Process == nil {
		return nil
	}
	return n.cmd.Process.Kill()
}

func addrHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "127.0.0.1"
	}
	return host
}

func addrPort(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return port
}
