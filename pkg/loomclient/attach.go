package loomclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/run-vibes/loomd/pkg/transport"
)

// detachByte is Ctrl-], the escape catherd uses to leave an attached
// session without killing it.
const detachByte = 0x1D

// Attach puts stdin into raw mode, attaches to sessionID, and pumps PTY
// I/O between the terminal and the daemon until the user presses Ctrl-]
// or the session exits. The terminal is always restored before Attach
// returns, even on error.
func Attach(ctx context.Context, c *Client, sessionID string) error {
	return AttachWithCwd(ctx, c, sessionID, "")
}

// AttachWithCwd is Attach, additionally supplying a working directory to
// apply when sessionID doesn't exist yet (ignored on attach-to-existing).
func AttachWithCwd(ctx context.Context, c *Client, sessionID, cwd string) error {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("loomclient: set raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	attachMsg := transport.ClientMessage{Type: transport.TypeAttach, SessionID: sessionID, Cwd: cwd}
	if cols, rows, err := term.GetSize(fd); err == nil {
		attachMsg.Cols, attachMsg.Rows = uint16(cols), uint16(rows)
	}
	if err := c.Send(ctx, attachMsg); err != nil {
		return err
	}
	ack, err := c.Recv(ctx)
	if err != nil {
		return err
	}
	if ack.Type == transport.TypeError {
		return fmt.Errorf("loomclient: attach rejected: %s", ack.Message)
	}
	if ack.Type != transport.TypeAttachAck {
		return fmt.Errorf("loomclient: unexpected response to attach: %s", ack.Type)
	}

	if scrollback, err := base64.StdEncoding.DecodeString(ack.Scrollback); err == nil {
		os.Stdout.Write(scrollback)
	}
	fmt.Fprintf(os.Stderr, "\r\n[loom] attached to %s (detach: Ctrl-])\r\n", sessionID)

	done := make(chan struct{}, 1)
	signalDone := func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}

	go pumpInput(ctx, c, sessionID, signalDone)
	go pumpOutput(ctx, c, signalDone)

	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(winchCh)
	go pumpResize(ctx, c, sessionID, fd, winchCh)

	<-done
	fmt.Fprintf(os.Stderr, "\n[loom] detached from %s\n", sessionID)
	return nil
}

func pumpInput(ctx context.Context, c *Client, sessionID string, onDone func()) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			for i := 0; i < n; i++ {
				if buf[i] == detachByte {
					c.Send(ctx, transport.ClientMessage{Type: transport.TypeDetach, SessionID: sessionID})
					onDone()
					return
				}
			}
			data := base64.StdEncoding.EncodeToString(buf[:n])
			if sendErr := c.Send(ctx, transport.ClientMessage{Type: transport.TypePtyInput, SessionID: sessionID, Data: data}); sendErr != nil {
				onDone()
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				onDone()
			}
			return
		}
	}
}

func pumpOutput(ctx context.Context, c *Client, onDone func()) {
	defer onDone()
	for {
		msg, err := c.Recv(ctx)
		if err != nil {
			return
		}
		switch msg.Type {
		case transport.TypePtyOutput:
			if chunk, err := base64.StdEncoding.DecodeString(msg.Data); err == nil {
				os.Stdout.Write(chunk)
			}
		case transport.TypePtyExit:
			if msg.Failed {
				fmt.Fprintf(os.Stderr, "\r\n[loom] session failed: %s\r\n", msg.Reason)
			} else {
				fmt.Fprintf(os.Stderr, "\r\n[loom] session exited with code %d\r\n", msg.ExitCode)
			}
			return
		case transport.TypeError:
			fmt.Fprintf(os.Stderr, "\r\n[loom] error (%s): %s\r\n", msg.Kind, msg.Message)
			if msg.Kind == transport.ErrKindSlowConsumer {
				return
			}
		}
	}
}

func pumpResize(ctx context.Context, c *Client, sessionID string, fd int, winchCh <-chan os.Signal) {
	for range winchCh {
		if cols, rows, err := term.GetSize(fd); err == nil {
			c.Send(ctx, transport.ClientMessage{Type: transport.TypePtyResize, SessionID: sessionID, Cols: uint16(cols), Rows: uint16(rows)})
		}
	}
}
