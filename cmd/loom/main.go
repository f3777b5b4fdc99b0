// loom is the CLI client for loomd: attach a terminal to a PTY session,
// tail the event firehose, or send a one-off event from a hook script.
//
// Usage:
//
//	loom attach <session-id> [--cwd DIR]  – attach to, or create and attach to, a session
//	loom firehose [--topic NAME] [--from-earliest]
//	loom event send --type K [--session ID] --data JSON
//
// Detach from an attached session with Ctrl-].
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/run-vibes/loomd/pkg/eventlog"
	"github.com/run-vibes/loomd/pkg/loomclient"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func httpAddr() string  { return getEnv("LOOMD_HTTP_ADDR", "127.0.0.1:7420") }
func wsURL() string     { return "ws://" + httpAddr() + "/api/v1/ws" }

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "attach":
		cmdAttach()
	case "firehose":
		cmdFirehose()
	case "event":
		cmdEvent()
	default:
		fmt.Fprintf(os.Stderr, "loom: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `loom - CLI client for loomd

  attach <session-id> [--cwd DIR]       attach to, or create and attach to, a session
  firehose [--topic NAME] [--from-earliest]
                                         tail the event firehose
  event send --type K [--session ID] --data JSON
                                         send a one-off event (used by hooks)`)
}

func cmdAttach() {
	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	cwd := fs.String("cwd", "", "working directory for a newly created session")
	fs.Parse(os.Args[2:])
	args := fs.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: loom attach <session-id> [--cwd DIR]")
		os.Exit(1)
	}
	sessionID := args[0]
	fs.Parse(args[1:])

	ctx := context.Background()
	c, err := loomclient.Dial(ctx, wsURL())
	if err != nil {
		fmt.Fprintf(os.Stderr, "loom: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	if err := loomclient.AttachWithCwd(ctx, c, sessionID, *cwd); err != nil {
		fmt.Fprintf(os.Stderr, "loom: %v\n", err)
		os.Exit(1)
	}
}

func cmdFirehose() {
	fs := flag.NewFlagSet("firehose", flag.ExitOnError)
	topic := fs.String("topic", eventlog.PrimaryTopic, "topic to tail")
	fromEarliest := fs.Bool("from-earliest", false, "start from the oldest retained event instead of the live tail")
	fs.Parse(os.Args[2:])

	ctx := context.Background()
	c, err := loomclient.Dial(ctx, wsURL())
	if err != nil {
		fmt.Fprintf(os.Stderr, "loom: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	err = loomclient.Tail(ctx, c, *topic, *fromEarliest, func(raw []byte) {
		os.Stdout.Write(raw)
		os.Stdout.Write([]byte("\n"))
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "loom: %v\n", err)
		os.Exit(1)
	}
}

func cmdEvent() {
	if len(os.Args) < 3 || os.Args[2] != "send" {
		fmt.Fprintln(os.Stderr, "usage: loom event send --type K [--session ID] --data JSON")
		os.Exit(1)
	}
	fs := flag.NewFlagSet("event send", flag.ExitOnError)
	eventType := fs.String("type", "", "event kind")
	sessionID := fs.String("session", "", "session id this event relates to")
	data := fs.String("data", "{}", "JSON payload")
	fs.Parse(os.Args[3:])

	if *eventType == "" {
		fmt.Fprintln(os.Stderr, "loom: --type is required")
		os.Exit(1)
	}
	if !json.Valid([]byte(*data)) {
		fmt.Fprintln(os.Stderr, "loom: --data must be valid JSON")
		os.Exit(1)
	}

	body, err := json.Marshal(map[string]json.RawMessage{
		"type":       jsonString(*eventType),
		"session_id": jsonString(*sessionID),
		"data":       json.RawMessage(*data),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "loom: %v\n", err)
		os.Exit(1)
	}

	resp, err := http.Post("http://"+httpAddr()+"/event", "application/json", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "loom: post event: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "loom: event rejected, status %d\n", resp.StatusCode)
		os.Exit(1)
	}
}

func jsonString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
