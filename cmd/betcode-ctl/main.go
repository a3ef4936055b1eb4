// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// betcode-ctl is a command-line tool for controlling a running betcoded
// instance.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sakost/betcode/pkg/client"
)

var (
	version    = "0.1.0"
	apiURL     = "http://localhost:4180"
	jsonOutput = false

	apiClient *client.Client
)

func main() {
	if env := os.Getenv("BETCODE_API"); env != "" {
		apiURL = strings.TrimSuffix(env, "/")
	}

	var filteredArgs []string
	for _, arg := range os.Args[1:] {
		if arg == "-json" {
			jsonOutput = true
		} else {
			filteredArgs = append(filteredArgs, arg)
		}
	}

	apiClient = client.New(apiURL)

	if len(filteredArgs) < 1 {
		printUsage()
		os.Exit(1)
	}

	cmd := filteredArgs[0]
	args := filteredArgs[1:]

	var err error
	switch cmd {
	case "sessions":
		err = cmdSessions(args)
	case "rename":
		err = cmdRename(args)
	case "delete":
		err = cmdDelete(args)
	case "compact":
		err = cmdCompact(args)
	case "cancel":
		err = cmdCancel(args)
	case "send":
		err = cmdSend(args)
	case "lock":
		err = cmdLock(args)
	case "converse":
		err = cmdConverse(args)
	case "new":
		err = cmdNew(args)
	case "version", "-v", "--version":
		fmt.Printf("betcode-ctl %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`betcode-ctl - Control a running betcoded instance

Usage:
  betcode-ctl [-json] <command> [arguments]

Global Flags:
  -json                    Output in JSON format

Environment:
  BETCODE_API               Base URL of the daemon's control API (default: http://localhost:4180)

Commands:
  sessions                              List all sessions
  new <prompt>                          Start a new session and stream it
  converse <session_id> [from_sequence] Attach to an existing session's event stream
  rename <session_id> <model> <workdir> Rename a session's model and/or work dir
  delete <session_id>                   Delete a session
  compact <session_id>                  Compact a session's event log
  cancel <session_id>                   Cancel a session's in-flight turn
  send <session_id> <content>           Send a user message (the input lock is not checked)
  lock <session_id>                     Request the input lock as client "betcode-ctl"
  version                               Show version
  help                                  Show this message`)
}

func cmdSessions(_ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sessions, err := apiClient.ListSessions(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(sessions)
	}
	for _, s := range sessions {
		fmt.Printf("%s\t%s\t%s\t%s\n", s.ID, s.Status, s.Model, s.WorkDir)
	}
	return nil
}

func cmdRename(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: rename <session_id> <model> <workdir>")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return apiClient.RenameSession(ctx, args[0], args[1], args[2])
}

func cmdDelete(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: delete <session_id>")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return apiClient.DeleteSession(ctx, args[0])
}

func cmdCompact(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: compact <session_id>")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return apiClient.CompactSession(ctx, args[0])
}

func cmdCancel(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: cancel <session_id>")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return apiClient.CancelTurn(ctx, args[0])
}

func cmdSend(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: send <session_id> <content>")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return apiClient.SendUserMessage(ctx, args[0], strings.Join(args[1:], " "), uuid.NewString())
}

func cmdLock(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: lock <session_id>")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := apiClient.RequestInputLock(ctx, args[0], "betcode-ctl")
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}
	fmt.Println("granted:", res.Granted)
	return nil
}

func cmdConverse(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: converse <session_id> [from_sequence]")
	}
	var fromSeq int64
	if len(args) > 1 {
		fmt.Sscanf(args[1], "%d", &fromSeq)
	}
	ctx, stop := signalContext()
	defer stop()
	return apiClient.Converse(ctx, args[0], fromSeq, printEvent)
}

func cmdNew(args []string) error {
	prompt := strings.Join(args, " ")
	ctx, stop := signalContext()
	defer stop()
	return apiClient.ConverseNew(ctx, prompt, printEvent)
}

func printEvent(raw json.RawMessage) {
	if jsonOutput {
		fmt.Println(string(raw))
		return
	}
	var ev struct {
		Sequence int64           `json:"Sequence"`
		Kind     string          `json:"Kind"`
		Payload  json.RawMessage `json:"Payload"`
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Printf("[%d] %s %s\n", ev.Sequence, ev.Kind, string(ev.Payload))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
