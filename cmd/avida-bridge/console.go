package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/devosoft/avida-bridge/pkg/client"
	"github.com/devosoft/avida-bridge/pkg/message"
)

var (
	consoleURL   string
	consoleToken string
	consoleRole  string
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive consumer connected to a running bridge",
	Long: `Interactive consumer connected to a running bridge.

Each line is sent as one message. Either type raw JSON or the shorthand
"type key=value ...", e.g. "stepUpdate count=5" or "runPause". Messages from
the engine and the other consumers are printed as they arrive. /quit exits.`,
	RunE: runConsole,
}

func init() {
	consoleCmd.Flags().StringVar(&consoleURL, "url", "", "consumer websocket URL (default from config)")
	consoleCmd.Flags().StringVar(&consoleToken, "token", "", "API key (default gateway.api_key)")
	consoleCmd.Flags().StringVar(&consoleRole, "role", "console", "role to announce")
}

func runConsole(cmd *cobra.Command, args []string) error {
	if consoleURL == "" {
		consoleURL = "ws://" + cfg.Addr() + "/api/ws"
	}
	if consoleToken == "" {
		consoleToken = cfg.Gateway.APIKey
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := client.Dial(ctx, consoleURL, consoleRole, consoleToken)
	if err != nil {
		return err
	}
	defer c.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("[%s]> ", consoleRole),
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	go func() {
		for {
			msg, err := c.Receive(ctx)
			if err != nil {
				if ctx.Err() == nil {
					fmt.Fprintf(rl.Stderr(), "connection lost: %v\n", err)
					rl.Close()
				}
				return
			}
			raw, err := message.Encode(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(rl.Stdout(), "<< %s\n", raw)
		}
	}()

	fmt.Fprintf(rl.Stdout(), "Connected to %s as %s\n", consoleURL, consoleRole)
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			// rl was closed by the receive loop
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		msg, err := parseCommand(line)
		if err != nil {
			fmt.Fprintf(rl.Stderr(), "error: %v\n", err)
			continue
		}
		if err := c.Send(ctx, msg); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}
}

// parseCommand turns a console line into a message. Lines starting with "{"
// are decoded as JSON; anything else is "type key=value ...".
func parseCommand(line string) (message.Message, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return message.Message{}, errors.New("empty command")
	}
	if strings.HasPrefix(line, "{") {
		return message.DecodeString(line)
	}

	parts := strings.Fields(line)
	fields := make(map[string]any, len(parts)-1)
	for _, kv := range parts[1:] {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return message.Message{}, fmt.Errorf("expected key=value, got %q", kv)
		}
		fields[key] = parseValue(val)
	}
	return message.New(parts[0], fields)
}

func parseValue(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".avida-bridge_history")
}
