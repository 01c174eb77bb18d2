package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"DeskChat/internal/session"
)

// Run starts the interactive chat loop
func (e *Engine) Run() error {
	defer e.Close()

	e.setNotify(func(msg session.Message) {
		if msg.Sender == session.SenderAssistant {
			fmt.Printf("\nBot: %s\n\n", msg.Content)
		}
	})

	fmt.Println("=== DeskChat ===")
	if id := e.SessionID(); id != "" {
		fmt.Printf("Session: %s\n", id)
	} else {
		fmt.Println("No session yet; one is created on your first message")
	}
	fmt.Println("Type /help for commands, /quit to exit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	ctx := context.Background()

	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := e.handleCommand(ctx, input)
			if err != nil {
				fmt.Printf("Error: %v\n", err)
				e.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				break
			}
			continue
		}

		if e.Busy() {
			fmt.Println("Still sending the previous message...")
			continue
		}

		if err := e.Send(ctx, input, "", ""); err != nil {
			if errors.Is(err, ErrNothingToSend) {
				continue
			}
			fmt.Printf("Error: %v\n", err)
			e.logger.Error("failed to send message", "error", err)
		}
	}

	fmt.Println("Goodbye!")
	return nil
}

// handleCommand handles slash commands
func (e *Engine) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		e.NewConversation()
		fmt.Println("Started a new conversation")
		return false, nil

	case "/sessions":
		sessions, err := e.Sessions(ctx)
		if err != nil {
			return false, err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions yet")
			return false, nil
		}
		for _, sess := range sessions {
			fmt.Printf("  %s  %s  (%s)\n", sess.ID, sess.Title, sess.CreatedAt.Format("2006-01-02 15:04"))
		}
		return false, nil

	case "/open":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /open <session-id>")
		}
		if err := e.SelectSession(ctx, parts[1]); err != nil {
			return false, err
		}
		for _, msg := range e.Messages() {
			label := "You"
			if msg.Sender == session.SenderAssistant {
				label = "Bot"
			}
			fmt.Printf("%s: %s\n", label, msg.Content)
		}
		return false, nil

	case "/attach":
		if len(parts) < 4 {
			return false, fmt.Errorf("usage: /attach <file-url> <file-name> <prompt>")
		}
		prompt := strings.Join(parts[3:], " ")
		return false, e.Send(ctx, prompt, parts[1], parts[2])

	case "/metrics":
		snap := e.Metrics()
		fmt.Printf("Tokens: %d  Cost: $%.6f  Carbon: %.9f kg CO2e\n",
			snap.TotalTokens, snap.TotalCost, snap.TotalCarbon)
		return false, nil

	case "/status":
		fmt.Printf("Session: %s  Channel: %s  Busy: %v\n",
			e.SessionID(), e.ChannelState(), e.Busy())
		return false, nil

	case "/help":
		fmt.Println("Available commands:")
		fmt.Println("  /quit, /exit                          - Exit")
		fmt.Println("  /new                                  - Start a new conversation")
		fmt.Println("  /sessions                             - List sessions")
		fmt.Println("  /open <session-id>                    - Open a session")
		fmt.Println("  /attach <file-url> <file-name> <text> - Send a message with an attachment")
		fmt.Println("  /metrics                              - Show usage totals")
		fmt.Println("  /status                               - Show connection status")
		fmt.Println("  /help                                 - Show this help message")
		return false, nil

	default:
		return false, nil
	}
}
