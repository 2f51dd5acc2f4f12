// ABOUTME: Entry point for the flowchat CLI session controller.
// ABOUTME: Interactive loop driving delivery, workflow progress, and history sync.

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/flowchat/internal/apierr"
	"github.com/2389/flowchat/internal/config"
	"github.com/2389/flowchat/internal/delivery"
	"github.com/2389/flowchat/internal/history"
	"github.com/2389/flowchat/internal/identity"
	"github.com/2389/flowchat/internal/session"
	"github.com/2389/flowchat/internal/state"
	"github.com/2389/flowchat/internal/usage"
	"github.com/2389/flowchat/internal/workflow"
)

// Version is set by goreleaser at build time.
var version = "dev"

// getConfigPath returns the path to the flowchat config file.
// Priority: FLOWCHAT_CONFIG env var > XDG_CONFIG_HOME/flowchat/config.yaml > ~/.config/flowchat/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("FLOWCHAT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "flowchat", "config.yaml")
}

func main() {
	configPath := flag.String("config", "", "Config file path (default: $FLOWCHAT_CONFIG or ~/.config/flowchat/config.yaml)")
	userID := flag.String("user", "", "Authenticated participant id (default: restored or minted)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("flowchat %s\n", version)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *userID); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func run(ctx context.Context, configPath, userID string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	repo, err := state.NewSQLiteRepository(cfg.State.Path)
	if err != nil {
		return fmt.Errorf("opening state repository: %w", err)
	}
	defer repo.Close()

	var collector usage.Collector
	if cfg.State.UsagePath != "" {
		ledger, err := usage.NewLedger(cfg.State.UsagePath)
		if err != nil {
			logger.Warn("usage ledger unavailable, continuing without", "error", err)
		} else {
			defer ledger.Close()
			collector = ledger
		}
	}

	resolver := identity.NewResolver(repo, logger)
	ident, err := resolver.Resolve(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolving identity: %w", err)
	}

	tracker := workflow.NewTracker(repo, logger)
	sess := session.NewStore(ident.ParticipantID, tracker, repo, logger)

	if ident.Restored {
		if _, err := tracker.RestoreFromRepository(ctx); err != nil {
			logger.Warn("failed to restore workflow state", "error", err)
		}
		if ok, err := sess.RestoreFromRepository(ctx); err != nil {
			logger.Warn("failed to restore transcript", "error", err)
		} else if ok {
			fmt.Printf("Restored previous session (%d messages)\n", sess.MessageCount())
		}
	}

	controller := delivery.NewController(nil, delivery.Options{
		BaseURL:        cfg.Service.BaseURL,
		APIKey:         cfg.Service.APIKey,
		ShortTimeout:   cfg.Service.ShortTimeout,
		LongTimeout:    cfg.Service.LongTimeout,
		RetriesEnabled: cfg.Retry.Enabled,
		MaxRetries:     cfg.Retry.MaxAttempts,
		BackoffBase:    cfg.Retry.BackoffBase,
		BackoffCap:     cfg.Retry.BackoffCap,
	}, sess, tracker, repo, collector, delivery.NewSubmissionGuard(10*time.Minute, 1000), logger)

	historyURL := cfg.History.BaseURL
	if historyURL == "" {
		historyURL = cfg.Service.BaseURL
	}
	sync := history.NewSynchronizer(
		history.NewClient(historyURL, cfg.Service.APIKey, nil), sess, logger)

	fmt.Printf("flowchat connected to %s\n", cfg.Service.BaseURL)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	cli := &cliSession{
		session:    sess,
		tracker:    tracker,
		controller: controller,
		history:    sync,
		logger:     logger,
	}
	defer cli.saveOnExit(sess, sync)

	return cli.loop(ctx)
}

// loadConfig loads the config file, falling back to defaults when no file
// exists at the default location.
func loadConfig(path string) (*config.Config, error) {
	explicit := path != ""
	if path == "" {
		path = getConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// cliSession holds the wiring for the interactive loop.
type cliSession struct {
	session    *session.Store
	tracker    *workflow.Tracker
	controller *delivery.Controller
	history    *history.Synchronizer
	logger     *slog.Logger

	// Last submission for /retry. The idempotency key survives so a retry
	// of an already-delivered message is rejected rather than resent.
	lastContent string
	lastKey     string
	listed      []history.Item
}

func (c *cliSession) loop(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")

		inputCh := make(chan string, 1)
		errCh := make(chan error, 1)

		go func() {
			if scanner.Scan() {
				inputCh <- scanner.Text()
			} else {
				if err := scanner.Err(); err != nil {
					errCh <- err
				} else {
					errCh <- io.EOF
				}
			}
		}()

		var input string
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case input = <-inputCh:
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		switch {
		case input == "/quit" || input == "/exit" || input == "/q":
			return nil
		case input == "/help":
			printHelp()
		case input == "/new":
			c.startNewConversation(ctx)
		case input == "/retry":
			c.retryLast(ctx)
		case input == "/progress":
			c.printProgress()
		case input == "/history":
			c.listHistory(ctx)
		case strings.HasPrefix(input, "/load"):
			c.loadHistory(ctx, strings.TrimSpace(strings.TrimPrefix(input, "/load")))
		case strings.HasPrefix(input, "/delete"):
			c.deleteHistory(ctx, strings.TrimSpace(strings.TrimPrefix(input, "/delete")))
		case strings.HasPrefix(input, "/"):
			fmt.Println("Unknown command. /help for commands.")
		default:
			c.send(ctx, input)
		}
		fmt.Println()
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /new           Start a new conversation (saves the current one)")
	fmt.Println("  /retry         Resend the last message after a failure")
	fmt.Println("  /progress      Show workflow stage progress")
	fmt.Println("  /history       List saved conversations")
	fmt.Println("  /load <n>      Load a saved conversation from the list")
	fmt.Println("  /delete <n>    Delete a saved conversation")
	fmt.Println("  /help          Show this help")
	fmt.Println("  /quit          Exit")
}

// send delivers one message, rendering node transitions and the assembled
// answer as they arrive.
func (c *cliSession) send(ctx context.Context, content string) {
	c.lastContent = content
	c.lastKey = uuid.New().String()
	c.deliver(ctx, content, c.lastKey)
}

// retryLast resends the last message under its original idempotency key.
func (c *cliSession) retryLast(ctx context.Context) {
	if c.lastContent == "" {
		fmt.Println("Nothing to retry.")
		return
	}
	c.deliver(ctx, c.lastContent, c.lastKey)
}

func (c *cliSession) deliver(ctx context.Context, content, key string) {
	var printed int
	var answerID string
	unsubscribe := c.session.Subscribe(func(snap session.Snapshot) {
		if len(snap.Messages) == 0 {
			return
		}
		last := snap.Messages[len(snap.Messages)-1]
		if last.Role != session.RoleAssistant {
			return
		}
		if answerID != last.ID {
			answerID = last.ID
			printed = 0
		}
		if len(last.Content) > printed {
			fmt.Print(last.Content[printed:])
			printed = len(last.Content)
		}
	})
	defer unsubscribe()

	result, err := c.controller.Send(ctx, delivery.SendRequest{
		Content:        content,
		IdempotencyKey: key,
	})
	fmt.Println()

	switch {
	case err == nil:
		if result.RetryCount > 0 {
			fmt.Println(color.HiBlackString(
				fmt.Sprintf("(delivered after %d retries)", result.RetryCount)))
		}
		c.printProgress()
	case errors.Is(err, delivery.ErrDuplicateSend):
		fmt.Println("That message was already delivered.")
	case errors.Is(err, delivery.ErrDeliveryInFlight):
		fmt.Println("Still waiting on the previous message.")
	default:
		printFailure(err)
	}
}

// printFailure renders one error entry with the two corrective actions.
func printFailure(err error) {
	var msg string
	switch apierr.Translate(err) {
	case apierr.CategoryConnectivity:
		msg = "Could not reach the service."
	case apierr.CategoryTimeout:
		msg = "The service took too long to answer."
	case apierr.CategoryServer:
		msg = "The service had a problem handling the request."
	case apierr.CategoryAuth:
		msg = "The service rejected the credentials."
	case apierr.CategoryNotFound:
		msg = "The conversation could not be found."
	default:
		msg = "Something went wrong."
	}
	fmt.Println(color.RedString(msg))
	fmt.Println("Use /retry to resend, or /new to start a fresh conversation.")
}

func (c *cliSession) printProgress() {
	wf := c.tracker.Snapshot()
	if !wf.IsWorkflow {
		return
	}
	fmt.Printf("Workflow: %d/%d stages complete (%.0f%%)\n",
		wf.CompletedNodes, wf.TotalNodes, wf.Progress()*100)
	for _, n := range wf.Nodes {
		marker := " "
		switch n.Status {
		case workflow.StatusRunning:
			marker = color.YellowString("~")
		case workflow.StatusCompleted:
			marker = color.GreenString("+")
		case workflow.StatusFailed:
			marker = color.RedString("x")
		}
		title := n.Title
		if title == "" {
			title = n.ID
		}
		fmt.Printf("  [%s] %s\n", marker, title)
	}
}

// startNewConversation saves the current session, then resets everything so
// the remote workflow restarts from its initial stage.
func (c *cliSession) startNewConversation(ctx context.Context) {
	if err := c.history.Save(ctx, c.session.Snapshot()); err != nil {
		c.logger.Warn("failed to save conversation before reset", "error", err)
	}
	c.session.ResetForNewConversation(ctx)
	c.lastContent = ""
	c.lastKey = ""
	fmt.Println("Started a new conversation.")
}

func (c *cliSession) listHistory(ctx context.Context) {
	items, err := c.history.List(ctx, false)
	if err != nil {
		fmt.Printf("[error] %v\n", err)
		return
	}
	c.listed = items
	if len(items) == 0 {
		fmt.Println("No saved conversations.")
		return
	}
	for i, item := range items {
		fmt.Printf("  %d. %s (%d messages)\n", i+1, item.Title, item.MessageCount)
	}
}

func (c *cliSession) loadHistory(ctx context.Context, arg string) {
	item, ok := c.pickListed(arg)
	if !ok {
		return
	}
	full, err := c.history.Load(ctx, item.ID)
	if err != nil {
		fmt.Printf("[error] %v\n", err)
		return
	}
	c.session.Restore(full.ExternalID, full.Messages)
	c.tracker.Restore(full.Workflow)
	fmt.Printf("Loaded %q (%d messages)\n", full.Title, len(full.Messages))
}

func (c *cliSession) deleteHistory(ctx context.Context, arg string) {
	item, ok := c.pickListed(arg)
	if !ok {
		return
	}
	if err := c.history.Delete(ctx, item.ID); err != nil {
		fmt.Printf("[error] %v\n", err)
		return
	}
	fmt.Printf("Deleted %q\n", item.Title)
}

// pickListed resolves a 1-based index into the last /history listing.
func (c *cliSession) pickListed(arg string) (history.Item, bool) {
	if len(c.listed) == 0 {
		fmt.Println("Run /history first.")
		return history.Item{}, false
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(c.listed) {
		fmt.Printf("Pick a number between 1 and %d.\n", len(c.listed))
		return history.Item{}, false
	}
	return c.listed[n-1], true
}

// saveOnExit persists the session at the close boundary with a fresh context;
// the loop's context is usually already cancelled by the time we get here.
func (c *cliSession) saveOnExit(sess *session.Store, sync *history.Synchronizer) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sync.Save(ctx, sess.Snapshot()); err != nil {
		c.logger.Warn("failed to save conversation on exit", "error", err)
	}
}
