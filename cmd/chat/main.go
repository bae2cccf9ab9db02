package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-client/internal/auth"
	"github.com/vovakirdan/wirechat-client/internal/chat"
	"github.com/vovakirdan/wirechat-client/internal/config"
	"github.com/vovakirdan/wirechat-client/internal/log"
	"github.com/vovakirdan/wirechat-client/internal/proto"
	"github.com/vovakirdan/wirechat-client/internal/rest"
	"github.com/vovakirdan/wirechat-client/internal/store/sqlite"
	"github.com/vovakirdan/wirechat-client/internal/transport/ws"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		channelID  string
		token      string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive wirechat terminal client",
		Long: `Connects to a wirechat backend, joins a channel, and relays messages.
Type a line to send it; lines starting with / are commands (/help lists them).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, channelID, token)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&channelID, "channel", "", "channel to join on start")
	cmd.Flags().StringVar(&token, "token", "", "chat token to store before connecting")
	return cmd
}

func run(configPath, channelID, token string) error {
	bootLog := log.New("info")
	cfg, source, err := config.Load(bootLog, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := log.New(cfg.LogLevel)
	logger.Info().Str("config", source).Msg("configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer kv.Close()

	tokens := auth.NewManager(kv, logger)
	if token != "" {
		if err := tokens.Store(ctx, auth.Tokens{Chat: token}); err != nil {
			return fmt.Errorf("store token: %w", err)
		}
	}

	expiry := auth.NewExpiryNotifier()
	api := rest.New(cfg, tokens, expiry, logger)
	conn := ws.New(cfg, tokens, logger)

	session := chat.NewSession(cfg, conn, api, tokens, expiry, logger)
	defer session.Close()

	if err := session.Start(ctx); err != nil {
		if errors.Is(err, auth.ErrNoToken) {
			return errors.New("no chat token stored, pass one with --token")
		}
		return fmt.Errorf("start session: %w", err)
	}
	user := session.User()
	fmt.Printf("Connected as %s. Ctrl+C to exit.\n", user.Username)

	printer := newPrinter(session)
	session.SetOnChange(printer.refresh)

	if channelID != "" {
		if err := session.SetActiveChannel(ctx, chat.Channel{ID: proto.ID(channelID)}); err != nil {
			return fmt.Errorf("join channel %s: %w", channelID, err)
		}
		fmt.Printf("Joined channel %s.\n", channelID)
	}

	inputLoop(ctx, session, printer)

	fmt.Println("bye")
	return nil
}

func inputLoop(ctx context.Context, session *chat.Session, printer *printer) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			if strings.HasPrefix(text, "/") {
				if quit := runCommand(ctx, session, text); quit {
					return
				}
				continue
			}

			session.Keystroke(ctx)
			if _, err := session.Send(ctx, text); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
		}
	}
}

// runCommand handles one /command line and reports whether to quit.
func runCommand(ctx context.Context, session *chat.Session, line string) bool {
	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}

	switch fields[0] {
	case "/quit", "/exit":
		return true
	case "/join":
		if arg == "" {
			fmt.Println("usage: /join <channel-id>")
			return false
		}
		if err := session.SetActiveChannel(ctx, chat.Channel{ID: proto.ID(arg)}); err != nil {
			fmt.Printf("! join failed: %v\n", err)
			return false
		}
		fmt.Printf("Joined channel %s.\n", arg)
	case "/retry":
		if arg == "" {
			fmt.Println("usage: /retry <temp-id>")
			return false
		}
		if _, err := session.RetryMessage(ctx, arg); err != nil {
			fmt.Printf("! retry failed: %v\n", err)
		}
	case "/verify":
		if arg == "" {
			fmt.Println("usage: /verify <temp-id>")
			return false
		}
		msg, err := session.VerifyMessage(ctx, arg)
		if err != nil {
			fmt.Printf("! verify failed: %v\n", err)
			return false
		}
		fmt.Printf("message %s is %s\n", arg, msg.State)
	case "/reconnect":
		if err := session.RetryConnection(ctx); err != nil {
			fmt.Printf("! reconnect failed: %v\n", err)
		}
	case "/refresh":
		if err := session.RefreshAuth(ctx); err != nil {
			fmt.Printf("! refresh failed: %v\n", err)
		}
	case "/who":
		fmt.Printf("online: %v\n", session.OnlineUsers())
	case "/status":
		fmt.Printf("connection: %s", session.ConnState())
		if reason := session.LastError(); reason != "" {
			fmt.Printf(" (%s)", reason)
		}
		fmt.Println()
	case "/help":
		fmt.Println("commands: /join /retry /verify /reconnect /refresh /who /status /quit")
	default:
		fmt.Printf("unknown command %s, try /help\n", fields[0])
	}
	return false
}
