// coachctl drives the coach API from a terminal: send a message and wait for
// the reply, page through history, or exercise the speech providers.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-coach/backend/pkg/client"
)

type globalFlags struct {
	baseURL  string
	token    string
	attempts int
	timeout  time.Duration
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "coachctl",
		Short:         "Command line client for the coach API",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&g.baseURL, "server", envOr("COACH_SERVER", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("COACH_TOKEN"), "bearer token")
	root.PersistentFlags().IntVar(&g.attempts, "attempts", client.DefaultMaxAttempts, "long-poll attempts before giving up")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 45*time.Second, "HTTP timeout per request")

	root.AddCommand(newChatCmd(g), newSendCmd(g), newWaitCmd(g), newHistoryCmd(g), newSpeechCmd())
	return root
}

func (g *globalFlags) client() *client.Client {
	return client.New(g.baseURL, g.token, &http.Client{Timeout: g.timeout})
}

func (g *globalFlags) poller() *client.Poller {
	p := client.NewPoller(g.client())
	p.MaxAttempts = g.attempts
	return p
}

func newChatCmd(g *globalFlags) *cobra.Command {
	var req client.CreateChatRequest
	cmd := &cobra.Command{
		Use:   "new-chat",
		Short: "Create a chat",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client().CreateChat(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "chat title")
	cmd.Flags().StringVar(&req.ScenarioID, "scenario", "", "scenario id")
	cmd.Flags().StringVar(&req.Language, "lang", "", "target language")
	return cmd
}

func newSendCmd(g *globalFlags) *cobra.Command {
	var noWait bool
	cmd := &cobra.Command{
		Use:   "send <chat-id> <message>",
		Short: "Send a message and wait for the coach reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if noWait {
				sent, err := g.client().Send(ctx, args[0], client.SendRequest{Message: args[1]})
				if err != nil {
					return err
				}
				return printJSON(sent)
			}
			sent, res, err := g.poller().SendAndWait(ctx, args[0], client.SendRequest{Message: args[1]})
			if err != nil {
				return err
			}
			log.Info().Int64("user_turn", sent.UserTurn.ID).Int64("assistant_turn", sent.AssistantTurn.ID).Msg("submitted")
			return report(res, args[0], sent.AssistantTurn.ID)
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "return right after submission")
	return cmd
}

func newWaitCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "wait <chat-id> <turn-id>",
		Short: "Wait for an assistant turn without resubmitting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			turnID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || turnID <= 0 {
				return fmt.Errorf("invalid turn id %q", args[1])
			}
			res, err := g.poller().Wait(cmd.Context(), args[0], turnID)
			if err != nil {
				return err
			}
			return report(res, args[0], turnID)
		},
	}
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var opts client.ListOptions
	cmd := &cobra.Command{
		Use:   "history [chat-id]",
		Short: "List turns of a chat, or of every chat when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				page any
				err  error
			)
			if len(args) == 1 {
				page, err = g.client().ListTurns(cmd.Context(), args[0], opts)
			} else {
				page, err = g.client().ListUserTurns(cmd.Context(), opts)
			}
			if err != nil {
				return err
			}
			return printJSON(page)
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "page size")
	cmd.Flags().Int64Var(&opts.AfterID, "after", 0, "turns with id greater than this")
	cmd.Flags().Int64Var(&opts.BeforeID, "before", 0, "turns with id less than this")
	cmd.Flags().BoolVar(&opts.FromLatest, "latest", false, "newest page first")
	return cmd
}

// report prints the outcome; a timeout is not an error, the turn can still
// be awaited with the wait command.
func report(res client.Result, chatID string, turnID int64) error {
	switch res.Outcome {
	case client.OutcomeCompleted:
		fmt.Println(res.Turn.Content.Text)
		if res.Turn.Content.Translation != "" {
			fmt.Println("  " + res.Turn.Content.Translation)
		}
		if res.Turn.AudioURL != "" {
			fmt.Println("  audio: " + res.Turn.AudioURL)
		}
		return nil
	case client.OutcomeError:
		return fmt.Errorf("coach failed to reply (%s): %s", res.Turn.ErrorCode, res.Turn.ErrorDetail)
	default:
		ev := log.Warn().Int("attempts", res.Attempts)
		if res.LastErr != nil {
			ev = ev.Err(res.LastErr)
		}
		ev.Msgf("reply not ready, retry later with: coachctl wait %s %d", chatID, turnID)
		return nil
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
