package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"rsagent/internal/agent"
	"rsagent/internal/channel"
	"rsagent/internal/domain"

	"github.com/spf13/cobra"
)

func chatCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				term := channel.NewTerminal(channel.TerminalConfig{
					Engine:    a.engine,
					Progress:  a.hub,
					SessionID: sessionID,
					Logger:    logger,
				})
				err := term.Run(ctx)
				if id := term.SessionID(); id != "" {
					fmt.Fprintf(os.Stderr, "\nsession: %s\n", id)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "continue an existing session")
	return cmd
}

func askCmd() *cobra.Command {
	var (
		sessionID string
		attach    string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Run a single turn and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var att *agent.Attachment
			if attach != "" {
				data, err := os.ReadFile(attach)
				if err != nil {
					return err
				}
				att = &agent.Attachment{Name: filepath.Base(attach), Text: string(data)}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				out, err := a.engine.Run(ctx, agent.TurnInput{
					SessionID:  sessionID,
					Text:       strings.Join(args, " "),
					Attachment: att,
				})
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(out)
				}
				fmt.Println(out.Reply.Content)
				fmt.Fprintf(os.Stderr, "\nsession: %s  intent: %s  state: %s\n", out.SessionID, out.Intent, out.State)
				if out.Failed() {
					return fmt.Errorf("turn ended in state %s", out.State)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "continue an existing session")
	cmd.Flags().StringVarP(&attach, "attach", "a", "", "attach a text file to the message")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full turn outcome as JSON")
	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List, show and delete conversation sessions",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				sessions, err := a.sessions.Sessions(ctx, limit)
				if err != nil {
					return err
				}
				for _, s := range sessions {
					fmt.Printf("%s  %s  %s\n", s.ID, s.UpdatedAt.Format("2006-01-02 15:04"), s.Title)
				}
				return nil
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to list")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's messages in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				sess, err := a.sessions.Session(ctx, args[0])
				if err != nil {
					return err
				}
				msgs, err := a.sessions.History(ctx, sess.ID)
				if err != nil {
					return err
				}
				fmt.Printf("# %s\n\n", sess.Title)
				for _, m := range msgs {
					label := "You"
					if m.Role == domain.RoleAssistant {
						label = "rsagent"
					}
					fmt.Printf("[%d] %s (%s):\n%s\n\n", m.Seq, label, m.CreatedAt.Format("15:04:05"), m.Content)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <session-id>...",
		Short: "Delete sessions and their messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				for _, id := range args {
					if err := a.sessions.Delete(ctx, id); err != nil {
						return err
					}
					fmt.Printf("Deleted %s\n", id)
				}
				return nil
			})
		},
	})

	return cmd
}
