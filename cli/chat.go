package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"chat_sync_go/auth"
	"chat_sync_go/models"
	"chat_sync_go/services"
)

var (
	reuseDirect bool
	caption     string
	displayName string
	username    string
	tokenID     string
	tokenEmail  string
	tokenTTL    time.Duration
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List your conversations, most recently active first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return withSession(ctx, func(s *services.Session) error {
			me, err := s.Identity().CurrentUser(ctx)
			if err != nil {
				return err
			}
			convs, err := s.Conversations().ListForUser(ctx, me.ID)
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Println("No conversations yet.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tACTIVE")
			for _, c := range convs {
				active := humanize.Time(c.CreatedAt)
				if c.LastMessageAt != nil {
					active = humanize.Time(*c.LastMessageAt)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Type(), active)
			}
			return w.Flush()
		})
	},
}

var directCmd = &cobra.Command{
	Use:   "direct <email>",
	Short: "Start a direct conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return withSession(ctx, func(s *services.Session) error {
			if reuseDirect {
				conv, created, err := s.Conversations().FindOrCreateDirect(ctx, args[0])
				if err != nil {
					return err
				}
				verb := "Found"
				if created {
					verb = "Created"
				}
				fmt.Printf("%s %s (%s)\n", verb, conv.Name, conv.ID)
				return nil
			}
			conv, err := s.Conversations().CreateDirect(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Created %s (%s)\n", conv.Name, conv.ID)
			return nil
		})
	},
}

var groupCmd = &cobra.Command{
	Use:   "group <name> [email...]",
	Short: "Create a group conversation with you as admin",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return withSession(ctx, func(s *services.Session) error {
			conv, err := s.Conversations().CreateGroup(ctx, args[0], args[1:])
			if err != nil {
				return err
			}
			fmt.Printf("Created group %s (%s)\n", conv.Name, conv.ID)
			return nil
		})
	},
}

var leaveCmd = &cobra.Command{
	Use:   "leave <conversation-id>",
	Short: "Leave a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return withSession(ctx, func(s *services.Session) error {
			return s.Conversations().Leave(ctx, args[0])
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message...>",
	Short: "Send a text message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return withSession(ctx, func(s *services.Session) error {
			v, err := s.Open(ctx, args[0])
			if err != nil {
				return err
			}
			msg, err := v.Send(ctx, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Printf("Sent %s\n", msg.ID)
			return nil
		})
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <conversation-id> <file>",
	Short: "Upload an image or PDF and send it as an attachment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return withSession(ctx, func(s *services.Session) error {
			v, err := s.Open(ctx, args[0])
			if err != nil {
				return err
			}
			msg, err := v.SendAttachment(ctx, caption, services.File{Name: filepath.Base(args[1]), Data: data})
			if err != nil {
				return err
			}
			fmt.Printf("Sent %s (%s, %s)\n", msg.ID, msg.AttachmentType, humanize.IBytes(uint64(msg.AttachmentSize)))
			return nil
		})
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <message-id> <emoji>",
	Short: "Toggle your reaction on a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return withSession(ctx, func(s *services.Session) error {
			on, err := s.Reactions().Toggle(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if on {
				fmt.Println("Reaction added")
			} else {
				fmt.Println("Reaction removed")
			}
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Print a conversation and follow new messages and typing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return withSession(ctx, func(s *services.Session) error {
			return watch(ctx, s, args[0])
		})
	},
}

func watch(ctx context.Context, s *services.Session, conversationID string) error {
	printed := make(map[string]bool)
	updates := make(chan services.Update, 64)
	unsubscribe := s.Subscribe(func(u services.Update) {
		select {
		case updates <- u:
		default:
		}
	})
	defer unsubscribe()

	v, err := s.Open(ctx, conversationID)
	if err != nil {
		return err
	}
	defer v.Close()

	typing := ""
	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-updates:
			switch u.Kind {
			case services.UpdateMessages:
				for _, m := range u.Messages {
					if printed[m.ID] || models.IsTempID(m.ID) {
						continue
					}
					printed[m.ID] = true
					fmt.Println(formatMessage(ctx, s, m))
				}
			case services.UpdateTyping:
				if u.TypingText != typing && u.TypingText != "" {
					fmt.Println("  " + u.TypingText)
				}
				typing = u.TypingText
			case services.UpdateError:
				fmt.Fprintln(os.Stderr, "error:", u.Error)
			}
		}
	}
}

func formatMessage(ctx context.Context, s *services.Session, m models.Message) string {
	author := s.Users().DisplayName(ctx, m.AuthorID)
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), author, m.Content)
	if ref, ok := m.Attachment(); ok {
		line += fmt.Sprintf(" <%s %s %s>", ref.Kind, humanize.IBytes(uint64(ref.Size)), ref.URL)
	}
	return line
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user's profile, creating it on first use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return withSession(ctx, func(s *services.Session) error {
			u, err := s.Users().EnsureUser(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s <%s> (%s) %s\n", u.Name(), u.Email, u.ID, services.LastSeenText(*u, time.Now()))
			return nil
		})
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Update your display name or username",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return withSession(ctx, func(s *services.Session) error {
			u, err := s.Users().UpdateProfile(ctx, displayName, username)
			if err != nil {
				return err
			}
			fmt.Printf("Profile updated: %s\n", u.Name())
			return nil
		})
	},
}

var presenceCmd = &cobra.Command{
	Use:       "presence <online|offline>",
	Short:     "Publish your presence",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"online", "offline"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		return withSession(ctx, func(s *services.Session) error {
			return s.SetPresence(ctx, args[0] == "online")
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed id token for the self-hosted backend",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is not set")
		}
		if tokenID == "" || tokenEmail == "" {
			return fmt.Errorf("--id and --email are required")
		}
		token, err := auth.GenerateToken(auth.User{ID: tokenID, Email: tokenEmail}, cfg.JWTSecret, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	directCmd.Flags().BoolVar(&reuseDirect, "reuse", false, "reuse an existing direct conversation instead of creating another")
	uploadCmd.Flags().StringVar(&caption, "caption", "", "text sent with the attachment")
	profileCmd.Flags().StringVar(&displayName, "display-name", "", "new display name")
	profileCmd.Flags().StringVar(&username, "username", "", "new username")
	tokenCmd.Flags().StringVar(&tokenID, "id", "", "user id (token subject)")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "user email")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}
