// orbitmail is a command-line surface over the sync core: every
// subcommand except watch maps directly to one row of the command table
// a UI process would otherwise call into; watch runs the IDLE, poll,
// and checkpoint loops in the foreground.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/orbitmail/core/internal/config"
	"github.com/orbitmail/core/internal/message"
	"github.com/orbitmail/core/internal/service"
	"github.com/spf13/cobra"
)

var svc *service.Service

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "orbitmail",
		Short: "IMAP mail-sync core for a Gmail inbox mirror",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			s, err := service.New(cfg)
			if err != nil {
				return fmt.Errorf("start service: %w", err)
			}
			svc = s
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if svc != nil {
				svc.Close()
			}
		},
	}

	root.AddCommand(
		newAccountCmd(),
		newBootstrapCmd(),
		newMailboxesCmd(),
		newInboxCmd(),
		newSyncCmd(),
		newBodyCmd(),
		newPageCmd(),
		newReadCmd(),
		newStarCmd(),
		newDeleteCmd(),
		newWatchCmd(),
	)
	return root
}

func newAccountCmd() *cobra.Command {
	var email, refreshToken, accessToken string
	var expiresAt int64

	add := &cobra.Command{
		Use:   "add",
		Short: "Register an account from an already-obtained OAuth2 token set",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := svc.LoginGoogle(email, refreshToken, accessToken, expiresAt)
			if err != nil {
				return err
			}
			fmt.Printf("logged in as %s (%s)\n", user.Email, user.AccountID)
			return nil
		},
	}
	add.Flags().StringVar(&email, "email", "", "account email address")
	add.Flags().StringVar(&refreshToken, "refresh-token", "", "OAuth2 refresh token")
	add.Flags().StringVar(&accessToken, "access-token", "", "OAuth2 access token, if already obtained")
	add.Flags().Int64Var(&expiresAt, "expires-at", 0, "access token expiry, unix seconds")
	add.MarkFlagRequired("email")
	add.MarkFlagRequired("refresh-token")

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			accts, err := svc.ListAccounts()
			if err != nil {
				return err
			}
			for _, a := range accts {
				fmt.Printf("%s\t%s\n", a.AccountID, a.Email)
			}
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <account-id>",
		Short: "Remove a registered account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.LogoutUser(args[0])
		},
	}

	account := &cobra.Command{Use: "account", Short: "Manage registered accounts"}
	account.AddCommand(add, list, remove)
	return account
}

func newBootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Resolve and refresh the active account",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := svc.BootstrapAccounts(context.Background())
			if err != nil {
				return err
			}
			if result.User == nil {
				fmt.Println("no account configured")
				return nil
			}
			fmt.Printf("%s (%s) needs_refresh=%v\n", result.User.Email, result.User.AccountID, result.NeedsRefresh)
			return nil
		},
	}
}

func newMailboxesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mailboxes",
		Short: "List mailboxes via IMAP LIST",
		RunE: func(cmd *cobra.Command, args []string) error {
			mailboxes, err := svc.GetMailboxes()
			if err != nil {
				return err
			}
			for _, mb := range mailboxes {
				fmt.Printf("%-30s %s\n", mb.Name, mb.Type)
			}
			return nil
		},
	}
}

func newInboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inbox",
		Short: "Sync then print the full local inbox mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			headers, err := svc.GetInboxMessages(context.Background())
			if err != nil {
				return err
			}
			printHeaders(headers)
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run sync_inbox once and print the new-message count",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := svc.SyncInbox(context.Background())
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
}

func newBodyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "body <uid>",
		Short: "Print a message's rendered HTML body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseUID(args[0])
			if err != nil {
				return err
			}
			html, err := svc.GetMessageBody(context.Background(), uid)
			if err != nil {
				return err
			}
			fmt.Println(html)
			return nil
		},
	}
}

func newPageCmd() *cobra.Command {
	var beforeUID uint32
	var limit int

	cmd := &cobra.Command{
		Use:   "page",
		Short: "Print a page of cached message headers",
		RunE: func(cmd *cobra.Command, args []string) error {
			var before *uint32
			if cmd.Flags().Changed("before-uid") {
				before = &beforeUID
			}
			headers, err := svc.GetMessagesPage(before, limit)
			if err != nil {
				return err
			}
			printHeaders(headers)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&beforeUID, "before-uid", 0, "only messages with UID less than this")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows, capped at 100")
	return cmd
}

func newReadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <uid>",
		Short: "Mark a message as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseUID(args[0])
			if err != nil {
				return err
			}
			return svc.MarkAsRead(uid)
		},
	}
}

func newStarCmd() *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "star <uid>",
		Short: "Star (or, with --off, unstar) a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseUID(args[0])
			if err != nil {
				return err
			}
			return svc.ToggleStar(uid, !off)
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "unstar instead of star")
	return cmd
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <uid>",
		Short: "Move a message to Trash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseUID(args[0])
			if err != nil {
				return err
			}
			return svc.DeleteMessage(uid)
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run IDLE + poll continuously, printing a line on each mail:updated event",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go svc.Run(ctx)

			for range svc.Updates() {
				fmt.Println("mail:updated")
			}
			return nil
		},
	}
}

func printHeaders(headers []*message.Header) {
	for _, h := range headers {
		mark := " "
		if h.Seen {
			mark = "R"
		}
		star := " "
		if h.Flagged {
			star = "*"
		}
		fmt.Printf("%d\t%s%s\t%s\t%s\t%s\n", h.UID, mark, star, h.Date.Format("2006-01-02 15:04"), h.Sender, h.Subject)
	}
}

func parseUID(s string) (uint32, error) {
	var uid uint32
	_, err := fmt.Sscanf(s, "%d", &uid)
	if err != nil {
		return 0, fmt.Errorf("invalid uid %q: %w", s, err)
	}
	return uid, nil
}
