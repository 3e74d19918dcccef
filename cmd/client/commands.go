package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-auth-client/auth"
	"github.com/jrsteele09/go-auth-client/authapi"
	"github.com/jrsteele09/go-auth-client/internal/config"
	"github.com/spf13/cobra"
)

// rootCommand builds the app before any subcommand runs and restores the
// persisted session, so every command sees the same state a UI would.
type rootCommand struct {
	cfg config.Config
	app *app
}

func newRootCommand(cfg config.Config) *cobra.Command {
	r := &rootCommand{cfg: cfg}
	root := &cobra.Command{
		Use:           "platform-client",
		Short:         "Command line client for the platform API",
		SilenceErrors: true,
		SilenceUsage:  true,
		Run: func(cmd *cobra.Command, args []string) {
			displayAppname(cfg.GetAppName())
			_ = cmd.Help()
		},
	}

	withApp := func(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if err := r.open(cmd.Context(), cmd.OutOrStdout()); err != nil {
				return err
			}
			defer r.close()
			return run(cmd, r.app, args)
		}
	}

	root.AddCommand(
		loginCommand(withApp),
		registerCommand(withApp),
		logoutCommand(withApp),
		whoamiCommand(withApp),
		getCommand(withApp),
		resendVerificationCommand(withApp),
	)
	return root
}

type appRunner func(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error

func (r *rootCommand) open(ctx context.Context, out io.Writer) error {
	a, err := newApp(ctx, r.cfg, out)
	if err != nil {
		return err
	}
	if err := a.manager.RestoreSession(ctx); err != nil {
		_ = a.Close()
		return err
	}
	r.app = a
	return nil
}

func (r *rootCommand) close() {
	if r.app != nil {
		_ = r.app.Close()
		r.app = nil
	}
}

func loginCommand(withApp appRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <email-or-username>",
		Short: "Log in and persist the session",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			password, _ := cmd.Flags().GetString("password")
			if password == "" {
				var err error
				if password, err = readLine(cmd, "Password: "); err != nil {
					return err
				}
			}
			sess, err := a.manager.Login(cmd.Context(), args[0], password)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Logged in as %s (%s)\n", sess.User.Username, sess.User.Role)
			return nil
		}),
	}
	cmd.Flags().String("password", "", "password (prompted for when empty)")
	return cmd
}

func registerCommand(withApp appRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account; log in after verifying the email",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			var req authapi.RegisterRequest
			req.Username, _ = cmd.Flags().GetString("username")
			req.Email, _ = cmd.Flags().GetString("email")
			req.Password, _ = cmd.Flags().GetString("password")
			if req.Password == "" {
				var err error
				if req.Password, err = readLine(cmd, "Password: "); err != nil {
					return err
				}
			}
			if err := a.manager.Register(cmd.Context(), req); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Account created. Check %s for a verification email.\n", req.Email)
			return nil
		}),
	}
	cmd.Flags().String("username", "", "username")
	cmd.Flags().String("email", "", "email address")
	cmd.Flags().String("password", "", "password (prompted for when empty)")
	return cmd
}

func logoutCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the persisted session",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if !a.manager.IsAuthenticated() {
				fmt.Fprintln(a.out, "Not logged in.")
				return nil
			}
			return a.manager.Logout(cmd.Context())
		}),
	}
}

func whoamiCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the active user",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			user := a.manager.CurrentUser()
			if user == nil {
				fmt.Fprintln(a.out, auth.StatusUnauthenticated)
				return nil
			}
			enc := json.NewEncoder(a.out)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Status        string `json:"status"`
				Admin         bool   `json:"admin"`
				EmailVerified bool   `json:"emailVerified"`
				User          any    `json:"user"`
			}{a.manager.Status().String(), a.manager.IsAdmin(), a.manager.IsEmailVerified(), user})
		}),
	}
}

func getCommand(withApp appRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <path>",
		Short: "GET an API path through the authenticated pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			path := args[0]
			if !strings.HasPrefix(path, "/") {
				path = "/" + path
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, a.cfg.GetBaseURL()+path, nil)
			if err != nil {
				return err
			}
			req.Header.Set("Accept", "application/json")

			resp, err := a.pipeline.Client(a.cfg.GetTimeout()).Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			fmt.Fprintln(cmd.ErrOrStderr(), resp.Status)
			if _, err := io.Copy(a.out, resp.Body); err != nil {
				return err
			}
			if showMetrics, _ := cmd.Flags().GetBool("metrics"); showMetrics {
				return a.printMetrics(cmd.ErrOrStderr())
			}
			return nil
		}),
	}
	cmd.Flags().Bool("metrics", false, "print the pipeline counters after the call")
	return cmd
}

func resendVerificationCommand(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "resend-verification",
		Short: "Send the verification email again",
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if !a.manager.ResendVerification(cmd.Context()) {
				return errors.New("verification email could not be sent")
			}
			fmt.Fprintln(a.out, "Verification email sent.")
			return nil
		}),
	}
}

func readLine(cmd *cobra.Command, prompt string) (string, error) {
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
