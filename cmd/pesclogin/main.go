package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/pescbridge/pescbridge/pkg/log"
	"github.com/pescbridge/pescbridge/pkg/pesc"
	"github.com/pescbridge/pescbridge/pkg/session"
	"github.com/pescbridge/pescbridge/pkg/storage"
)

func main() {
	db := storage.Configured()
	sess := session.Configured(db)
	reauth := lflag.Bool("reauth", false, "Re-authenticate the stored login with a new password")
	logout := lflag.Bool("logout", false, "Log out and forget the stored login")

	lflag.Configure()

	level, err := log.LevelFromLLog(llog.GetLevel())
	if err != nil {
		panic(err)
	}
	log.SetDefaultLogLevel(level)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	defer func() {
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	if _, err := sess.Load(ctx); err != nil {
		fatal(fmt.Errorf("failed to load settings: %w", err))
	}

	switch {
	case *logout:
		err = sess.Logout(ctx)
		if err == nil {
			fmt.Println("Logged out.")
		}
	case *reauth:
		err = runReauth(ctx, sess)
	default:
		err = runLogin(ctx, sess)
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	if errors.Is(err, huh.ErrUserAborted) {
		os.Exit(130)
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

// flowMessage turns a validation error into something to show next to the form.
func flowMessage(err error) (string, bool) {
	var fe *session.FlowError
	if !errors.As(err, &fe) {
		return "", false
	}
	switch fe.Code {
	case session.CodeInvalidUsername:
		return "The phone number or email is not valid.", true
	case session.CodeInvalidPassword:
		return "The password is too short.", true
	default:
		return fe.Error(), true
	}
}

func runLogin(ctx context.Context, sess *session.Manager) error {
	if sess.LoggedIn() {
		fmt.Printf("Already logged in as %s, it will be replaced.\n", sess.Credentials().Username)
	}

	loginType := pesc.LoginTypePhone
	savePassword := true
	var username, password string
	var confirmationTypes []string
	for {
		err := huh.NewForm(
			huh.NewGroup(
				huh.NewSelect[string]().
					Title("Login with").
					Options(
						huh.NewOption("Phone", pesc.LoginTypePhone),
						huh.NewOption("Email", pesc.LoginTypeEmail),
					).
					Value(&loginType),
			),
			huh.NewGroup(
				huh.NewInput().Title("Phone or email").Value(&username),
				huh.NewInput().Title("Password").Password(true).Value(&password),
				huh.NewConfirm().
					Title("Save the password?").
					Description("Without it the bridge can't log in again on its own.").
					Value(&savePassword),
			),
		).Run()
		if err != nil {
			return err
		}

		confirmationTypes, err = sess.Login(ctx, username, password, loginType, savePassword)
		if msg, ok := flowMessage(err); ok {
			fmt.Fprintln(os.Stderr, msg)
			continue
		}
		if err != nil {
			var ce *pesc.ClientError
			if errors.As(err, &ce) && ce.Code != 0 {
				fmt.Fprintln(os.Stderr, "Login failed:", ce.Message)
				continue
			}
			return err
		}
		break
	}

	if err := confirm(ctx, sess, confirmationTypes); err != nil {
		return err
	}
	creds := sess.Credentials()
	name := creds.Username
	if title, err := sess.FetchTitle(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Couldn't read the profile:", err)
	} else if title != "" {
		name = title
	}
	fmt.Printf("Logged in as %s (%s).\n", name, session.ProfileUniqueID(creds.LoginType, creds.Username))
	return nil
}

func runReauth(ctx context.Context, sess *session.Manager) error {
	if !sess.LoggedIn() {
		return errors.New("no stored login, run without -reauth first")
	}
	for {
		var password string
		err := huh.NewInput().
			Title(fmt.Sprintf("New password for %s", sess.Credentials().Username)).
			Password(true).
			Value(&password).
			Run()
		if err != nil {
			return err
		}

		confirmationTypes, err := sess.Reauth(ctx, password)
		if msg, ok := flowMessage(err); ok {
			fmt.Fprintln(os.Stderr, msg)
			continue
		}
		if err != nil {
			return err
		}
		if confirmationTypes != nil {
			if err := confirm(ctx, sess, confirmationTypes); err != nil {
				return err
			}
		}
		fmt.Println("Re-authentication completed.")
		return nil
	}
}

// confirm runs the second factor of a started login.
func confirm(ctx context.Context, sess *session.Manager, confirmationTypes []string) error {
	if len(confirmationTypes) == 0 {
		return errors.New("the provider offered no confirmation type")
	}
	confirmationType := confirmationTypes[0]
	if len(confirmationTypes) > 1 {
		options := make([]huh.Option[string], 0, len(confirmationTypes))
		for _, t := range confirmationTypes {
			options = append(options, huh.NewOption(session.ConfirmationLabel(t), t))
		}
		err := huh.NewSelect[string]().
			Title("Send the confirmation code by").
			Options(options...).
			Value(&confirmationType).
			Run()
		if err != nil {
			return err
		}
	}

	if err := sess.SendCode(ctx, confirmationType); err != nil {
		return fmt.Errorf("failed to send the confirmation code: %w", err)
	}

	for {
		var code string
		err := huh.NewInput().
			Title(fmt.Sprintf("Code received by %s", session.ConfirmationLabel(confirmationType))).
			Value(&code).
			Run()
		if err != nil {
			return err
		}
		err = sess.VerifyCode(ctx, code)
		var ce *pesc.ClientError
		if errors.As(err, &ce) && !pesc.IsAuth(err) {
			fmt.Fprintln(os.Stderr, "Wrong code:", ce.Message)
			continue
		}
		return err
	}
}
