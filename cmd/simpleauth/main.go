package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/aussiebroadwan/simpleauth/internal/app"
	"github.com/aussiebroadwan/simpleauth/pkg/simpleauth"
)

const usage = `usage: simpleauth <command> [flags]

commands:
  providers                          list configured providers
  initiate -provider ID [-mode M] [-p key=value ...]
  signup   -provider ID -p key=value ...
  signin   -provider ID -p key=value ...
  session  -token TOKEN
  signout  -token TOKEN
  serve                              run housekeeping and serve /metrics, /livez, /readyz
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err := run(context.Background(), os.Args[1], os.Args[2:], os.Stdout); err != nil {
		var flagErr *usageError
		if errors.As(err, &flagErr) {
			fmt.Fprintln(os.Stderr, err)
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		writeError(os.Stderr, err)
		os.Exit(1)
	}
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

// payloadFlag collects repeated -p key=value pairs.
type payloadFlag simpleauth.Payload

func (p payloadFlag) String() string { return "" }

func (p payloadFlag) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	p[key] = value
	return nil
}

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		providerID = fs.String("provider", "", "provider id")
		mode       = fs.String("mode", "", "initiate mode (signin, signup)")
		token      = fs.String("token", "", "session token")
		payload    = simpleauth.Payload{}
	)
	fs.Var(payloadFlag(payload), "p", "payload field as key=value, repeatable")

	if err := fs.Parse(args); err != nil {
		return &usageError{msg: err.Error()}
	}

	switch cmd {
	case "providers", "initiate", "signup", "signin", "session", "signout", "serve":
	default:
		return &usageError{msg: fmt.Sprintf("unknown command %q", cmd)}
	}

	application, err := app.New(ctx, app.LoadConfig())
	if err != nil {
		return err
	}
	defer func() { _ = application.Close() }()

	engine := application.Engine()

	switch cmd {
	case "providers":
		return writeJSON(out, engine.Providers())

	case "initiate":
		ch, err := engine.Initiate(ctx, *providerID, simpleauth.Attempt{Mode: simpleauth.Mode(*mode), Payload: payload})
		if err != nil {
			return err
		}
		return writeJSON(out, challengeView(ch))

	case "signup":
		sess, err := engine.SignUp(ctx, *providerID, simpleauth.Attempt{Payload: payload})
		if err != nil {
			return err
		}
		return writeJSON(out, sessionView(sess))

	case "signin":
		sess, err := engine.SignIn(ctx, *providerID, simpleauth.Attempt{Payload: payload})
		if err != nil {
			return err
		}
		return writeJSON(out, sessionView(sess))

	case "session":
		sess, err := engine.GetSession(ctx, *token)
		if err != nil {
			return err
		}
		return writeJSON(out, sessionView(sess))

	case "signout":
		if err := engine.SignOut(ctx, *token); err != nil {
			return err
		}
		return writeJSON(out, map[string]string{"status": "signed_out"})

	default: // serve
		if err := application.Run(); err != nil {
			log.Printf("application error: %v", err)
			return err
		}
		return nil
	}
}

type challengeJSON struct {
	Kind        simpleauth.ChallengeKind `json:"kind"`
	ProviderID  string                   `json:"provider_id"`
	RedirectURL string                   `json:"redirect_url,omitempty"`
	StateToken  string                   `json:"state_token,omitempty"`
	Fields      []string                 `json:"fields,omitempty"`
	Destination string                   `json:"destination,omitempty"`
	ExpiresAt   *time.Time               `json:"expires_at,omitempty"`
}

func challengeView(ch simpleauth.Challenge) challengeJSON {
	v := challengeJSON{
		Kind:        ch.Kind,
		ProviderID:  ch.ProviderID,
		RedirectURL: ch.RedirectURL,
		StateToken:  ch.StateToken,
		Fields:      ch.Fields,
		Destination: ch.Destination,
	}
	if !ch.ExpiresAt.IsZero() {
		v.ExpiresAt = &ch.ExpiresAt
	}
	return v
}

type sessionJSON struct {
	ID         string    `json:"id"`
	Token      string    `json:"token,omitempty"`
	UserID     string    `json:"user_id"`
	ProviderID string    `json:"provider_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func sessionView(s simpleauth.Session) sessionJSON {
	return sessionJSON{
		ID:         s.ID,
		Token:      s.Token,
		UserID:     s.UserID,
		ProviderID: s.ProviderID,
		IssuedAt:   s.IssuedAt,
		ExpiresAt:  s.ExpiresAt,
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type errorJSON struct {
	Code       simpleauth.Code `json:"code"`
	Message    string          `json:"message"`
	Violations []string        `json:"violations,omitempty"`
}

func writeError(w io.Writer, err error) {
	var authErr *simpleauth.Error
	if !errors.As(err, &authErr) {
		_ = writeJSON(w, errorJSON{Message: err.Error()})
		return
	}
	_ = writeJSON(w, errorJSON{
		Code:       authErr.Code,
		Message:    authErr.Message,
		Violations: authErr.Violations,
	})
}
