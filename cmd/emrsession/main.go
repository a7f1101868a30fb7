// Command emrsession is a walkthrough of the session lifecycle against a
// live clinical-records API: login (with MFA if prompted), an authenticated
// request through the gateway, then logout. Credentials come from the
// EMR_EMAIL and EMR_PASSWORD environment variables.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cliniqa/go-emr-session/credentials"
	"github.com/cliniqa/go-emr-session/gateway"
	"github.com/cliniqa/go-emr-session/internal/config"
	"github.com/cliniqa/go-emr-session/session"
	"github.com/cliniqa/go-emr-session/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "emrsession: %s\n", err)
		os.Exit(1)
	}
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	creds := credentials.NewStore(newStorage(c), credentials.WithLogger(logger))
	api := session.NewAPI(c.GetBaseURL(),
		session.WithHTTPClient(&http.Client{Timeout: c.GetHTTPTimeout()}),
		session.WithAPILogger(logger),
	)

	machine, err := session.NewMachine(api, creds, session.MonitorConfig{
		IdleTimeout:   c.GetIdleTimeout(),
		WarningLead:   c.GetWarningLead(),
		CheckInterval: c.GetCheckInterval(),
	},
		session.WithLogger(logger),
		session.WithExpiredFunc(func() {
			fmt.Println("Session expired, please log in again.")
		}),
	)
	if err != nil {
		return err
	}

	gw := gateway.New(&http.Client{Timeout: c.GetHTTPTimeout()}, creds, machine.Coordinator(),
		gateway.WithLogger(logger))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := login(ctx, machine); err != nil {
		return err
	}
	principal, _ := machine.Principal()
	fmt.Printf("Authenticated as %s (%s)\n", principal.DisplayName, principal.Role)

	if err := fetchPatients(ctx, c, gw); err != nil {
		logger.Warn().Err(err).Msg("authenticated request failed")
	}

	if err := machine.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	fmt.Println("Logged out.")
	return nil
}

func login(ctx context.Context, machine *session.Machine) error {
	email := os.Getenv("EMR_EMAIL")
	password := os.Getenv("EMR_PASSWORD")
	if email == "" || password == "" {
		return errors.New("EMR_EMAIL and EMR_PASSWORD must be set")
	}

	outcome, err := machine.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if !outcome.MFARequired {
		return nil
	}

	fmt.Printf("Second factor required (%s). Code: ", strings.Join(outcome.Methods, ", "))
	reader := bufio.NewReader(os.Stdin)
	code, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read mfa code: %w", err)
	}
	if err := machine.VerifyMFA(ctx, strings.TrimSpace(code)); err != nil {
		return fmt.Errorf("mfa verify: %w", err)
	}
	return nil
}

func fetchPatients(ctx context.Context, c config.Config, gw *gateway.Gateway) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.GetBaseURL()+"/patients", nil)
	if err != nil {
		return err
	}
	resp, err := gw.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Printf("GET /patients -> %d (%d bytes)\n", resp.StatusCode, len(body))
	return nil
}

func newStorage(c config.EnvConfig) storage.Store {
	addr := c.GetRedisAddr()
	if addr == "" {
		return storage.NewMemoryStore()
	}
	return storage.NewRedisStore(redis.NewClient(&redis.Options{Addr: addr}))
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
