// Command firesession loads a service account key, mints a Firestore
// access token and prints the Authorization header. With a collection
// and document id it also fetches that document, exercising the full
// credential-to-request path.
//
// Usage:
//
//	firesession [keyfile] [collection documentID]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"

	"github.com/firesession/firesession/credentials"
	"github.com/firesession/firesession/firestore"
	"github.com/firesession/firesession/internal/config"
	"github.com/firesession/firesession/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
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
	logger := newLogger(c.GetLogLevel())
	displayAppname(c.GetAppName())

	keyFile := c.GetCredentialsFile()
	args := os.Args[1:]
	if len(args) == 1 || len(args) == 3 {
		keyFile = args[0]
		args = args[1:]
	}

	account, err := credentials.LoadKeyFile(keyFile)
	if err != nil {
		return err
	}
	logger.Info().
		Str("project_id", account.ProjectID).
		Str("client_email", account.ClientEmail).
		Msg("credentials loaded")

	options := []session.Option{
		session.WithRefreshSkew(c.GetRefreshSkew()),
		session.WithAssertionLifetime(c.GetAssertionLifetime()),
		session.WithExchangeTimeout(c.GetExchangeTimeout()),
		session.WithLogger(logger),
	}
	if path := c.GetCachePath(); path != "" {
		options = append(options, session.WithCachePath(path))
	}
	if scopes := c.GetScopes(); len(scopes) > 0 {
		options = append(options, session.WithScopes(scopes...))
	}
	manager := session.New(account, options...)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	header, err := manager.AuthorizationHeader(ctx)
	if err != nil {
		return err
	}
	token, err := manager.Token(ctx)
	if err != nil {
		return err
	}
	logger.Info().Time("expires_at", token.ExpiresAt).Msg("access token issued")
	fmt.Println(header)

	if len(args) == 2 {
		return fetchDocument(ctx, manager, logger, args[0], args[1])
	}
	return nil
}

func fetchDocument(ctx context.Context, manager *session.Manager, logger zerolog.Logger, collection, documentID string) error {
	client := firestore.New(manager.ProjectID(), manager, firestore.WithLogger(logger))
	doc, err := client.Get(ctx, collection, documentID)
	if err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(parsed).With().Timestamp().Logger()
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
