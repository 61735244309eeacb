// Command server runs the link service: account registration, token login, link
// creation and listing, redirects and QR codes.
package main

import (
	"context"
	"log"

	"github.com/sundayezeilo/shorty/internal/app"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx := context.Background()

	application, err := app.New(ctx)
	if err != nil {
		return err
	}
	defer application.Shutdown()

	// Blocks until SIGINT/SIGTERM.
	return application.Start(ctx)
}
