package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	customerdomain "github.com/felixgeelhaar/storeflow/internal/customer/domain"
	"github.com/felixgeelhaar/storeflow/internal/engine"
)

// customerRef is the --customer persistent flag.
var customerRef string

// App holds the CLI application dependencies.
type App struct {
	Engine *engine.Engine
}

// app is the global CLI application instance
var app *App

// SetApp sets the global CLI application instance.
func SetApp(a *App) {
	app = a
}

// GetApp returns the global CLI application instance.
func GetApp() *App {
	return app
}

// requireApp returns the app or an error when the container failed to
// initialize.
func requireApp() (*App, error) {
	a := GetApp()
	if a == nil || a.Engine == nil {
		return nil, errors.New("engine not initialized; check configuration")
	}
	return a, nil
}

// resolveCustomerRef picks the customer reference from the --customer
// flag or the STOREFLOW_CUSTOMER environment variable.
func resolveCustomerRef() (string, error) {
	if customerRef != "" {
		return customerRef, nil
	}
	if ref := os.Getenv("STOREFLOW_CUSTOMER"); ref != "" {
		return ref, nil
	}
	return "", errors.New("no customer set; pass --customer or set STOREFLOW_CUSTOMER")
}

// ensureSession logs the configured customer in and returns it. The CLI
// is process-per-command, so every session-bound command establishes
// its session up front.
func ensureSession(cmd *cobra.Command, a *App) (customerdomain.Customer, error) {
	ref, err := resolveCustomerRef()
	if err != nil {
		return customerdomain.Customer{}, err
	}
	return a.Engine.Login(cmd.Context(), ref)
}
