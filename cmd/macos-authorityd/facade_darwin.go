// Copyright 2025 Joseph Cumines

//go:build darwin

package main

import (
	"log/slog"

	"github.com/joeycumines/macos-authority/internal/osfacade"
)

// newPlatformFacade returns the production cgo facade. Missing
// accessibility permission is surfaced (with a prompt) rather than
// silently degrading, since nothing useful works without it.
func newPlatformFacade(logger *slog.Logger) (osfacade.Facade, error) {
	d, err := osfacade.NewDarwin(true)
	if err != nil {
		return nil, err
	}
	logger.Info("using darwin accessibility facade")
	return d, nil
}
