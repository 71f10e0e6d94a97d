// Copyright 2025 Joseph Cumines

//go:build !darwin

package main

import (
	"log/slog"

	"github.com/joeycumines/macos-authority/internal/osfacade"
)

// newPlatformFacade returns the in-memory facade on non-darwin platforms,
// where there is no compositor or accessibility tree to talk to. The
// server still starts (useful for protocol-level development and CI), but
// every enumeration is empty until state is seeded programmatically.
func newPlatformFacade(logger *slog.Logger) (osfacade.Facade, error) {
	logger.Warn("no macOS subsystems on this platform; serving the in-memory facade")
	return osfacade.NewFake(), nil
}
