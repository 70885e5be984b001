package main

import (
	"context"
	"errors"
	"log/slog"

	"unifiedauth/internal/auth"
)

const (
	demoEmail    = "demo@example.com"
	demoPassword = "demo-password"
)

// seedDemoIdentity registers a password identity for local development.
func seedDemoIdentity(ctx context.Context, svc *auth.Service, logger *slog.Logger) {
	_, err := svc.SignUp(ctx, auth.SignUpInput{
		Name:     "Demo User",
		Email:    demoEmail,
		Password: demoPassword,
	})
	switch {
	case err == nil:
		logger.Info("seeded demo identity", "email", demoEmail)
	case errors.Is(err, auth.ErrEmailAlreadyExists):
	default:
		logger.Warn("failed to seed demo identity", "error", err)
	}
}
