package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"lattice/internal/models"
	"lattice/internal/store"
)

// Verification outcomes. Verify returns these as plain strings so that no
// credential material can ride along inside a wrapped error.
const (
	ReasonSuccess      = "Success"
	ReasonUserNotFound = "User not found."
	ReasonBadPassword  = "Incorrect password."
	ReasonNoPermission = "User has insufficient permissions."
)

// Registry resolves credentials against the user store. With bypass enabled
// every check passes, which keeps single-user deployments free of account
// management.
type Registry struct {
	store  store.UserStore
	bypass bool
	logger *slog.Logger
}

func NewRegistry(st store.UserStore, bypass bool, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: st, bypass: bypass, logger: logger}
}

// Bypass reports whether credential checks are disabled.
func (r *Registry) Bypass() bool {
	return r.bypass
}

// AddUser hashes the password and stores the account. A taken username
// returns false and leaves the existing record untouched. Accounts created
// without permissions can read.
func (r *Registry) AddUser(ctx context.Context, username, password string, perms models.Permission) (bool, error) {
	if strings.TrimSpace(username) == "" {
		return false, fmt.Errorf("%w: username must not be empty", models.ErrValidation)
	}
	if password == "" {
		return false, fmt.Errorf("%w: password must not be empty", models.ErrValidation)
	}
	if perms == models.PermNone {
		perms = models.PermRead
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("hash password: %w", err)
	}
	created, err := r.store.AddUser(ctx, models.User{
		Username:     username,
		PasswordHash: hash,
		Permissions:  perms,
	})
	if err != nil {
		return false, fmt.Errorf("store user: %w", err)
	}
	return created, nil
}

// Verify checks the password and the required permission. Storage failures
// are logged and reported as an unknown user so callers always get a plain
// allow/deny answer.
func (r *Registry) Verify(ctx context.Context, username, password string, perm models.Permission) (bool, string) {
	if r.bypass {
		return true, ReasonSuccess
	}
	u, err := r.store.GetUser(ctx, username)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			r.logger.Error("user lookup failed", "username", username, "error", err)
		}
		return false, ReasonUserNotFound
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return false, ReasonBadPassword
	}
	if !u.Permissions.Has(perm) {
		return false, ReasonNoPermission
	}
	return true, ReasonSuccess
}

// RemoveUser deletes the account, reporting whether it existed.
func (r *Registry) RemoveUser(ctx context.Context, username string) (bool, error) {
	removed, err := r.store.RemoveUser(ctx, username)
	if err != nil {
		return false, fmt.Errorf("remove user: %w", err)
	}
	return removed, nil
}
