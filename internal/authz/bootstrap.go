package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/meridian-gallery/meridian/internal/audit"
)

// ErrAlreadyBootstrapped means an active super_admin grant exists, so
// the out-of-band bootstrap path is closed.
var ErrAlreadyBootstrapped = errors.New("authz: already bootstrapped")

// ErrBootstrapToken means the presented bootstrap token did not match.
var ErrBootstrapToken = errors.New("authz: bootstrap token rejected")

// BootstrapStore is the store surface the bootstrap procedure needs.
type BootstrapStore interface {
	CountActiveSuperAdmins(ctx context.Context) (int, error)
	CreateGrant(ctx context.Context, grant Grant, record audit.Record) (Grant, error)
}

// Bootstrapper establishes the very first super_admin grant. Grant
// administration requires a super_admin actor, so the first grant can
// never be created through the normal path; this one-time procedure is
// authorized by a pre-shared token instead and refuses to run again
// once any active super_admin exists.
type Bootstrapper struct {
	store     BootstrapStore
	tokenHash []byte // bcrypt hash of the pre-shared token
	logger    *slog.Logger
	now       func() time.Time
}

// NewBootstrapper constructs the bootstrap procedure. The hash comes
// from configuration; an empty hash disables bootstrapping entirely.
func NewBootstrapper(store BootstrapStore, tokenHash string, logger *slog.Logger) *Bootstrapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrapper{
		store:     store,
		tokenHash: []byte(tokenHash),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Establish creates the first super_admin grant for identity after
// verifying the token. The audit trail records the mutation with the
// reserved actor name "bootstrap".
func (b *Bootstrapper) Establish(ctx context.Context, token string, identity Identity) (Grant, error) {
	if strings.TrimSpace(string(identity)) == "" {
		return Grant{}, fmt.Errorf("authz: bootstrap: identity required")
	}
	if len(b.tokenHash) == 0 {
		return Grant{}, fmt.Errorf("authz: bootstrap: %w: no token configured", ErrBootstrapToken)
	}
	if err := bcrypt.CompareHashAndPassword(b.tokenHash, []byte(token)); err != nil {
		b.logger.Warn("bootstrap token rejected", slog.String("identity", string(identity)))
		return Grant{}, ErrBootstrapToken
	}

	count, err := b.store.CountActiveSuperAdmins(ctx)
	if err != nil {
		return Grant{}, fmt.Errorf("authz: bootstrap: %w", err)
	}
	if count > 0 {
		return Grant{}, ErrAlreadyBootstrapped
	}

	now := b.now()
	grant := Grant{
		Identity:  identity,
		Tier:      TierSuperAdmin,
		Active:    true,
		CreatedBy: "bootstrap",
		CreatedAt: now,
		UpdatedBy: "bootstrap",
		UpdatedAt: now,
	}
	record := audit.Record{
		ID:             uuid.New(),
		Actor:          "bootstrap",
		TargetIdentity: string(identity),
		Action:         audit.ActionBootstrap,
		AfterState:     snapshotJSON(grant),
		Reason:         "initial super_admin grant",
		CreatedAt:      now,
	}
	created, err := b.store.CreateGrant(ctx, grant, record)
	if err != nil {
		return Grant{}, fmt.Errorf("authz: bootstrap: %w", err)
	}
	b.logger.Info("bootstrap grant established", slog.String("identity", string(identity)))
	return created, nil
}
