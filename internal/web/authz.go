package web

import (
	"context"
	"errors"
	"fmt"

	"icsreminder/internal/config"
)

// Authorizer decides whether sender may manage reminders in roomID.
type Authorizer interface {
	Allowed(ctx context.Context, sender, roomID string) (bool, error)
}

// AllowAll permits every request.
type AllowAll struct{}

func (AllowAll) Allowed(context.Context, string, string) (bool, error) { return true, nil }

// AdminList permits a fixed set of senders in every room.
type AdminList map[string]struct{}

func NewAdminList(admins []string) AdminList {
	out := make(AdminList, len(admins))
	for _, a := range admins {
		if a != "" {
			out[a] = struct{}{}
		}
	}
	return out
}

func (a AdminList) Allowed(_ context.Context, sender, _ string) (bool, error) {
	_, ok := a[sender]
	return ok, nil
}

// PowerLevelChecker is the homeserver-backed power level oracle.
type PowerLevelChecker interface {
	UserHasPowerLevelFor(ctx context.Context, userID, roomID, eventType string, isState bool) (bool, error)
}

// PowerLevels permits senders whose room power level allows sending the
// configured state event.
type PowerLevels struct {
	Checker   PowerLevelChecker
	EventType string
}

func (p PowerLevels) Allowed(ctx context.Context, sender, roomID string) (bool, error) {
	if sender == "" {
		return false, nil
	}
	return p.Checker.UserHasPowerLevelFor(ctx, sender, roomID, p.EventType, true)
}

// NewAuthorizer builds the authorizer selected by cfg. checker may be nil
// unless the mode is power_level.
func NewAuthorizer(cfg config.PermissionConfig, checker PowerLevelChecker) (Authorizer, error) {
	switch cfg.Mode {
	case "", config.PermissionOpen:
		return AllowAll{}, nil
	case config.PermissionAdmins:
		return NewAdminList(cfg.Admins), nil
	case config.PermissionPowerLevel:
		if checker == nil {
			return nil, errors.New("web: power_level permissions need a matrix homeserver")
		}
		return PowerLevels{Checker: checker, EventType: cfg.EventType}, nil
	default:
		return nil, fmt.Errorf("web: unknown permission mode %q", cfg.Mode)
	}
}
