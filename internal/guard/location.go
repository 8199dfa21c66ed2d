package guard

import (
	"context"
	"strings"

	"xypay/internal/model"
	"xypay/internal/repository"
)

// LocationHistory answers where a user last transacted from. The empty
// string means unknown.
type LocationHistory interface {
	LastKnownLocation(ctx context.Context, userID, excludeTransferID int64) (string, error)
}

// LocationGuard requires verification when a transfer arrives from a
// location different from the user's last successful one.
type LocationGuard struct {
	history LocationHistory
}

func NewLocationGuard(history LocationHistory) *LocationGuard {
	return &LocationGuard{history: history}
}

func (g *LocationGuard) Name() string      { return "location_guard" }
func (g *LocationGuard) StatusKey() string { return model.LocationGuardStatusKey }

func (g *LocationGuard) Evaluate(ctx context.Context, t *model.TransferRequest) (Decision, error) {
	current := normalizeLocation(t.Metadata[model.MetaLocation])
	if current == "" {
		return Decision{}, nil
	}

	last, err := g.history.LastKnownLocation(ctx, t.UserID, t.ID)
	if err != nil {
		return Decision{}, err
	}
	last = normalizeLocation(last)
	if last == "" || last == current {
		return Decision{}, nil
	}
	return Decision{Required: true, Passed: passed(t, g.StatusKey())}, nil
}

func normalizeLocation(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// TransferLocationHistory reads the location from the user's most recent
// successful transfer.
type TransferLocationHistory struct {
	transfers *repository.TransferRepository
}

func NewTransferLocationHistory(transfers *repository.TransferRepository) *TransferLocationHistory {
	return &TransferLocationHistory{transfers: transfers}
}

func (h *TransferLocationHistory) LastKnownLocation(ctx context.Context, userID, excludeTransferID int64) (string, error) {
	last, err := h.transfers.LastSuccessfulForUser(ctx, userID, excludeTransferID)
	if err != nil || last == nil {
		return "", err
	}
	return last.Metadata[model.MetaLocation], nil
}
