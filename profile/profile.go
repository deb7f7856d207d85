// Package profile holds the account flags owned by collaborators: identity
// verification status (set by the KYC flow) and VIP tier (set by the
// loyalty program). The ledger core only reads them.
package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/warp/coin-ledger/ledger"
)

// Status is the identity verification state of an account.
type Status string

const (
	StatusVerified   Status = "verified"
	StatusPending    Status = "pending"
	StatusUnverified Status = "unverified"
)

var ErrInvalidStatus = errors.New("invalid identity status")

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusVerified, StatusPending, StatusUnverified:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Profile is the collaborator-owned view of an account.
type Profile struct {
	AccountID      ledger.AccountID
	IdentityStatus Status
	Tier           string // empty means no VIP tier
	UpdatedAt      time.Time
}

// Default is the profile of an account nobody has described yet.
func Default(account ledger.AccountID) Profile {
	return Profile{AccountID: account, IdentityStatus: StatusUnverified}
}

// Directory reads and writes profiles. GetProfile never fails for an
// unknown account; it returns Default.
type Directory interface {
	GetProfile(ctx context.Context, account ledger.AccountID) (Profile, error)
	SaveProfile(ctx context.Context, p Profile) error
}

// Memory is an in-process Directory.
type Memory struct {
	mu       sync.RWMutex
	profiles map[ledger.AccountID]Profile
}

func NewMemory() *Memory {
	return &Memory{profiles: make(map[ledger.AccountID]Profile)}
}

func (m *Memory) GetProfile(_ context.Context, account ledger.AccountID) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.profiles[account]; ok {
		return p, nil
	}
	return Default(account), nil
}

func (m *Memory) SaveProfile(_ context.Context, p Profile) error {
	if _, err := ParseStatus(string(p.IdentityStatus)); err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.AccountID] = p
	return nil
}
