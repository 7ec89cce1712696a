package service

import (
	"context"
	"errors"

	"github.com/skulltech/bitespeed-backend-assignment/internal/models"
)

//go:generate mockgen -source=repository.go -destination=mocks/mocks.go -package=mocks

// ErrInvalidInput is returned when a request carries neither an email nor a phone number
var ErrInvalidInput = errors.New("invalid input")

// ContactRepository is the storage contract the reconciliation service consumes
type ContactRepository interface {
	// FindMatching returns contacts whose email or phone number equals the given, non-nil value
	FindMatching(ctx context.Context, email, phoneNumber *string) ([]models.Contact, error)
	// FindByIDsOrLinkedIDs returns contacts whose id or linked id is in ids, skipping excludeIDs
	FindByIDsOrLinkedIDs(ctx context.Context, ids, excludeIDs []int64) ([]models.Contact, error)
	// Create stores a new contact and assigns its id
	Create(ctx context.Context, email, phoneNumber *string, precedence models.LinkPrecedence, linkedID *int64) (*models.Contact, error)
	// DemoteToSecondary turns the given primaries into secondaries of newPrimaryID
	DemoteToSecondary(ctx context.Context, ids []int64, newPrimaryID int64) error
}

// Transactor runs fn against a repository bound to a single transaction.
// The transaction commits when fn returns nil and rolls back otherwise.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(repo ContactRepository) error) error
}

// Locker serializes work on identifying keys across requests
type Locker interface {
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
}
