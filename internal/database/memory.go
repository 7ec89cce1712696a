package database

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/skulltech/bitespeed-backend-assignment/internal/models"
	"github.com/skulltech/bitespeed-backend-assignment/internal/service"
)

// MemoryContactRepository keeps contacts in process memory. It backs tests and
// single-instance deployments that can afford to lose data on restart.
type MemoryContactRepository struct {
	txMu     sync.Mutex
	mu       sync.RWMutex
	contacts map[int64]models.Contact
	nextID   int64
	clock    func() time.Time
}

// NewMemoryContactRepository creates an empty in-memory repository
func NewMemoryContactRepository() *MemoryContactRepository {
	return &MemoryContactRepository{
		contacts: make(map[int64]models.Contact),
		nextID:   1,
		clock:    time.Now,
	}
}

// FindMatching returns live contacts whose email or phone number equals a non-nil argument, oldest first
func (r *MemoryContactRepository) FindMatching(_ context.Context, email, phoneNumber *string) ([]models.Contact, error) {
	if email == nil && phoneNumber == nil {
		return nil, nil
	}
	return r.filter(func(c models.Contact) bool {
		return equalPtr(c.Email, email) || equalPtr(c.PhoneNumber, phoneNumber)
	}), nil
}

// FindByIDsOrLinkedIDs returns live contacts with an id in ids or linked to one, skipping excludeIDs
func (r *MemoryContactRepository) FindByIDsOrLinkedIDs(_ context.Context, ids, excludeIDs []int64) ([]models.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.filter(func(c models.Contact) bool {
		if slices.Contains(excludeIDs, c.ID) {
			return false
		}
		return slices.Contains(ids, c.ID) || (c.LinkedID != nil && slices.Contains(ids, *c.LinkedID))
	}), nil
}

// Create stores a new contact and returns it with its assigned id and timestamps
func (r *MemoryContactRepository) Create(_ context.Context, email, phoneNumber *string, precedence models.LinkPrecedence, linkedID *int64) (*models.Contact, error) {
	if !precedence.Valid() {
		return nil, fmt.Errorf("invalid link precedence %q", precedence)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if linkedID != nil {
		if _, ok := r.contacts[*linkedID]; !ok {
			return nil, fmt.Errorf("linked contact %d does not exist", *linkedID)
		}
	}

	now := r.clock().UTC()
	c := models.Contact{
		ID:             r.nextID,
		Email:          clonePtr(email),
		PhoneNumber:    clonePtr(phoneNumber),
		LinkedID:       clonePtr(linkedID),
		LinkPrecedence: precedence,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.contacts[c.ID] = c
	r.nextID++

	out := cloneContact(c)
	return &out, nil
}

// DemoteToSecondary relinks the given contacts as secondaries of newPrimaryID
func (r *MemoryContactRepository) DemoteToSecondary(_ context.Context, ids []int64, newPrimaryID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock().UTC()
	for _, id := range ids {
		c, ok := r.contacts[id]
		if !ok {
			continue
		}
		linked := newPrimaryID
		c.LinkPrecedence = models.LinkPrecedenceSecondary
		c.LinkedID = &linked
		c.UpdatedAt = now
		r.contacts[id] = c
	}
	return nil
}

// RunInTx serializes fn against other transactions and restores the previous
// state when fn fails. Calls made outside RunInTx are not isolated from it.
func (r *MemoryContactRepository) RunInTx(ctx context.Context, fn func(repo service.ContactRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.RLock()
	snapshot := maps.Clone(r.contacts)
	nextID := r.nextID
	r.mu.RUnlock()

	if err := fn(r); err != nil {
		r.mu.Lock()
		r.contacts = snapshot
		r.nextID = nextID
		r.mu.Unlock()
		return err
	}
	return nil
}

// Get returns a contact by id
func (r *MemoryContactRepository) Get(id int64) (models.Contact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contacts[id]
	return cloneContact(c), ok
}

// All returns every contact that is not soft-deleted, ordered by id
func (r *MemoryContactRepository) All() []models.Contact {
	return r.filter(func(models.Contact) bool { return true })
}

// SoftDelete marks a contact deleted so that no query returns it
func (r *MemoryContactRepository) SoftDelete(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.contacts[id]; ok {
		now := r.clock().UTC()
		c.DeletedAt = &now
		r.contacts[id] = c
	}
}

// Health always succeeds
func (r *MemoryContactRepository) Health(context.Context) error {
	return nil
}

func (r *MemoryContactRepository) filter(keep func(models.Contact) bool) []models.Contact {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Contact
	for _, c := range r.contacts {
		if c.DeletedAt == nil && keep(c) {
			out = append(out, cloneContact(c))
		}
	}
	slices.SortFunc(out, func(a, b models.Contact) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func equalPtr(stored, want *string) bool {
	return stored != nil && want != nil && *stored == *want
}

// cloneContact copies c so callers never share pointers with stored state
func cloneContact(c models.Contact) models.Contact {
	c.Email = clonePtr(c.Email)
	c.PhoneNumber = clonePtr(c.PhoneNumber)
	c.LinkedID = clonePtr(c.LinkedID)
	c.DeletedAt = clonePtr(c.DeletedAt)
	return c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
