package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/skulltech/bitespeed-backend-assignment/internal/models"
	"github.com/skulltech/bitespeed-backend-assignment/internal/service"
)

const contactColumns = `id, phone_number, email, linked_id, link_precedence, created_at, updated_at, deleted_at`

// querier is the subset of *sql.DB and *sql.Tx the repository needs
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLContactRepository stores contacts in SQLite or PostgreSQL
type SQLContactRepository struct {
	db      *sql.DB
	q       querier
	dialect Dialect
	clock   func() time.Time
}

// NewContactRepository creates a repository over the given connection
func NewContactRepository(db *DB) *SQLContactRepository {
	return &SQLContactRepository{
		db:      db.Conn,
		q:       db.Conn,
		dialect: db.dialect,
		clock:   time.Now,
	}
}

// WithClock returns a copy of the repository that stamps records with clock
func (r *SQLContactRepository) WithClock(clock func() time.Time) *SQLContactRepository {
	cp := *r
	cp.clock = clock
	return &cp
}

// FindMatching queries contacts by email or phone number
func (r *SQLContactRepository) FindMatching(ctx context.Context, email, phoneNumber *string) ([]models.Contact, error) {
	b := r.builder()
	var clauses []string
	if email != nil {
		clauses = append(clauses, "email = "+b.arg(*email))
	}
	if phoneNumber != nil {
		clauses = append(clauses, "phone_number = "+b.arg(*phoneNumber))
	}
	if len(clauses) == 0 {
		return nil, nil
	}

	query := `SELECT ` + contactColumns + ` FROM contacts
			  WHERE (` + strings.Join(clauses, " OR ") + `) AND deleted_at IS NULL
			  ORDER BY id`
	return r.queryContacts(ctx, query, b.args...)
}

// FindByIDsOrLinkedIDs queries contacts by id or linked_id, skipping excludeIDs
func (r *SQLContactRepository) FindByIDsOrLinkedIDs(ctx context.Context, ids, excludeIDs []int64) ([]models.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	b := r.builder()
	where := "(" + b.in("id", ids) + " OR " + b.in("linked_id", ids) + ")"
	if len(excludeIDs) > 0 {
		where += " AND NOT " + b.in("id", excludeIDs)
	}

	query := `SELECT ` + contactColumns + ` FROM contacts
			  WHERE ` + where + ` AND deleted_at IS NULL
			  ORDER BY id`
	return r.queryContacts(ctx, query, b.args...)
}

// Create inserts a contact and returns it with its assigned id
func (r *SQLContactRepository) Create(ctx context.Context, email, phoneNumber *string, precedence models.LinkPrecedence, linkedID *int64) (*models.Contact, error) {
	if !precedence.Valid() {
		return nil, fmt.Errorf("invalid link precedence %q", precedence)
	}
	b := r.builder()
	now := r.clock().UTC()
	query := `INSERT INTO contacts (phone_number, email, linked_id, link_precedence, created_at, updated_at)
			  VALUES (` + strings.Join([]string{
		b.arg(phoneNumber), b.arg(email), b.arg(linkedID), b.arg(string(precedence)), b.arg(now), b.arg(now),
	}, ", ") + `) RETURNING id`

	var id int64
	if err := r.q.QueryRowContext(ctx, query, b.args...).Scan(&id); err != nil {
		return nil, classify(fmt.Errorf("failed to insert contact: %w", err))
	}

	return &models.Contact{
		ID:             id,
		PhoneNumber:    phoneNumber,
		Email:          email,
		LinkedID:       linkedID,
		LinkPrecedence: precedence,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// DemoteToSecondary links the given contacts to newPrimaryID as secondaries
func (r *SQLContactRepository) DemoteToSecondary(ctx context.Context, ids []int64, newPrimaryID int64) error {
	if len(ids) == 0 {
		return nil
	}
	b := r.builder()
	query := `UPDATE contacts SET link_precedence = ` + b.arg(string(models.LinkPrecedenceSecondary)) +
		`, linked_id = ` + b.arg(newPrimaryID) +
		`, updated_at = ` + b.arg(r.clock().UTC()) +
		` WHERE ` + b.in("id", ids)
	if _, err := r.q.ExecContext(ctx, query, b.args...); err != nil {
		return classify(fmt.Errorf("failed to demote contacts: %w", err))
	}
	return nil
}

// RunInTx runs fn against a repository bound to one transaction
func (r *SQLContactRepository) RunInTx(ctx context.Context, fn func(repo service.ContactRepository) error) error {
	if _, inTx := r.q.(*sql.Tx); inTx {
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, r.dialect.txOptions())
	if err != nil {
		return classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	txRepo := &SQLContactRepository{db: r.db, q: tx, dialect: r.dialect, clock: r.clock}

	if err := fn(txRepo); err != nil {
		_ = tx.Rollback()
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// queryContacts executes a query and returns contacts
func (r *SQLContactRepository) queryContacts(ctx context.Context, query string, args ...any) ([]models.Contact, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		var phone, email sql.NullString
		var linkedID sql.NullInt64
		var precedence string
		var deletedAt sql.NullTime

		err := rows.Scan(&c.ID, &phone, &email, &linkedID, &precedence, &c.CreatedAt, &c.UpdatedAt, &deletedAt)
		if err != nil {
			return nil, err
		}

		c.LinkPrecedence = models.LinkPrecedence(precedence)
		if phone.Valid {
			c.PhoneNumber = &phone.String
		}
		if email.Valid {
			c.Email = &email.String
		}
		if linkedID.Valid {
			c.LinkedID = &linkedID.Int64
		}
		if deletedAt.Valid {
			c.DeletedAt = &deletedAt.Time
		}

		contacts = append(contacts, c)
	}

	return contacts, classify(rows.Err())
}

func (r *SQLContactRepository) builder() *queryBuilder {
	return &queryBuilder{dialect: r.dialect}
}

// queryBuilder numbers placeholders in the order arguments are added
type queryBuilder struct {
	dialect Dialect
	args    []any
}

func (b *queryBuilder) arg(v any) string {
	b.args = append(b.args, v)
	if b.dialect == DialectPostgres {
		return "$" + strconv.Itoa(len(b.args))
	}
	return "?"
}

// in renders a membership test; PostgreSQL binds the whole set as one array
func (b *queryBuilder) in(column string, ids []int64) string {
	if b.dialect == DialectPostgres {
		return column + " = ANY(" + b.arg(pq.Array(ids)) + ")"
	}
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		placeholders[i] = b.arg(id)
	}
	return column + " IN (" + strings.Join(placeholders, ", ") + ")"
}

func (d Dialect) txOptions() *sql.TxOptions {
	if d == DialectPostgres {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}

// ConflictError marks a failure caused by concurrent transactions; retrying may succeed
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string {
	return "transaction conflict: " + e.Err.Error()
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// Retryable implements service.RetryableError
func (e *ConflictError) Retryable() bool {
	return true
}

// classify wraps serialization failures, deadlocks and busy databases in ConflictError
func classify(err error) error {
	if err == nil {
		return nil
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return &ConflictError{Err: err}
		}
		return err
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		if liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked {
			return &ConflictError{Err: err}
		}
	}
	return err
}
