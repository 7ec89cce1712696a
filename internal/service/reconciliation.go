package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skulltech/bitespeed-backend-assignment/internal/models"
)

const tracerName = "github.com/skulltech/bitespeed-backend-assignment/internal/service"

// Identify outcomes, reported to the metrics recorder
const (
	OutcomeCreatedPrimary   = "created_primary"
	OutcomeCreatedSecondary = "created_secondary"
	OutcomeMerged           = "merged"
	OutcomeMatched          = "matched"
	OutcomeInvalid          = "invalid"
	OutcomeError            = "error"
)

const defaultMaxClosureDepth = 64

// ErrIncompleteCluster is returned when linked contacts could not be resolved to a single primary
var ErrIncompleteCluster = errors.New("linked contacts do not resolve to a primary")

// RetryableError is implemented by repository errors that may succeed on a fresh attempt,
// such as serialization failures of a serializable transaction.
type RetryableError interface {
	Retryable() bool
}

func isRetryable(err error) bool {
	var r RetryableError
	return errors.As(err, &r) && r.Retryable()
}

// Recorder receives reconciliation metrics
type Recorder interface {
	ObserveIdentify(outcome string, duration time.Duration)
	IncContactsCreated(precedence models.LinkPrecedence)
	AddDemotions(n int)
}

// ReconciliationService handles identity reconciliation logic
type ReconciliationService struct {
	repo                 ContactRepository
	tx                   Transactor
	locker               Locker
	metrics              Recorder
	logger               *slog.Logger
	tracer               trace.Tracer
	maxClosureDepth      int
	serializationRetries int
}

// Option configures a ReconciliationService
type Option func(*ReconciliationService)

// WithTransactor runs every Identify call inside a single repository transaction
func WithTransactor(tx Transactor) Option {
	return func(s *ReconciliationService) {
		s.tx = tx
	}
}

// WithSerializationRetries bounds how often a retryable transaction failure is retried
func WithSerializationRetries(n int) Option {
	return func(s *ReconciliationService) {
		if n >= 0 {
			s.serializationRetries = n
		}
	}
}

// WithLocker serializes Identify calls that share an email or phone number
func WithLocker(l Locker) Option {
	return func(s *ReconciliationService) {
		s.locker = l
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(r Recorder) Option {
	return func(s *ReconciliationService) {
		s.metrics = r
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *ReconciliationService) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxClosureDepth bounds how many link hops closure expansion follows
func WithMaxClosureDepth(n int) Option {
	return func(s *ReconciliationService) {
		if n > 0 {
			s.maxClosureDepth = n
		}
	}
}

// WithTracerProvider sets where Identify spans are recorded; the global provider is used otherwise
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *ReconciliationService) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(repo ContactRepository, opts ...Option) *ReconciliationService {
	s := &ReconciliationService{
		repo:            repo,
		logger:          slog.New(slog.DiscardHandler),
		tracer:          otel.Tracer(tracerName),
		maxClosureDepth: defaultMaxClosureDepth,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// result is what one reconciliation pass decided
type result struct {
	outcome  string
	created  *models.Contact
	demoted  []int64
	response models.ContactResponse
}

// Identify resolves the submitted email/phone number pair to its consolidated contact
func (s *ReconciliationService) Identify(ctx context.Context, req models.IdentifyRequest) (*models.IdentifyResponse, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "ReconciliationService.Identify")
	defer span.End()

	email, phoneNumber := req.EmailValue(), req.PhoneNumberValue()
	if email == nil && phoneNumber == nil {
		s.observe(OutcomeInvalid, start)
		span.SetStatus(codes.Error, "missing identifiers")
		return nil, fmt.Errorf("%w: either email or phoneNumber must be provided", ErrInvalidInput)
	}

	if s.locker != nil {
		unlock, err := s.locker.Lock(ctx, lockKeys(email, phoneNumber)...)
		if err != nil {
			s.fail(span, start, err)
			return nil, fmt.Errorf("failed to acquire identity lock: %w", err)
		}
		defer unlock()
	}

	var res *result
	err := s.run(ctx, func(repo ContactRepository) error {
		r, err := s.reconcile(ctx, repo, email, phoneNumber)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		s.fail(span, start, err)
		return nil, err
	}

	if s.metrics != nil {
		if res.created != nil {
			s.metrics.IncContactsCreated(res.created.LinkPrecedence)
		}
		if len(res.demoted) > 0 {
			s.metrics.AddDemotions(len(res.demoted))
		}
	}
	s.observe(res.outcome, start)
	span.SetAttributes(
		attribute.String("identify.outcome", res.outcome),
		attribute.Int64("contact.primary_id", res.response.PrimaryContactID),
		attribute.Int("contact.secondary_count", len(res.response.SecondaryContactIDs)),
	)

	return &models.IdentifyResponse{Contact: res.response}, nil
}

// run executes fn directly, or inside a transaction when a transactor is set
func (s *ReconciliationService) run(ctx context.Context, fn func(repo ContactRepository) error) error {
	if s.tx == nil {
		return fn(s.repo)
	}
	for attempt := 0; ; attempt++ {
		err := s.tx.RunInTx(ctx, fn)
		if err == nil || !isRetryable(err) || attempt >= s.serializationRetries {
			return err
		}
		s.logger.WarnContext(ctx, "retrying identify after transaction conflict",
			"attempt", attempt+1,
			"error", err,
		)
	}
}

// reconcile performs match, closure, merge, novelty check, mutation and projection
func (s *ReconciliationService) reconcile(ctx context.Context, repo ContactRepository, email, phoneNumber *string) (*result, error) {
	matches, err := repo.FindMatching(ctx, email, phoneNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to find matching contacts: %w", err)
	}

	if len(matches) == 0 {
		contact, err := repo.Create(ctx, email, phoneNumber, models.LinkPrecedencePrimary, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create primary contact: %w", err)
		}
		s.logger.DebugContext(ctx, "created primary contact", "contact_id", contact.ID)
		return &result{
			outcome:  OutcomeCreatedPrimary,
			created:  contact,
			response: project([]models.Contact{*contact}),
		}, nil
	}

	cluster, err := s.expandClosure(ctx, repo, matches)
	if err != nil {
		return nil, fmt.Errorf("failed to expand linked contacts: %w", err)
	}
	// secondaries always link to an older contact, so the oldest member is a primary
	primary := cluster[0]
	if !primary.IsPrimary() {
		return nil, fmt.Errorf("%w: oldest contact %d is %s", ErrIncompleteCluster, primary.ID, primary.LinkPrecedence)
	}

	res := &result{outcome: OutcomeMatched}

	if colliding := collidingPrimaries(cluster); len(colliding) > 0 {
		if err := repo.DemoteToSecondary(ctx, colliding, primary.ID); err != nil {
			return nil, fmt.Errorf("failed to demote primary contacts: %w", err)
		}
		s.logger.InfoContext(ctx, "merged identity clusters",
			"primary_id", primary.ID,
			"demoted_ids", colliding,
		)
		res.outcome = OutcomeMerged
		res.demoted = colliding
	}

	emails, phoneNumbers := distinctFields(cluster)
	members := cluster
	if isNew(email, emails) || isNew(phoneNumber, phoneNumbers) {
		linkedID := primary.ID
		contact, err := repo.Create(ctx, email, phoneNumber, models.LinkPrecedenceSecondary, &linkedID)
		if err != nil {
			return nil, fmt.Errorf("failed to create secondary contact: %w", err)
		}
		s.logger.DebugContext(ctx, "created secondary contact",
			"contact_id", contact.ID,
			"primary_id", primary.ID,
		)
		res.created = contact
		if res.outcome == OutcomeMatched {
			res.outcome = OutcomeCreatedSecondary
		}
		members = append(slices.Clip(cluster), *contact)
	}

	res.response = project(members)
	return res, nil
}

// expandClosure follows primary/secondary links from the matches until no new contact appears.
// The returned cluster is sorted ascending by id.
func (s *ReconciliationService) expandClosure(ctx context.Context, repo ContactRepository, matches []models.Contact) ([]models.Contact, error) {
	seen := make(map[int64]models.Contact, len(matches))
	for _, c := range matches {
		seen[c.ID] = c
	}
	queried := make(map[int64]bool)

	frontier := matches
	for depth := 0; len(frontier) > 0; depth++ {
		ids := linkIDs(frontier, queried)
		if len(ids) == 0 {
			break
		}
		if depth == s.maxClosureDepth {
			s.logger.WarnContext(ctx, "closure expansion depth limit reached",
				"depth", depth,
				"pending_ids", ids,
			)
			return nil, fmt.Errorf("%w: depth limit %d reached", ErrIncompleteCluster, s.maxClosureDepth)
		}
		for _, id := range ids {
			queried[id] = true
		}

		linked, err := repo.FindByIDsOrLinkedIDs(ctx, ids, sortedIDs(seen))
		if err != nil {
			return nil, err
		}

		next := make([]models.Contact, 0, len(linked))
		for _, c := range linked {
			if _, ok := seen[c.ID]; ok {
				continue
			}
			seen[c.ID] = c
			next = append(next, c)
		}
		frontier = next
	}

	cluster := make([]models.Contact, 0, len(seen))
	for _, c := range seen {
		cluster = append(cluster, c)
	}
	slices.SortFunc(cluster, func(a, b models.Contact) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return cluster, nil
}

// linkIDs collects contact ids and linked ids of contacts not yet queried
func linkIDs(contacts []models.Contact, queried map[int64]bool) []int64 {
	set := make(map[int64]struct{}, len(contacts)*2)
	for _, c := range contacts {
		if !queried[c.ID] {
			set[c.ID] = struct{}{}
		}
		if c.LinkedID != nil && !queried[*c.LinkedID] {
			set[*c.LinkedID] = struct{}{}
		}
	}
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// collidingPrimaries returns the ids of primaries other than the oldest cluster member
func collidingPrimaries(cluster []models.Contact) []int64 {
	var ids []int64
	for _, c := range cluster[1:] {
		if c.IsPrimary() {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// distinctFields returns emails and phone numbers in first-seen order
func distinctFields(contacts []models.Contact) (emails, phoneNumbers []string) {
	emails = []string{}
	phoneNumbers = []string{}
	seenEmail := make(map[string]bool)
	seenPhone := make(map[string]bool)

	for _, c := range contacts {
		if c.Email != nil && *c.Email != "" && !seenEmail[*c.Email] {
			seenEmail[*c.Email] = true
			emails = append(emails, *c.Email)
		}
		if c.PhoneNumber != nil && *c.PhoneNumber != "" && !seenPhone[*c.PhoneNumber] {
			seenPhone[*c.PhoneNumber] = true
			phoneNumbers = append(phoneNumbers, *c.PhoneNumber)
		}
	}
	return emails, phoneNumbers
}

// isNew reports whether v is present and missing from known
func isNew(v *string, known []string) bool {
	return v != nil && !slices.Contains(known, *v)
}

// project builds the response from members sorted ascending by id, primary first
func project(members []models.Contact) models.ContactResponse {
	emails, phoneNumbers := distinctFields(members)
	secondaryIDs := make([]int64, 0, len(members)-1)
	for _, c := range members[1:] {
		secondaryIDs = append(secondaryIDs, c.ID)
	}
	return models.ContactResponse{
		PrimaryContactID:    members[0].ID,
		Emails:              emails,
		PhoneNumbers:        phoneNumbers,
		SecondaryContactIDs: secondaryIDs,
	}
}

func lockKeys(email, phoneNumber *string) []string {
	var keys []string
	if email != nil {
		keys = append(keys, "email:"+*email)
	}
	if phoneNumber != nil {
		keys = append(keys, "phone:"+*phoneNumber)
	}
	return keys
}

func sortedIDs(m map[int64]models.Contact) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *ReconciliationService) observe(outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveIdentify(outcome, time.Since(start))
	}
}

func (s *ReconciliationService) fail(span trace.Span, start time.Time, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.observe(OutcomeError, start)
}
