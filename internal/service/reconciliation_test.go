package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"

	"github.com/skulltech/bitespeed-backend-assignment/internal/database"
	"github.com/skulltech/bitespeed-backend-assignment/internal/locks"
	"github.com/skulltech/bitespeed-backend-assignment/internal/models"
	"github.com/skulltech/bitespeed-backend-assignment/internal/service"
	"github.com/skulltech/bitespeed-backend-assignment/internal/service/mocks"
)

func ptr[T any](v T) *T {
	return &v
}

func request(email, phoneNumber string) models.IdentifyRequest {
	var req models.IdentifyRequest
	if email != "" {
		req.Email = ptr(email)
	}
	if phoneNumber != "" {
		req.PhoneNumber = ptr(models.FlexString(phoneNumber))
	}
	return req
}

func identify(t *testing.T, svc *service.ReconciliationService, email, phoneNumber string) models.ContactResponse {
	t.Helper()
	resp, err := svc.Identify(context.Background(), request(email, phoneNumber))
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp.Contact
}

func newMemoryService(opts ...service.Option) (*service.ReconciliationService, *database.MemoryContactRepository) {
	repo := database.NewMemoryContactRepository()
	return service.NewReconciliationService(repo, opts...), repo
}

func TestIdentify_NewCustomerCreatesPrimary(t *testing.T) {
	svc, repo := newMemoryService()

	got := identify(t, svc, "doc@hillvalley.edu", "555000")

	assert.Equal(t, models.ContactResponse{
		PrimaryContactID:    1,
		Emails:              []string{"doc@hillvalley.edu"},
		PhoneNumbers:        []string{"555000"},
		SecondaryContactIDs: []int64{},
	}, got)

	stored, ok := repo.Get(1)
	require.True(t, ok)
	assert.Equal(t, models.LinkPrecedencePrimary, stored.LinkPrecedence)
	assert.Nil(t, stored.LinkedID)
}

func TestIdentify_SingleFieldPrimaryHasEmptyOtherList(t *testing.T) {
	svc, _ := newMemoryService()

	got := identify(t, svc, "", "123456")

	assert.Equal(t, []string{}, got.Emails)
	assert.Equal(t, []string{"123456"}, got.PhoneNumbers)
	assert.Equal(t, []int64{}, got.SecondaryContactIDs)
}

func TestIdentify_RepeatIsIdempotent(t *testing.T) {
	svc, repo := newMemoryService()

	first := identify(t, svc, "doc@hillvalley.edu", "555000")
	second := identify(t, svc, "doc@hillvalley.edu", "555000")

	assert.Equal(t, first, second)
	assert.Len(t, repo.All(), 1)
}

func TestIdentify_NewInformationCreatesSecondary(t *testing.T) {
	svc, repo := newMemoryService()

	identify(t, svc, "lorraine@hillvalley.edu", "123456")
	got := identify(t, svc, "mcfly@hillvalley.edu", "123456")

	assert.Equal(t, models.ContactResponse{
		PrimaryContactID:    1,
		Emails:              []string{"lorraine@hillvalley.edu", "mcfly@hillvalley.edu"},
		PhoneNumbers:        []string{"123456"},
		SecondaryContactIDs: []int64{2},
	}, got)

	secondary, ok := repo.Get(2)
	require.True(t, ok)
	assert.Equal(t, models.LinkPrecedenceSecondary, secondary.LinkPrecedence)
	require.NotNil(t, secondary.LinkedID)
	assert.Equal(t, int64(1), *secondary.LinkedID)
	// the secondary records exactly what was submitted
	assert.Equal(t, "mcfly@hillvalley.edu", *secondary.Email)
	assert.Equal(t, "123456", *secondary.PhoneNumber)

	t.Run("lookups by any known field resolve the same cluster", func(t *testing.T) {
		for _, tc := range []struct{ email, phone string }{
			{"", "123456"},
			{"lorraine@hillvalley.edu", ""},
			{"mcfly@hillvalley.edu", ""},
			{"mcfly@hillvalley.edu", "123456"},
		} {
			assert.Equal(t, got, identify(t, svc, tc.email, tc.phone), "email=%q phone=%q", tc.email, tc.phone)
		}
		assert.Len(t, repo.All(), 2)
	})
}

func TestIdentify_PartialRequestWithKnownValueCreatesNothing(t *testing.T) {
	svc, repo := newMemoryService()

	identify(t, svc, "lorraine@hillvalley.edu", "123456")
	got := identify(t, svc, "", "123456")

	assert.Equal(t, int64(1), got.PrimaryContactID)
	assert.Len(t, repo.All(), 1)
}

func TestIdentify_MergesTwoPrimaries(t *testing.T) {
	svc, repo := newMemoryService()

	identify(t, svc, "george@hillvalley.edu", "919191")
	identify(t, svc, "biffsucks@hillvalley.edu", "717171")
	got := identify(t, svc, "george@hillvalley.edu", "717171")

	assert.Equal(t, models.ContactResponse{
		PrimaryContactID:    1,
		Emails:              []string{"george@hillvalley.edu", "biffsucks@hillvalley.edu"},
		PhoneNumbers:        []string{"919191", "717171"},
		SecondaryContactIDs: []int64{2},
	}, got)
	assert.Len(t, repo.All(), 2, "both values were already known")

	demoted, ok := repo.Get(2)
	require.True(t, ok)
	assert.Equal(t, models.LinkPrecedenceSecondary, demoted.LinkPrecedence)
	require.NotNil(t, demoted.LinkedID)
	assert.Equal(t, int64(1), *demoted.LinkedID)
}

func TestIdentify_MergeFollowsSecondariesOfDemotedPrimary(t *testing.T) {
	svc, repo := newMemoryService()

	identify(t, svc, "a@example.com", "111")
	identify(t, svc, "b@example.com", "222")
	identify(t, svc, "b@example.com", "333") // secondary 3 of primary 2

	merged := identify(t, svc, "a@example.com", "222")
	want := models.ContactResponse{
		PrimaryContactID:    1,
		Emails:              []string{"a@example.com", "b@example.com"},
		PhoneNumbers:        []string{"111", "222", "333"},
		SecondaryContactIDs: []int64{2, 3},
	}
	assert.Equal(t, want, merged)

	// demotion is shallow: 3 still points at 2
	third, ok := repo.Get(3)
	require.True(t, ok)
	assert.Equal(t, int64(2), *third.LinkedID)

	t.Run("a value only the indirect secondary holds resolves to the root", func(t *testing.T) {
		assert.Equal(t, want, identify(t, svc, "", "333"))
	})
	assert.Len(t, repo.All(), 3)
}

func TestIdentify_MergeWithNewValueLinksSecondaryToOldest(t *testing.T) {
	svc, repo := newMemoryService()

	identify(t, svc, "a@example.com", "")
	identify(t, svc, "", "222")
	got := identify(t, svc, "a@example.com", "222")

	assert.Equal(t, int64(1), got.PrimaryContactID)
	assert.Equal(t, []int64{2}, got.SecondaryContactIDs)
	assert.Len(t, repo.All(), 2)

	t.Run("third distinct value afterwards", func(t *testing.T) {
		got := identify(t, svc, "c@example.com", "222")
		assert.Equal(t, []string{"a@example.com", "c@example.com"}, got.Emails)
		assert.Equal(t, []int64{2, 3}, got.SecondaryContactIDs)

		created, ok := repo.Get(3)
		require.True(t, ok)
		assert.Equal(t, int64(1), *created.LinkedID)
	})
}

func TestIdentify_SoftDeletedContactsAreIgnored(t *testing.T) {
	svc, repo := newMemoryService()

	identify(t, svc, "gone@example.com", "999")
	repo.SoftDelete(1)

	got := identify(t, svc, "gone@example.com", "999")
	assert.Equal(t, int64(2), got.PrimaryContactID)
	assert.Equal(t, []int64{}, got.SecondaryContactIDs)
}

func TestIdentify_InvalidInputTouchesNothing(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockContactRepository(ctrl)
	rec := &recorder{}
	svc := service.NewReconciliationService(repo, service.WithMetrics(rec))

	blank := models.FlexString("   ")
	for name, req := range map[string]models.IdentifyRequest{
		"both absent":     {},
		"both blank":      {Email: ptr(""), PhoneNumber: &blank},
		"whitespace only": {Email: ptr("  ")},
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := svc.Identify(context.Background(), req)
			assert.Nil(t, resp)
			assert.ErrorIs(t, err, service.ErrInvalidInput)
		})
	}
	assert.Equal(t, []string{service.OutcomeInvalid, service.OutcomeInvalid, service.OutcomeInvalid}, rec.outcomes)
}

func TestIdentify_NumericPhoneNumberMatchesStringForm(t *testing.T) {
	svc, repo := newMemoryService()
	identify(t, svc, "", "123456")

	var req models.IdentifyRequest
	require.NoError(t, json.Unmarshal([]byte(`{"email":null,"phoneNumber":123456}`), &req))
	resp, err := svc.Identify(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(1), resp.Contact.PrimaryContactID)
	assert.Len(t, repo.All(), 1)
}

func TestIdentify_WithMocks(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	email, phone := "new@example.com", "555"

	t.Run("no match creates primary", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockContactRepository(ctrl)
		svc := service.NewReconciliationService(repo)

		repo.EXPECT().FindMatching(gomock.Any(), &email, &phone).Return(nil, nil)
		repo.EXPECT().Create(gomock.Any(), &email, &phone, models.LinkPrecedencePrimary, nil).
			Return(&models.Contact{ID: 7, Email: &email, PhoneNumber: &phone, LinkPrecedence: models.LinkPrecedencePrimary, CreatedAt: now}, nil)

		resp, err := svc.Identify(ctx, request(email, phone))
		require.NoError(t, err)
		assert.Equal(t, int64(7), resp.Contact.PrimaryContactID)
	})

	t.Run("closure query excludes already seen contacts", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockContactRepository(ctrl)
		svc := service.NewReconciliationService(repo)

		existing := models.Contact{ID: 3, PhoneNumber: &phone, LinkPrecedence: models.LinkPrecedencePrimary}
		linkedID := int64(3)

		gomock.InOrder(
			repo.EXPECT().FindMatching(gomock.Any(), &email, &phone).Return([]models.Contact{existing}, nil),
			repo.EXPECT().FindByIDsOrLinkedIDs(gomock.Any(), []int64{3}, []int64{3}).Return(nil, nil),
			repo.EXPECT().Create(gomock.Any(), &email, &phone, models.LinkPrecedenceSecondary, &linkedID).
				Return(&models.Contact{ID: 4, Email: &email, PhoneNumber: &phone, LinkedID: &linkedID, LinkPrecedence: models.LinkPrecedenceSecondary}, nil),
		)

		resp, err := svc.Identify(ctx, request(email, phone))
		require.NoError(t, err)
		assert.Equal(t, models.ContactResponse{
			PrimaryContactID:    3,
			Emails:              []string{email},
			PhoneNumbers:        []string{phone},
			SecondaryContactIDs: []int64{4},
		}, resp.Contact)
	})

	t.Run("repository errors are propagated", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockContactRepository(ctrl)
		svc := service.NewReconciliationService(repo)

		boom := errors.New("connection reset")
		repo.EXPECT().FindMatching(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, boom)

		resp, err := svc.Identify(ctx, request(email, phone))
		assert.Nil(t, resp)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("demotion failure aborts before any insert", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		repo := mocks.NewMockContactRepository(ctrl)
		svc := service.NewReconciliationService(repo)

		a := models.Contact{ID: 1, Email: &email, LinkPrecedence: models.LinkPrecedencePrimary}
		b := models.Contact{ID: 2, PhoneNumber: &phone, LinkPrecedence: models.LinkPrecedencePrimary}
		boom := errors.New("disk full")

		repo.EXPECT().FindMatching(gomock.Any(), gomock.Any(), gomock.Any()).Return([]models.Contact{a, b}, nil)
		repo.EXPECT().FindByIDsOrLinkedIDs(gomock.Any(), []int64{1, 2}, []int64{1, 2}).Return(nil, nil)
		repo.EXPECT().DemoteToSecondary(gomock.Any(), []int64{2}, int64(1)).Return(boom)

		_, err := svc.Identify(ctx, request(email, phone))
		assert.ErrorIs(t, err, boom)
	})
}

type conflictError struct{}

func (conflictError) Error() string   { return "serialization failure" }
func (conflictError) Retryable() bool { return true }

func TestIdentify_TransactorRetries(t *testing.T) {
	ctx := context.Background()
	runFn := func(repo service.ContactRepository) func(context.Context, func(service.ContactRepository) error) error {
		return func(_ context.Context, fn func(service.ContactRepository) error) error {
			return fn(repo)
		}
	}

	t.Run("retryable conflict is retried", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		tx := mocks.NewMockTransactor(ctrl)
		repo := database.NewMemoryContactRepository()
		svc := service.NewReconciliationService(repo, service.WithTransactor(tx), service.WithSerializationRetries(3))

		gomock.InOrder(
			tx.EXPECT().RunInTx(gomock.Any(), gomock.Any()).Return(fmt.Errorf("commit: %w", conflictError{})),
			tx.EXPECT().RunInTx(gomock.Any(), gomock.Any()).DoAndReturn(runFn(repo)),
		)

		resp, err := svc.Identify(ctx, request("doc@hillvalley.edu", ""))
		require.NoError(t, err)
		assert.Equal(t, int64(1), resp.Contact.PrimaryContactID)
	})

	t.Run("gives up after the configured retries", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		tx := mocks.NewMockTransactor(ctrl)
		svc := service.NewReconciliationService(database.NewMemoryContactRepository(),
			service.WithTransactor(tx), service.WithSerializationRetries(2))

		tx.EXPECT().RunInTx(gomock.Any(), gomock.Any()).Return(conflictError{}).Times(3)

		_, err := svc.Identify(ctx, request("doc@hillvalley.edu", ""))
		assert.ErrorAs(t, err, &conflictError{})
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		tx := mocks.NewMockTransactor(ctrl)
		svc := service.NewReconciliationService(database.NewMemoryContactRepository(),
			service.WithTransactor(tx), service.WithSerializationRetries(5))

		boom := errors.New("syntax error")
		tx.EXPECT().RunInTx(gomock.Any(), gomock.Any()).Return(boom).Times(1)

		_, err := svc.Identify(ctx, request("doc@hillvalley.edu", ""))
		assert.ErrorIs(t, err, boom)
	})

	t.Run("memory transactions commit", func(t *testing.T) {
		repo := database.NewMemoryContactRepository()
		svc := service.NewReconciliationService(repo, service.WithTransactor(repo))

		identify(t, svc, "lorraine@hillvalley.edu", "123456")
		got := identify(t, svc, "mcfly@hillvalley.edu", "123456")
		assert.Equal(t, []int64{2}, got.SecondaryContactIDs)
	})
}

func TestIdentify_Locking(t *testing.T) {
	ctx := context.Background()

	t.Run("locks every submitted field", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		locker := mocks.NewMockLocker(ctrl)
		svc, _ := newMemoryService(service.WithLocker(locker))

		unlocked := false
		locker.EXPECT().Lock(gomock.Any(), "email:doc@hillvalley.edu", "phone:555").
			Return(func() { unlocked = true }, nil)

		identify(t, svc, " doc@hillvalley.edu ", "555")
		assert.True(t, unlocked)
	})

	t.Run("lock failure is returned without touching storage", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		locker := mocks.NewMockLocker(ctrl)
		repo := mocks.NewMockContactRepository(ctrl)
		svc := service.NewReconciliationService(repo, service.WithLocker(locker))

		locker.EXPECT().Lock(gomock.Any(), "phone:555").Return(nil, locks.ErrLockTimeout)

		_, err := svc.Identify(ctx, request("", "555"))
		assert.ErrorIs(t, err, locks.ErrLockTimeout)
	})

	t.Run("concurrent identical requests create one contact", func(t *testing.T) {
		svc, repo := newMemoryService(service.WithLocker(locks.NewLocalLocker(5 * time.Second)))

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Identify(ctx, request("race@example.com", "42"))
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		assert.Len(t, repo.All(), 1)
	})
}

type recorder struct {
	mu        sync.Mutex
	outcomes  []string
	created   []models.LinkPrecedence
	demotions int
}

func (r *recorder) ObserveIdentify(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recorder) IncContactsCreated(p models.LinkPrecedence) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, p)
}

func (r *recorder) AddDemotions(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.demotions += n
}

func TestIdentify_RecordsOutcomes(t *testing.T) {
	rec := &recorder{}
	svc, _ := newMemoryService(service.WithMetrics(rec))

	identify(t, svc, "george@hillvalley.edu", "919191")
	identify(t, svc, "george@hillvalley.edu", "919191")
	identify(t, svc, "biffsucks@hillvalley.edu", "717171")
	identify(t, svc, "george@hillvalley.edu", "717171")
	identify(t, svc, "marty@hillvalley.edu", "717171")

	assert.Equal(t, []string{
		service.OutcomeCreatedPrimary,
		service.OutcomeMatched,
		service.OutcomeCreatedPrimary,
		service.OutcomeMerged,
		service.OutcomeCreatedSecondary,
	}, rec.outcomes)
	assert.Equal(t, []models.LinkPrecedence{
		models.LinkPrecedencePrimary,
		models.LinkPrecedencePrimary,
		models.LinkPrecedenceSecondary,
	}, rec.created)
	assert.Equal(t, 1, rec.demotions)
}

func TestIdentify_TruncatedClosureIsRejected(t *testing.T) {
	build := func(opts ...service.Option) (*service.ReconciliationService, *database.MemoryContactRepository) {
		setup, repo := newMemoryService()
		identify(t, setup, "a@example.com", "111")
		identify(t, setup, "b@example.com", "222")
		identify(t, setup, "b@example.com", "333")
		identify(t, setup, "a@example.com", "222") // 2 demoted under 1, 3 still links to 2
		return service.NewReconciliationService(repo, opts...), repo
	}

	t.Run("depth limit reached", func(t *testing.T) {
		svc, repo := build(service.WithMaxClosureDepth(1))

		resp, err := svc.Identify(context.Background(), request("new@example.com", "333"))
		assert.Nil(t, resp)
		assert.ErrorIs(t, err, service.ErrIncompleteCluster)
		assert.Len(t, repo.All(), 3, "nothing is linked to a partial cluster")
	})

	t.Run("full closure links to the root", func(t *testing.T) {
		svc, repo := build()

		got := identify(t, svc, "new@example.com", "333")
		assert.Equal(t, int64(1), got.PrimaryContactID)
		assert.Equal(t, []int64{2, 3, 4}, got.SecondaryContactIDs)

		created, ok := repo.Get(4)
		require.True(t, ok)
		assert.Equal(t, int64(1), *created.LinkedID)
	})
}

func TestIdentify_OldestMemberMustBePrimary(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockContactRepository(ctrl)
	svc := service.NewReconciliationService(repo)

	orphanParent := int64(1)
	orphan := models.Contact{ID: 5, Email: ptr("a@example.com"), LinkedID: &orphanParent, LinkPrecedence: models.LinkPrecedenceSecondary}

	repo.EXPECT().FindMatching(gomock.Any(), gomock.Any(), gomock.Any()).Return([]models.Contact{orphan}, nil)
	// the parent row is gone, so the closure ends at the secondary
	repo.EXPECT().FindByIDsOrLinkedIDs(gomock.Any(), []int64{1, 5}, []int64{5}).Return(nil, nil)

	_, err := svc.Identify(context.Background(), request("a@example.com", "999"))
	assert.ErrorIs(t, err, service.ErrIncompleteCluster)
}

func TestIdentify_SiblingsResolveThroughPrimary(t *testing.T) {
	svc, repo := newMemoryService()

	identify(t, svc, "a@example.com", "111")
	identify(t, svc, "z@example.com", "111")
	identify(t, svc, "b@example.com", "111")

	got := identify(t, svc, "z@example.com", "")
	assert.Equal(t, models.ContactResponse{
		PrimaryContactID:    1,
		Emails:              []string{"a@example.com", "z@example.com", "b@example.com"},
		PhoneNumbers:        []string{"111"},
		SecondaryContactIDs: []int64{2, 3},
	}, got)
	assert.Len(t, repo.All(), 3)
}

func TestIdentify_RecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	svc, _ := newMemoryService(service.WithTracerProvider(tp))

	identify(t, svc, "lorraine@hillvalley.edu", "123456")
	identify(t, svc, "mcfly@hillvalley.edu", "123456")
	_, err := svc.Identify(context.Background(), models.IdentifyRequest{})
	require.ErrorIs(t, err, service.ErrInvalidInput)

	spans := sr.Ended()
	require.Len(t, spans, 3)

	attrs := func(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
		out := make(map[attribute.Key]attribute.Value)
		for _, kv := range s.Attributes() {
			out[kv.Key] = kv.Value
		}
		return out
	}

	assert.Equal(t, "ReconciliationService.Identify", spans[0].Name())
	first := attrs(spans[0])
	assert.Equal(t, service.OutcomeCreatedPrimary, first["identify.outcome"].AsString())
	assert.Equal(t, int64(1), first["contact.primary_id"].AsInt64())

	second := attrs(spans[1])
	assert.Equal(t, service.OutcomeCreatedSecondary, second["identify.outcome"].AsString())
	assert.Equal(t, int64(1), second["contact.primary_id"].AsInt64())
	assert.Equal(t, int64(1), second["contact.secondary_count"].AsInt64())

	assert.Equal(t, codes.Error, spans[2].Status().Code)
}
