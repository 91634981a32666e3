package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/miguelnutt/rewards-backend/internal/models"
	"github.com/miguelnutt/rewards-backend/internal/points"
	"github.com/miguelnutt/rewards-backend/internal/services"
	"github.com/stretchr/testify/mock"
)

type MockAwarder struct {
	mock.Mock
}

func (m *MockAwarder) Award(ctx context.Context, req services.AwardRequest) (*services.AwardResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.AwardResult), args.Error(1)
}

func (m *MockAwarder) Adjust(ctx context.Context, req services.AwardRequest) (*services.AwardResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.AwardResult), args.Error(1)
}

type MockProvisional struct {
	mock.Mock
}

func (m *MockProvisional) QueueCredit(ctx context.Context, req services.QueueCreditRequest) (*models.ProvisionalCredit, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ProvisionalCredit), args.Error(1)
}

func (m *MockProvisional) Link(ctx context.Context, userID, externalIdentity, username string) (*models.DrainResult, error) {
	args := m.Called(ctx, userID, externalIdentity, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DrainResult), args.Error(1)
}

type MockConsolidator struct {
	mock.Mock
}

func (m *MockConsolidator) Consolidate(ctx context.Context, dryRun bool) ([]models.ConsolidationResult, error) {
	args := m.Called(ctx, dryRun)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ConsolidationResult), args.Error(1)
}

type MockReconciler struct {
	mock.Mock
}

func (m *MockReconciler) Run(ctx context.Context, batchSize int) (*services.RunReport, error) {
	args := m.Called(ctx, batchSize)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.RunReport), args.Error(1)
}

func (m *MockReconciler) Reprocess(ctx context.Context, logID int64, adminUserID string) (*services.ReprocessResult, error) {
	args := m.Called(ctx, logID, adminUserID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.ReprocessResult), args.Error(1)
}

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) Balances(ctx context.Context, userID string) ([]models.Balance, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Balance), args.Error(1)
}

func (m *MockLedger) AuditInvariant(ctx context.Context) ([]models.BalanceDrift, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.BalanceDrift), args.Error(1)
}

type MockUsers struct {
	mock.Mock
}

func (m *MockUsers) Get(ctx context.Context, userID string) (*models.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

type MockPoints struct {
	mock.Mock
}

func (m *MockPoints) GetPoints(ctx context.Context, username string) (int64, error) {
	args := m.Called(ctx, username)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockPoints) AdjustPoints(ctx context.Context, username string, delta int64) (*points.Adjustment, error) {
	args := m.Called(ctx, username, delta)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*points.Adjustment), args.Error(1)
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// withURLParams attaches chi route parameters to a request built outside a router.
func withURLParams(req *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}
