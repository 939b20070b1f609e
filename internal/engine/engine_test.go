package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/treasury-guard/internal/audit"
	"github.com/xela07ax/treasury-guard/internal/domain"
	"github.com/xela07ax/treasury-guard/internal/identity"
	"github.com/xela07ax/treasury-guard/internal/infra"
	"github.com/xela07ax/treasury-guard/internal/policy"
	"github.com/xela07ax/treasury-guard/internal/repository/memory"
)

type tokenTable map[string]*domain.CustomClaims

func (t tokenTable) VerifyToken(token string) (*domain.CustomClaims, error) {
	if c, ok := t[strings.TrimPrefix(token, "Bearer ")]; ok {
		return c, nil
	}
	return nil, errors.New("unknown token")
}

var tokens = tokenTable{
	"svc":    {UserID: "treasury-backend", Scopes: map[string]bool{ScopeEvaluate: true}},
	"reader": {UserID: "viewer", Scopes: map[string]bool{"policies.read": true}},
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAuditor) Log(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

type fixture struct {
	store   *memory.Store
	gw      *Gateway
	auditor *recordingAuditor
	metrics *Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	for i, p := range []*domain.Policy{
		{
			ID: "big-external", Name: "big external", Action: domain.ActionRequireApproval, IsActive: true,
			Destination:    domain.DestinationCondition{Type: domain.DestinationExternal},
			Amount:         domain.AmountCondition{Condition: domain.AmountAbove, Min: "10000"},
			Approvers:      []string{"alice", "bob"},
			QuorumRequired: 2,
		},
		{
			ID: "internal", Name: "internal moves", Action: domain.ActionAllow, IsActive: true,
			Destination: domain.DestinationCondition{Type: domain.DestinationInternal},
		},
	} {
		p.Priority = i
		p.Normalize()
		require.NoError(t, store.CreatePolicy(ctx, p))
	}

	f := &fixture{store: store, auditor: &recordingAuditor{}, metrics: NewMetrics(nil)}
	resolver := identity.NewResolver(identity.NewStaticDirectory(map[string]string{"0xA11CE": "alice"}), zap.NewNop())
	f.gw = NewGateway(policy.NewStoreEnforcer(store, zap.NewNop()), store, resolver, f.auditor, f.metrics, zap.NewNop())
	return f
}

func post(t *testing.T, h http.Handler, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/transfers/evaluate", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set(TraceHeader, "trace-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGateway_RequireApprovalOpensTransaction(t *testing.T) {
	f := newFixture(t)
	h := f.gw.Routes(tokens, nil, "/metrics")

	rec := post(t, h, "svc", `{"initiator":"0xA11CE","destination":"0xdead","amount_usd":"25000","asset":"USDC"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "trace-1", rec.Header().Get(TraceHeader))

	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, domain.ActionRequireApproval, res.Decision.Action)
	assert.Equal(t, "big-external", res.Decision.PolicyID)
	require.NotNil(t, res.Transaction)
	// Инициатор alice в ростере: ее голос засчитан сразу, ждем второй
	assert.Equal(t, []string{"alice"}, res.Transaction.Approvals)
	assert.Equal(t, domain.TxStatusPending, res.Transaction.Status)

	stored, err := f.store.GetTransaction(context.Background(), res.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.QuorumRequired)

	require.Len(t, f.auditor.events, 1)
	assert.Equal(t, audit.KindTransferDecision, f.auditor.events[0].Kind)
	assert.Equal(t, "trace-1", f.auditor.events[0].TraceID)
	assert.Equal(t, res.Transaction.ID, f.auditor.events[0].TransactionID)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TransactionsOpened))
}

func TestGateway_DecisionsAndErrors(t *testing.T) {
	f := newFixture(t)
	h := f.gw.Routes(tokens, nil, "/metrics")

	rec := post(t, h, "svc", `{"initiator":"bob","destination":"0xbeef","destination_is_internal":true,"amount_usd":50}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, domain.ActionAllow, res.Decision.Action)
	assert.Nil(t, res.Transaction)

	// Ни одна политика не подошла: запрет по умолчанию
	rec = post(t, h, "svc", `{"initiator":"bob","destination":"0xbeef","amount_usd":5}`)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, domain.ActionDeny, res.Decision.Action)
	assert.Equal(t, policy.DefaultDenyReason, res.Decision.Reason)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Decisions.WithLabelValues("deny", "default")))

	assert.Equal(t, http.StatusBadRequest, post(t, h, "svc", `{"initiator":"bob","amount_usd":-1}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(t, h, "svc", `not json`).Code)
	assert.Equal(t, http.StatusUnauthorized, post(t, h, "", `{}`).Code)
	assert.Equal(t, http.StatusForbidden, post(t, h, "reader", `{}`).Code)
}

type failingTxStore struct{}

func (failingTxStore) CreateTransaction(context.Context, *domain.Transaction) error {
	return errors.New("postgres: connection refused")
}

func TestGateway_TransactionStoreFailureIsNotSilent(t *testing.T) {
	f := newFixture(t)
	gw := NewGateway(policy.NewStoreEnforcer(f.store, zap.NewNop()), failingTxStore{},
		identity.NewResolver(nil, zap.NewNop()), f.auditor, f.metrics, zap.NewNop())

	rec := post(t, gw.Routes(tokens, nil, "/metrics"), "svc", `{"initiator":"carol","destination":"0xdead","amount_usd":"25000"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "postgres")
	require.Len(t, f.auditor.events, 1)
	assert.Equal(t, "error", f.auditor.events[0].Outcome)
}

func dialBuf(t *testing.T, gw *Gateway) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryAuthInterceptor(tokens, gw.metrics)))
	NewGRPCGatewayServer(gw).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_Evaluate(t *testing.T) {
	f := newFixture(t)
	conn := dialBuf(t, f.gw)

	in, err := structpb.NewStruct(map[string]interface{}{
		"initiator": "0xA11CE", "destination": "0xdead", "amount_usd": 25000, "asset": "USDC",
	})
	require.NoError(t, err)

	out := new(structpb.Struct)
	err = conn.Invoke(context.Background(), EvaluateMethod, in, out)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer svc", "x-trace-id", "grpc-trace")
	require.NoError(t, conn.Invoke(ctx, EvaluateMethod, in, out))

	m := out.AsMap()
	assert.Equal(t, "grpc-trace", m["trace_id"])
	decision := m["decision"].(map[string]interface{})
	assert.Equal(t, "require_approval", decision["action"])
	assert.NotNil(t, m["transaction"])

	bad, _ := structpb.NewStruct(map[string]interface{}{"initiator": "bob", "amount_usd": -1})
	err = conn.Invoke(ctx, EvaluateMethod, bad, out)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// Health отвечает без токена
	hc, err := healthpb.NewHealthClient(conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: TransferGuardService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hc.Status)
}

type flakyRefresher struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyRefresher) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return errors.New("db not ready")
	}
	return nil
}

func TestWarmupPolicies(t *testing.T) {
	r := &flakyRefresher{fails: 1}
	require.NoError(t, WarmupPolicies(context.Background(), r, zap.NewNop(), 3))
	assert.Equal(t, 2, r.calls)

	down := &flakyRefresher{fails: 100}
	assert.Error(t, WarmupPolicies(context.Background(), down, zap.NewNop(), 2))
}

func TestFollowPolicyUpdates_RefreshesMemo(t *testing.T) {
	f := newFixture(t)
	memo := policy.NewMemoEnforcer(f.store, zap.NewNop())
	onReconnect, onMessage := FollowPolicyUpdates(memo, zap.NewNop())

	req := &domain.TransactionRequest{Initiator: "bob", DestinationIsInternal: true}
	assert.Equal(t, policy.StoreUnavailableReason, memo.Decide(context.Background(), req).Reason)

	require.NoError(t, onReconnect())
	assert.Equal(t, domain.ActionAllow, memo.Decide(context.Background(), req).Action)

	// Политику удалили в консоли: после сигнала снимок это отражает
	require.NoError(t, f.store.DeletePolicy(context.Background(), "internal", 1))
	onMessage(infra.PolicySignal{PolicyID: "internal", Version: 1})
	assert.Equal(t, domain.ActionDeny, memo.Decide(context.Background(), req).Action)
}
