package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/berryselect/berrypick/internal/bus"
	"github.com/berryselect/berrypick/internal/cache"
	"github.com/berryselect/berrypick/internal/domain"
	"github.com/berryselect/berrypick/internal/ranking"
	"github.com/berryselect/berrypick/internal/repository"
	"github.com/berryselect/berrypick/internal/rules"
	"github.com/berryselect/berrypick/internal/session"
	"github.com/berryselect/berrypick/internal/settlement"
	"github.com/berryselect/berrypick/internal/usage"
	"github.com/berryselect/berrypick/internal/worker"
)

const (
	testSecret     = "test-secret"
	testAdminToken = "test-admin-token"
)

func newTestRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "api-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func seed(t *testing.T, repo *repository.SQLRepository) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, p := range []*domain.Product{
		{ID: "card-a", Kind: domain.KindCard, Name: "Berry Card"},
		{ID: "card-b", Kind: domain.KindCard, Name: "Plain Card"},
		{ID: "club", Kind: domain.KindMembership, Name: "Cafe Club"},
	} {
		if err := repo.SaveProduct(ctx, p); err != nil {
			t.Fatalf("failed to save product: %v", err)
		}
	}

	for _, in := range []*domain.Instrument{
		{ID: "asset-a", UserID: "user-1", ProductID: "card-a", Kind: domain.KindCard, CreatedAt: base},
		{ID: "asset-b", UserID: "user-1", ProductID: "card-b", Kind: domain.KindCard, CreatedAt: base.Add(time.Minute)},
		{ID: "asset-m", UserID: "user-1", ProductID: "club", Kind: domain.KindMembership, CreatedAt: base.Add(2 * time.Minute)},
	} {
		if err := repo.SaveInstrument(ctx, in); err != nil {
			t.Fatalf("failed to save instrument: %v", err)
		}
	}

	if err := repo.SaveMerchant(ctx, &domain.Merchant{ID: "m-cafe", Name: "Corner Cafe", CategoryID: "cafe"}); err != nil {
		t.Fatalf("failed to save merchant: %v", err)
	}

	for _, r := range []*domain.BenefitRule{
		{
			ID: "rule-a", ProductID: "card-a", Kind: domain.BenefitDiscount, Active: true,
			Value: domain.RateValue{Rate: decimal.RequireFromString("0.1")},
		},
		{
			ID: "rule-club", ProductID: "club", Kind: domain.BenefitPoint, Active: true,
			Value:  domain.FixedValue{Amount: 200},
			Scopes: []domain.Scope{domain.CategoryScope{CategoryID: "cafe"}},
		},
	} {
		if err := repo.SaveRule(ctx, r); err != nil {
			t.Fatalf("failed to save rule: %v", err)
		}
	}
}

func createTestServer(t *testing.T, tokens *TokenService) (*Server, *bus.ChannelBus) {
	t.Helper()

	repo := newTestRepo(t)
	seed(t, repo)

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	conds, err := rules.NewConditions()
	if err != nil {
		t.Fatalf("failed to create conditions: %v", err)
	}
	evaluator := rules.NewEvaluator(repo, usage.NewService(repo), conds)

	sessions := session.NewService(repo, ranking.NewRanker(evaluator, 4), eventBus, time.UTC)

	bg := worker.NewWorker(eventBus, nil)
	if err := bg.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	t.Cleanup(func() { bg.Stop() })

	server := NewServer(domain.ServerConfig{Host: "localhost", Port: 8080}, Deps{
		Repo:       repo,
		Cache:      cache.NewLRUCache(64),
		Bus:        eventBus,
		Worker:     bg,
		Sessions:   sessions,
		Settlement: settlement.NewService(repo, sessions, eventBus, time.UTC, "KRW"),
		Conditions: conds,
		Tokens:     tokens,
		AdminToken: testAdminToken,
		Version:    "test-v1",
	})
	return server, eventBus
}

func do(t *testing.T, s *Server, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	headers := map[string]string{}
	if userID != "" {
		headers[UserIDHeader] = userID
	}
	return send(t, s, method, path, headers, body)
}

func doAdmin(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return send(t, s, method, path, map[string]string{AdminTokenHeader: testAdminToken}, body)
}

func send(t *testing.T, s *Server, method, path string, headers map[string]string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	server, _ := createTestServer(t, nil)

	rr := do(t, server, http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var health HealthResponse
	decodeBody(t, rr, &health)
	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", health.Status)
	}
	if health.Version != "test-v1" {
		t.Errorf("expected version 'test-v1', got '%s'", health.Version)
	}
	for _, name := range []string{"repository", "cache", "bus"} {
		if health.Components[name] != "up" {
			t.Errorf("expected %s up, got %q", name, health.Components[name])
		}
	}
	if health.Cache == nil || health.Cache.Capacity != 64 {
		t.Errorf("expected cache stats with capacity 64, got %+v", health.Cache)
	}
	if health.Worker == nil || health.Worker.SubscriptionCount != 1 {
		t.Errorf("expected worker stats with one subscription, got %+v", health.Worker)
	}
	if health.Bus == nil {
		t.Fatal("expected bus stats")
	}
	published := health.Bus.Published

	if rr := do(t, server, http.MethodPost, "/recommendations/sessions", "user-1", CreateSessionRequest{Amount: 1000}); rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}
	decodeBody(t, do(t, server, http.MethodGet, "/health", "", nil), &health)
	if health.Bus.Published != published+1 {
		t.Errorf("expected one more published event, got %d -> %d", published, health.Bus.Published)
	}

	rr = do(t, server, http.MethodGet, "/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get(RequestIDHeader) == "" {
		t.Error("expected request id header")
	}
}

func TestRecommendationFlow(t *testing.T) {
	server, _ := createTestServer(t, nil)

	rr := do(t, server, http.MethodPost, "/recommendations/sessions", "user-1", CreateSessionRequest{
		Amount:     10000,
		MerchantID: "m-cafe",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var sess domain.Session
	decodeBody(t, rr, &sess)

	if len(sess.Options) != 4 {
		t.Fatalf("expected 4 options, got %d", len(sess.Options))
	}
	top := sess.Options[0]
	if top.Rank != 1 || top.ExpectedSave != 1200 || top.ExpectedPay != 8800 {
		t.Errorf("expected top option rank 1 save 1200 pay 8800, got %d/%d/%d", top.Rank, top.ExpectedSave, top.ExpectedPay)
	}

	sessionPath := "/recommendations/sessions/" + sess.ID

	t.Run("Detail", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, sessionPath, "user-1", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var got domain.Session
		decodeBody(t, rr, &got)
		if got.ID != sess.ID || len(got.Options) != len(sess.Options) {
			t.Errorf("expected the created session, got %+v", got)
		}
	})

	t.Run("DetailErrors", func(t *testing.T) {
		if rr := do(t, server, http.MethodGet, sessionPath, "user-2", nil); rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403 for another user, got %d", rr.Code)
		}
		if rr := do(t, server, http.MethodGet, "/recommendations/sessions/missing", "user-1", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for unknown session, got %d", rr.Code)
		}
	})

	choosePath := "/recommendations/options/" + top.ID + "/choose"

	t.Run("Choose", func(t *testing.T) {
		if rr := do(t, server, http.MethodPost, choosePath, "user-1", nil); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 without sessionId, got %d", rr.Code)
		}

		rr := do(t, server, http.MethodPost, choosePath+"?sessionId="+sess.ID, "user-1", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var got domain.Session
		decodeBody(t, rr, &got)
		if got.ChosenOptionID != top.ID {
			t.Errorf("expected chosen option %s, got %s", top.ID, got.ChosenOptionID)
		}

		other := "/recommendations/options/" + sess.Options[1].ID + "/choose?sessionId=" + sess.ID
		if rr := do(t, server, http.MethodPost, other, "user-1", nil); rr.Code != http.StatusConflict {
			t.Errorf("expected status 409 for a second choice, got %d", rr.Code)
		}
	})

	var tx domain.Transaction

	t.Run("Settle", func(t *testing.T) {
		paid := int64(8800)
		rr := do(t, server, http.MethodPost, "/transactions", "user-1", SettleRequest{
			SessionID:  sess.ID,
			OptionID:   top.ID,
			PaidAmount: &paid,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		decodeBody(t, rr, &tx)

		if tx.CategoryID != "cafe" {
			t.Errorf("expected category 'cafe' from merchant, got '%s'", tx.CategoryID)
		}
		if len(tx.Benefits) != 2 || tx.Saved() != 1200 {
			t.Errorf("expected 2 benefits saving 1200, got %d saving %d", len(tx.Benefits), tx.Saved())
		}

		rr = do(t, server, http.MethodPost, "/transactions", "user-1", SettleRequest{
			SessionID:  sess.ID,
			OptionID:   top.ID,
			PaidAmount: &paid,
		})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409 for a second settlement, got %d", rr.Code)
		}
	})

	t.Run("Transactions", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/transactions/"+tx.ID, "user-1", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if rr := do(t, server, http.MethodGet, "/transactions/"+tx.ID, "user-2", nil); rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403 for another user, got %d", rr.Code)
		}

		rr = do(t, server, http.MethodGet, "/transactions?categoryId=cafe", "user-1", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var list struct {
			Transactions []domain.Transaction `json:"transactions"`
			Count        int                  `json:"count"`
		}
		decodeBody(t, rr, &list)
		if list.Count != 1 || list.Transactions[0].ID != tx.ID {
			t.Errorf("expected the settled transaction, got %+v", list)
		}

		if rr := do(t, server, http.MethodGet, "/transactions?yearMonth=2025-13", "user-1", nil); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad yearMonth, got %d", rr.Code)
		}
		if rr := do(t, server, http.MethodGet, "/transactions?limit=abc", "user-1", nil); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for bad limit, got %d", rr.Code)
		}
	})

	t.Run("Summary", func(t *testing.T) {
		yearMonth := tx.TxTime.UTC().Format("2006-01")
		rr := do(t, server, http.MethodGet, "/transactions/summary?categoryId=cafe&yearMonth="+yearMonth, "user-1", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var sum domain.MonthlyCategorySummary
		decodeBody(t, rr, &sum)
		if sum.AmountSpent != 8800 || sum.AmountSaved != 1200 || sum.TxCount != 1 {
			t.Errorf("expected 8800/1200/1, got %d/%d/%d", sum.AmountSpent, sum.AmountSaved, sum.TxCount)
		}

		if rr := do(t, server, http.MethodGet, "/transactions/summary?categoryId=cafe", "user-1", nil); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 without yearMonth, got %d", rr.Code)
		}
		if rr := do(t, server, http.MethodGet, "/transactions/summary?categoryId=food&yearMonth="+yearMonth, "user-1", nil); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for an empty category, got %d", rr.Code)
		}
	})
}

func TestSessionWithoutInstruments(t *testing.T) {
	server, _ := createTestServer(t, nil)

	rr := do(t, server, http.MethodPost, "/recommendations/sessions", "user-9", CreateSessionRequest{Amount: 5000})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"options":[]`) {
		t.Errorf("expected an empty options array on create, got %s", rr.Body.String())
	}

	var created domain.Session
	decodeBody(t, rr, &created)

	rr = do(t, server, http.MethodGet, "/recommendations/sessions/"+created.ID, "user-9", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"options":[]`) {
		t.Errorf("expected an empty options array on detail, got %s", rr.Body.String())
	}
}

func TestRequestValidation(t *testing.T) {
	server, _ := createTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   any
		status int
	}{
		{"MissingUser", http.MethodPost, "/recommendations/sessions", "", CreateSessionRequest{Amount: 1000}, http.StatusUnauthorized},
		{"ZeroAmount", http.MethodPost, "/recommendations/sessions", "user-1", CreateSessionRequest{Amount: 0}, http.StatusBadRequest},
		{"UnknownMerchant", http.MethodPost, "/recommendations/sessions", "user-1", CreateSessionRequest{Amount: 1000, MerchantID: "nope"}, http.StatusNotFound},
		{"SettleWithoutAmount", http.MethodPost, "/transactions", "user-1", map[string]string{"sessionId": "s", "optionId": "o"}, http.StatusBadRequest},
		{"SettleUnknownSession", http.MethodPost, "/transactions", "user-1", map[string]any{"sessionId": "s", "optionId": "o", "paidAmount": 100}, http.StatusNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, server, tc.method, tc.path, tc.user, tc.body)
			if rr.Code != tc.status {
				t.Errorf("expected status %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
		})
	}

	t.Run("MalformedJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/recommendations/sessions", bytes.NewBufferString("{"))
		req.Header.Set(UserIDHeader, "user-1")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	server, eventBus := createTestServer(t, nil)

	changed := make(chan domain.RulesChangedEvent, 1)
	eventBus.Subscribe(context.Background(), domain.TopicRulesChanged, func(ctx context.Context, msg *domain.Message) error {
		var event domain.RulesChangedEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return err
		}
		changed <- event
		return nil
	})

	amount := int64(300)
	rule := domain.RuleSpec{
		ID:        "rule-b",
		ProductID: "card-b",
		Kind:      domain.BenefitCashback,
		ValueKind: domain.ValueKindAmount,
		Amount:    &amount,
		Active:    true,
		Condition: "amount >= 5000",
		Scopes:    []domain.ScopeSpec{{Type: domain.ScopeDayOfWeek, DayOfWeek: "SAT,SUN"}},
	}

	t.Run("Create", func(t *testing.T) {
		rr := doAdmin(t, server, http.MethodPost, "/rules", rule)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		select {
		case event := <-changed:
			if event.ProductID != "card-b" || event.RuleID != "rule-b" {
				t.Errorf("unexpected event %+v", event)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for rules changed event")
		}
	})

	t.Run("List", func(t *testing.T) {
		rr := doAdmin(t, server, http.MethodGet, "/rules?productId=card-b", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var list struct {
			Rules []domain.RuleSpec `json:"rules"`
			Count int               `json:"count"`
		}
		decodeBody(t, rr, &list)
		if list.Count != 1 || list.Rules[0].Condition != "amount >= 5000" {
			t.Errorf("expected the saved rule, got %+v", list)
		}
		if len(list.Rules[0].Scopes) != 1 || list.Rules[0].Scopes[0].DayOfWeek != "SAT,SUN" {
			t.Errorf("expected day-of-week scope to round trip, got %+v", list.Rules[0].Scopes)
		}
	})

	t.Run("WithoutProduct", func(t *testing.T) {
		if rr := doAdmin(t, server, http.MethodGet, "/rules", nil); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Rejects", func(t *testing.T) {
		badCondition := rule
		badCondition.ID = "rule-c"
		badCondition.Condition = "amount +"

		badScope := rule
		badScope.ID = "rule-d"
		badScope.Scopes = []domain.ScopeSpec{{Type: domain.ScopeDayOfWeek, DayOfWeek: "FUNDAY"}}

		badValue := rule
		badValue.ID = "rule-e"
		badValue.ValueKind = domain.ValueKindRate
		badValue.Rate = "-0.5"

		badKind := rule
		badKind.ID = "rule-f"
		badKind.Kind = "GIFT"

		for name, spec := range map[string]domain.RuleSpec{
			"condition": badCondition,
			"scope":     badScope,
			"value":     badValue,
			"kind":      badKind,
		} {
			if rr := doAdmin(t, server, http.MethodPost, "/rules", spec); rr.Code != http.StatusBadRequest {
				t.Errorf("%s: expected status 400, got %d: %s", name, rr.Code, rr.Body.String())
			}
		}
	})
}

func TestBearerAuth(t *testing.T) {
	tokens := NewTokenService(testSecret, time.Hour)
	server, _ := createTestServer(t, tokens)

	request := func(auth string) int {
		req := httptest.NewRequest(http.MethodGet, "/transactions", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		req.Header.Set(UserIDHeader, "user-1")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		return rr.Code
	}

	token, err := tokens.IssueToken("user-1")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if code := request("Bearer " + token); code != http.StatusOK {
		t.Errorf("expected status 200 with a valid token, got %d", code)
	}
	if code := request(""); code != http.StatusUnauthorized {
		t.Errorf("expected status 401 without a token, got %d", code)
	}
	if code := request("Bearer not-a-token"); code != http.StatusUnauthorized {
		t.Errorf("expected status 401 with a malformed token, got %d", code)
	}

	foreign, _ := NewTokenService("other-secret", time.Hour).IssueToken("user-1")
	if code := request("Bearer " + foreign); code != http.StatusUnauthorized {
		t.Errorf("expected status 401 with a foreign signature, got %d", code)
	}

	t.Run("NumericClaim", func(t *testing.T) {
		raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"user_id": 42,
			"exp":     time.Now().Add(time.Minute).Unix(),
		})
		signed, err := raw.SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("failed to sign token: %v", err)
		}

		userID, err := tokens.ParseToken(signed)
		if err != nil {
			t.Fatalf("ParseToken failed: %v", err)
		}
		if userID != "42" {
			t.Errorf("expected user id '42', got '%s'", userID)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		raw := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"user_id": "user-1",
			"exp":     time.Now().Add(-time.Minute).Unix(),
		})
		signed, _ := raw.SignedString([]byte(testSecret))
		if _, err := tokens.ParseToken(signed); err == nil {
			t.Error("expected expired token to be rejected")
		}
	})
}

func TestRuleAdminAccess(t *testing.T) {
	overwrite := domain.RuleSpec{
		ID:        "rule-a",
		ProductID: "card-a",
		Kind:      domain.BenefitDiscount,
		ValueKind: domain.ValueKindRate,
		Rate:      "0.99",
		Active:    true,
	}

	topSave := func(t *testing.T, server *Server) int64 {
		t.Helper()
		rr := do(t, server, http.MethodPost, "/recommendations/sessions", "user-1", CreateSessionRequest{
			Amount:     10000,
			MerchantID: "m-cafe",
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", rr.Code)
		}
		var sess domain.Session
		decodeBody(t, rr, &sess)
		return sess.Options[0].ExpectedSave
	}

	t.Run("UserCannotWrite", func(t *testing.T) {
		server, _ := createTestServer(t, nil)

		if rr := do(t, server, http.MethodPost, "/rules", "user-2", overwrite); rr.Code != http.StatusForbidden {
			t.Fatalf("expected status 403, got %d: %s", rr.Code, rr.Body.String())
		}
		if rr := do(t, server, http.MethodGet, "/rules?productId=card-a", "user-2", nil); rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403 for listing, got %d", rr.Code)
		}
		if save := topSave(t, server); save != 1200 {
			t.Errorf("expected untouched saving 1200, got %d", save)
		}
	})

	t.Run("WrongAdminToken", func(t *testing.T) {
		server, _ := createTestServer(t, nil)

		rr := send(t, server, http.MethodPost, "/rules", map[string]string{AdminTokenHeader: "guess"}, overwrite)
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d", rr.Code)
		}
	})

	t.Run("BearerRoles", func(t *testing.T) {
		tokens := NewTokenService(testSecret, time.Hour)
		server, _ := createTestServer(t, tokens)

		userToken, err := tokens.IssueToken("user-2")
		if err != nil {
			t.Fatalf("IssueToken failed: %v", err)
		}
		rr := send(t, server, http.MethodPost, "/rules", map[string]string{"Authorization": "Bearer " + userToken}, overwrite)
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403 for a user token, got %d", rr.Code)
		}

		adminToken, err := tokens.IssueAdminToken("ops")
		if err != nil {
			t.Fatalf("IssueAdminToken failed: %v", err)
		}
		rr = send(t, server, http.MethodGet, "/rules?productId=card-a", map[string]string{"Authorization": "Bearer " + adminToken}, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200 for an admin token, got %d", rr.Code)
		}
	})

	t.Run("AdminWrites", func(t *testing.T) {
		server, _ := createTestServer(t, nil)

		if rr := doAdmin(t, server, http.MethodPost, "/rules", overwrite); rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		if save := topSave(t, server); save <= 1200 {
			t.Errorf("expected the updated rate to raise the saving, got %d", save)
		}
	})

	t.Run("ClosedWithoutCredentials", func(t *testing.T) {
		handler := AdminMiddleware("", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/rules", nil)
		req.Header.Set(AdminTokenHeader, "")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusForbidden {
			t.Errorf("expected status 403, got %d", rr.Code)
		}
	})
}

func TestRuleEventPublishing(t *testing.T) {
	t.Run("UnencodableEvent", func(t *testing.T) {
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		h := NewHandler(Deps{Bus: eventBus})
		h.publish(context.Background(), domain.TopicRulesChanged, make(chan int))
		if got := eventBus.Stats().Published; got != 0 {
			t.Errorf("expected nothing published, got %d", got)
		}
	})

	t.Run("ClosedBusKeepsSavedRule", func(t *testing.T) {
		server, eventBus := createTestServer(t, nil)
		eventBus.Close()

		amount := int64(500)
		rr := doAdmin(t, server, http.MethodPost, "/rules", domain.RuleSpec{
			ID:        "rule-late",
			ProductID: "card-b",
			Kind:      domain.BenefitCashback,
			ValueKind: domain.ValueKindAmount,
			Amount:    &amount,
			Active:    true,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doAdmin(t, server, http.MethodGet, "/rules?productId=card-b", nil)
		if !strings.Contains(rr.Body.String(), "rule-late") {
			t.Errorf("expected the rule to be saved, got %s", rr.Body.String())
		}
	})
}
