package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/ridebooking/internal/booking/domain"
	"github.com/example/ridebooking/internal/http/validation"
)

const testSecret = "test-secret"

func newTestService() *Service {
	svc := NewService(NewMemoryUserStore(), NewIssuer(testSecret, time.Hour), nil)
	svc.cost = bcrypt.MinCost
	return svc
}

func TestRegisterAndLogin(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	session, err := svc.Register(ctx, RegisterRequest{Name: "Ravi", Email: " Ravi@Example.com ", Password: "Secret1", Role: domain.RoleDriver})
	require.NoError(t, err)
	require.Equal(t, "ravi@example.com", session.Email)
	require.Equal(t, domain.RoleDriver, session.Role)

	claims, err := ParseToken(testSecret, session.Token)
	require.NoError(t, err)
	actor, err := claims.Actor()
	require.NoError(t, err)
	require.Equal(t, domain.RoleDriver, actor.Role)
	require.Equal(t, "Ravi", claims.Name)

	_, err = svc.Register(ctx, RegisterRequest{Name: "Ravi", Email: "ravi@example.com", Password: "Secret1", Role: domain.RoleCustomer})
	require.ErrorIs(t, err, ErrEmailTaken)

	login, err := svc.Login(ctx, "RAVI@example.com", "Secret1")
	require.NoError(t, err)
	require.Equal(t, session.Email, login.Email)

	_, err = svc.Login(ctx, "ravi@example.com", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "nobody@example.com", "Secret1")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestParseTokenRejectsBadTokens(t *testing.T) {
	issuer := NewIssuer(testSecret, time.Hour)
	token, err := issuer.Issue(User{ID: uuid.New(), Role: domain.RoleCustomer})
	require.NoError(t, err)

	_, err = ParseToken("other-secret", token)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired := NewIssuer(testSecret, time.Hour)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.Issue(User{ID: uuid.New(), Role: domain.RoleCustomer})
	require.NoError(t, err)
	_, err = ParseToken(testSecret, old)
	require.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: "driver"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ParseToken(testSecret, unsigned)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	issuer := NewIssuer(testSecret, time.Hour)
	driverID := uuid.New()
	token, err := issuer.Issue(User{ID: driverID, Role: domain.RoleDriver})
	require.NoError(t, err)

	var seen domain.Actor
	handler := Middleware(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		require.True(t, ok)
		seen = actor
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, domain.Actor{ID: driverID, Role: domain.RoleDriver}, seen)

	// Query tokens are only honoured on websocket upgrades.
	req = httptest.NewRequest(http.MethodGet, "/?token="+token, nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/?token="+token, nil)
	req.Header.Set("Upgrade", "websocket")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	customerOnly := Middleware(testSecret, string(domain.RoleCustomer))(handler)
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	customerOnly.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHTTPRegisterAndLogin(t *testing.T) {
	h := NewHTTP(newTestService(), validation.New(), nil)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	post := func(path, body string) (*http.Response, map[string]any) {
		resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp, out
	}

	resp, body := post("/register", `{"name":"Meera","email":"meera@example.com","password":"Secret1","role":"customer"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "customer", body["role"])
	require.NotEmpty(t, body["token"])

	resp, body = post("/register", `{"name":"Me","email":"bad","password":"weak","role":"admin"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "name")

	resp, _ = post("/register", `{"name":"Meera","email":"meera@example.com","password":"Secret1","role":"customer"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = post("/login", `{"email":"meera@example.com","password":"Secret1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "meera@example.com", body["email"])

	resp, body = post("/login", `{"email":"meera@example.com","password":"Secret2"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Contains(t, body["error"], "invalid credentials")
}
