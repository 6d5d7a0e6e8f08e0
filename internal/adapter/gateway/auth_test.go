package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"netconverge/internal/infra/config"
)

func testAuth() Authenticator {
	return NewStaticTokenAuth([]config.APITokenConfig{
		{Name: "noc", Token: "secret-123"},
		{Name: "ci", Token: "other-456"},
	})
}

func TestStaticTokenAuth(t *testing.T) {
	auth := testAuth()

	info, err := auth.Authenticate("other-456")
	require.NoError(t, err)
	assert.Equal(t, "ci", info.Name)

	_, err = auth.Authenticate("wrong")
	assert.ErrorIs(t, err, errUnauthorized)

	_, err = auth.Authenticate("")
	assert.ErrorIs(t, err, errUnauthorized)

	_, err = NewStaticTokenAuth(nil).Authenticate("anything")
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/reports?token=q", nil)
	assert.Equal(t, "q", bearerToken(r))

	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "h", bearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, bearerToken(r))
}

func TestRequireAuth(t *testing.T) {
	var seen string
	h := requireAuth(testAuth())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = clientFrom(r.Context()).Name
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "noc", seen)

	open := requireAuth(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = clientFrom(r.Context()).Name
	}))
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", seen)
}
