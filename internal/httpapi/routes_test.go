package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/browserkernel/kernel/internal/audit"
	"github.com/browserkernel/kernel/internal/capability"
	"github.com/browserkernel/kernel/internal/corelib/httpmw"
)

// newFixtures builds a real, in-memory-backed audit.Log and
// capability.Broker. Both are kernel-owned concrete types (not thin
// external SDK clients), so exercising the real implementation is more
// representative here than mocking; the mock strategy is reserved for
// a true external dependency boundary, which these handlers don't have.
func newFixtures(t *testing.T) (*audit.Log, *capability.Broker) {
	t.Helper()
	salt, err := audit.NewSalt()
	require.NoError(t, err)
	log := audit.New(audit.NewMemoryStore(), nil, salt)
	broker := capability.New(capability.NewMemoryStore(), log)
	require.NoError(t, broker.Init(context.Background()))
	return log, broker
}

func withPrincipal(req *http.Request, principal string) *http.Request {
	return req.WithContext(httpmw.WithPrincipal(req.Context(), principal))
}

func TestHealthz(t *testing.T) {
	log, broker := newFixtures(t)
	e := echo.New()
	RegisterRoutes(e, log, broker, nil, zaptest.NewLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListAuditLogs_ReturnsPrincipalScopedEntries(t *testing.T) {
	log, broker := newFixtures(t)
	ctx := context.Background()

	_, err := log.Log(ctx, audit.Fields{Principal: "agent:1", Op: "tab.open", Result: audit.ResultSuccess})
	require.NoError(t, err)
	_, err = log.Log(ctx, audit.Fields{Principal: "agent:2", Op: "tab.open", Result: audit.ResultSuccess})
	require.NoError(t, err)
	_, err = broker.Grant(ctx, "agent:1", "audit.query", "audit:*", capability.T1Read, nil)
	require.NoError(t, err)

	e := echo.New()
	handler := listAuditLogsHandler(log, broker, zaptest.NewLogger(t))

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/v1/audit-logs?op=tab.open", nil), "agent:1")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, handler(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
}

func TestCapabilitiesHandler_GrantListRevoke(t *testing.T) {
	_, broker := newFixtures(t)
	h := &capabilitiesHandler{broker: broker, logger: zaptest.NewLogger(t)}

	e := echo.New()

	grantBody := `{"principal":"agent:1","operation_pattern":"tab.open","resource_pattern":"tab:*","risk":"T2_STATEFUL"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/capabilities", strings.NewReader(grantBody))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	require.NoError(t, h.grant(c))
	require.Equal(t, http.StatusCreated, rec.Code)

	listReq := withPrincipal(httptest.NewRequest(http.MethodGet, "/v1/capabilities", nil), "agent:1")
	listRec := httptest.NewRecorder()
	listC := e.NewContext(listReq, listRec)
	require.NoError(t, h.list(listC))
	assert.Equal(t, http.StatusOK, listRec.Code)
	assert.Contains(t, listRec.Body.String(), "tab.open")
}
