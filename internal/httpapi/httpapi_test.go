package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendguard/internal/attendance"
	"attendguard/internal/auth"
	"attendguard/internal/codes"
	"attendguard/internal/directory"
	"attendguard/internal/incident"
	"attendguard/internal/reputation"
	"attendguard/internal/risk"
)

const (
	signingKey = "test-key"
	issuer     = "attendguard"
)

type fakeAdmissions struct {
	submitted attendance.Submission
	admission attendance.Admission
	err       error
	code      codes.Code
	records   []attendance.Record
	history   []attendance.HistoryEntry
}

func (f *fakeAdmissions) Submit(_ context.Context, sub attendance.Submission) (attendance.Admission, error) {
	f.submitted = sub
	return f.admission, f.err
}

func (f *fakeAdmissions) RequestCode(context.Context, string, string) (codes.Code, error) {
	return f.code, f.err
}

func (f *fakeAdmissions) SessionAttendance(context.Context, string) ([]attendance.Record, error) {
	return f.records, f.err
}

func (f *fakeAdmissions) StudentHistory(context.Context, string) ([]attendance.HistoryEntry, error) {
	return f.history, f.err
}

type server struct {
	router    *gin.Engine
	adm       *fakeAdmissions
	rep       *reputation.Store
	incidents *incident.Recorder
}

func newServer(t *testing.T, trustedProxies ...string) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := incident.NewRecorder(incident.NewMemorySink(), nil, nil)
	rep := reputation.NewStore(reputation.NewMemoryBackend(), nil, recorder, nil)
	adm := &fakeAdmissions{}

	r, err := NewRouter(trustedProxies)
	require.NoError(t, err)
	New(adm, recorder, rep, nil).Register(r, auth.StaffAuth(signingKey, issuer, auth.RoleAdmin, auth.RoleFaculty))
	return &server{router: r, adm: adm, rep: rep, incidents: recorder}
}

func (s *server) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	return s.doWith(t, method, path, body, token, nil)
}

func (s *server) doWith(t *testing.T, method, path string, body any, token string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:52311"
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func staffToken(t *testing.T, role string) string {
	t.Helper()
	token, _, err := auth.Issue("prof-1", role, issuer, signingKey, time.Hour)
	require.NoError(t, err)
	return token
}

func validSubmit() gin.H {
	return gin.H{
		"session_id":          "sess-1",
		"roll_number":         "R1",
		"code":                "482913",
		"device_fingerprint":  "dev-1",
		"browser_fingerprint": "br-1",
	}
}

func TestSubmitAdmitted(t *testing.T) {
	s := newServer(t)
	s.adm.admission = attendance.Admission{
		Record:     attendance.Record{ID: "rec-1", RecordedAt: time.Date(2026, 10, 5, 9, 0, 0, 0, time.UTC)},
		Assessment: risk.Assessment{Score: 85, Flags: []string{"new-browser"}},
	}

	w := s.do(t, http.MethodPost, "/v1/attendance/submit", validSubmit(), "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "rec-1", body["attendance_id"])
	assert.EqualValues(t, 85, body["security_score"])
	assert.Equal(t, "192.0.2.10", s.adm.submitted.NetworkIdentity)
	assert.Equal(t, "482913", s.adm.submitted.Code)
}

func TestSubmitValidatesBody(t *testing.T) {
	s := newServer(t)
	req := validSubmit()
	delete(req, "device_fingerprint")
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/attendance/submit", req, "").Code)
	assert.Empty(t, s.adm.submitted.SessionID)

	req = validSubmit()
	delete(req, "code")
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v1/attendance/submit", req, "").Code)
}

func TestSubmitPassesMalformedCodeToCore(t *testing.T) {
	s := newServer(t)
	s.adm.err = &attendance.Rejection{Kind: attendance.KindInvalidCode}
	req := validSubmit()
	req["code"] = "48291a"

	w := s.do(t, http.MethodPost, "/v1/attendance/submit", req, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(attendance.KindInvalidCode), decode(t, w)["error"])
	assert.Equal(t, "48291a", s.adm.submitted.Code)
}

func TestSubmitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	s := newServer(t)
	forged := http.Header{"X-Forwarded-For": {"198.51.100.77"}, "X-Real-Ip": {"198.51.100.78"}}

	w := s.doWith(t, http.MethodPost, "/v1/attendance/submit", validSubmit(), "", forged)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "192.0.2.10", s.adm.submitted.NetworkIdentity)
}

func TestSubmitHonoursForwardedForFromTrustedProxy(t *testing.T) {
	s := newServer(t, "192.0.2.10")
	forwarded := http.Header{"X-Forwarded-For": {"198.51.100.77"}}

	w := s.doWith(t, http.MethodPost, "/v1/attendance/submit", validSubmit(), "", forwarded)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "198.51.100.77", s.adm.submitted.NetworkIdentity)
}

func TestSubmitMapsRejections(t *testing.T) {
	cases := []struct {
		kind   attendance.Kind
		status int
	}{
		{attendance.KindSessionNotActive, http.StatusNotFound},
		{attendance.KindStudentNotFound, http.StatusNotFound},
		{attendance.KindInvalidCode, http.StatusBadRequest},
		{attendance.KindExpiredCode, http.StatusBadRequest},
		{attendance.KindCodeAlreadyUsed, http.StatusBadRequest},
		{attendance.KindDuplicate, http.StatusConflict},
		{attendance.KindRiskBlocked, http.StatusForbidden},
		{attendance.KindStorageUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			s := newServer(t)
			s.adm.err = &attendance.Rejection{Kind: tc.kind, Score: 25, Flags: []string{"device-blocked"}, Reason: "Security score too low: 25%. Flags: device-blocked"}

			w := s.do(t, http.MethodPost, "/v1/attendance/submit", validSubmit(), "")
			assert.Equal(t, tc.status, w.Code)
			body := decode(t, w)
			assert.Equal(t, string(tc.kind), body["error"])
			if tc.kind == attendance.KindRiskBlocked {
				assert.EqualValues(t, 25, body["security_score"])
				assert.Equal(t, "Security score too low: 25%. Flags: device-blocked", body["message"])
			}
			if tc.kind == attendance.KindStorageUnavailable {
				assert.Equal(t, "1", w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestSubmitInternalError(t *testing.T) {
	s := newServer(t)
	s.adm.err = errors.New("boom")
	w := s.do(t, http.MethodPost, "/v1/attendance/submit", validSubmit(), "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRequestCode(t *testing.T) {
	s := newServer(t)
	s.adm.code = codes.Code{Value: "482913", ExpiresAt: time.Date(2026, 10, 5, 9, 1, 30, 0, time.UTC)}

	w := s.do(t, http.MethodPost, "/v1/attendance/codes", gin.H{"session_id": "sess-1", "roll_number": "R1"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "482913", body["code"])
	assert.Equal(t, "2026-10-05T09:01:30Z", body["expires_at"])
}

func TestHistoryOmitsIdentities(t *testing.T) {
	s := newServer(t)
	s.adm.history = []attendance.HistoryEntry{{ID: "rec-1", SessionID: "sess-1", RiskScore: 90, Status: "present"}}

	w := s.do(t, http.MethodGet, "/v1/attendance/history/R1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	records := decode(t, w)["records"].([]any)
	require.Len(t, records, 1)
	entry := records[0].(map[string]any)
	assert.Equal(t, "rec-1", entry["id"])
	for _, field := range []string{"device_fingerprint", "network_identity", "browser_fingerprint"} {
		assert.NotContains(t, entry, field)
	}
}

func TestHistoryNotFound(t *testing.T) {
	s := newServer(t)
	s.adm.err = directory.ErrNotFound
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v1/attendance/history/R404", nil, "").Code)
}

func TestSessionAttendanceRequiresStaff(t *testing.T) {
	s := newServer(t)
	s.adm.records = []attendance.Record{{ID: "rec-1", DeviceFingerprint: "device-fin..."}}

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/v1/attendance/sessions/sess-1", nil, "").Code)

	w := s.do(t, http.MethodGet, "/v1/attendance/sessions/sess-1", nil, staffToken(t, auth.RoleFaculty))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["records"], 1)

	assert.Equal(t, http.StatusForbidden,
		s.do(t, http.MethodGet, "/v1/attendance/sessions/sess-1", nil, staffToken(t, "student")).Code)
}

func TestBlockUnblockFlow(t *testing.T) {
	s := newServer(t)
	token := staffToken(t, auth.RoleAdmin)

	w := s.do(t, http.MethodPost, "/v1/security/device/block", gin.H{"identity": "dev-9", "reason": "shared phone"}, token)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/v1/security/blocked?kind=device", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	blocked := decode(t, w)["blocked"].([]any)
	require.Len(t, blocked, 1)
	assert.Equal(t, "dev-9", blocked[0].(map[string]any)["value"])

	w = s.do(t, http.MethodGet, "/v1/security/reputation/device?identity=dev-9", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["blocked"])

	w = s.do(t, http.MethodPost, "/v1/security/device/unblock", gin.H{"identity": "dev-9"}, token)
	require.Equal(t, http.StatusOK, w.Code)

	ok, err := s.rep.IsBlocked(context.Background(), reputation.Device("dev-9"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, http.StatusBadRequest,
		s.do(t, http.MethodPost, "/v1/security/student/block", gin.H{"identity": "stu-1"}, token).Code)
	assert.Equal(t, http.StatusBadRequest,
		s.do(t, http.MethodGet, "/v1/security/reputation/device", nil, token).Code)
}

func TestIncidentListAndResolve(t *testing.T) {
	s := newServer(t)
	token := staffToken(t, auth.RoleAdmin)
	ctx := context.Background()

	inc, err := s.incidents.Record(ctx, incident.Incident{
		Type: incident.TypeInvalidCode, Category: incident.CategoryFailedAttempt,
		Severity: incident.SeverityMedium, SessionID: "sess-1", Reason: "Invalid verification code",
	})
	require.NoError(t, err)
	_, err = s.incidents.Record(ctx, incident.Incident{
		Type: incident.TypeRiskBlock, Category: incident.CategorySecurityViolation,
		Severity: incident.SeverityHigh, SessionID: "sess-2", Reason: "Security score too low: 40%. Flags: network-proxy",
	})
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/v1/security/incidents?severity=medium&resolved=false", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decode(t, w)["incidents"].([]any)
	require.Len(t, listed, 1)
	assert.Equal(t, inc.ID, listed[0].(map[string]any)["id"])

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v1/security/incidents?resolved=maybe", nil, token).Code)

	w = s.do(t, http.MethodPut, "/v1/security/incidents/"+inc.ID+"/resolve", nil, token)
	require.Equal(t, http.StatusOK, w.Code)
	resolved := decode(t, w)
	assert.Equal(t, true, resolved["resolved"])
	assert.Equal(t, "prof-1", resolved["resolved_by"])

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPut, "/v1/security/incidents/missing/resolve", nil, token).Code)
}
