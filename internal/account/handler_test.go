package account

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-accounts/internal/notification"
)

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []notification.Job
}

func (n *recordingNotifier) Enqueue(jobs ...notification.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, jobs...)
}

func (n *recordingNotifier) Templates() []notification.Template {
	n.mu.Lock()
	defer n.mu.Unlock()
	return notification.Outbox(n.jobs).Templates()
}

func newTestServer(t *testing.T, cfg Config) (*fixture, http.Handler, *recordingNotifier) {
	t.Helper()
	f := newFixture(t, cfg)
	logger := zap.NewNop().Sugar()
	n := &recordingNotifier{}
	mux := http.NewServeMux()
	NewHandler(f.svc, n, logger).Register(mux, Authenticate(f.svc, logger))
	return f, mux, n
}

func do(t *testing.T, h http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var e errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return e
}

func login(t *testing.T, h http.Handler, email, password string) Session {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/accounts/login", "", LoginRequest{Email: email, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", email, rec.Code, rec.Body.String())
	}
	var sess Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return sess
}

func TestLoginEndpoint(t *testing.T) {
	is := is.New(t)
	f, h, _ := newTestServer(t, testConfig())
	f.seed(t, "jane@doe.com", "Jane Doe", false, 0, true)
	f.seed(t, "idle@doe.com", "Idle Partner", false, 0, false)

	sess := login(t, h, "jane@doe.com", testPassword)
	is.True(sess.Token != "")
	is.Equal(sess.Account.Email, "jane@doe.com")

	var raw map[string]any
	rec := do(t, h, http.MethodPost, "/api/accounts/login", "", LoginRequest{Email: "jane@doe.com", Password: testPassword})
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &raw))
	account := raw["account"].(map[string]any)
	_, leaked := account["password"]
	is.True(!leaked)
	_, leaked = account["access_token"]
	is.True(!leaked)

	rec = do(t, h, http.MethodPost, "/api/accounts/login", "", LoginRequest{Email: "jane@doe.com", Password: "nope"})
	is.Equal(rec.Code, http.StatusForbidden)
	is.Equal(decodeError(t, rec).Code, "bad_credentials")

	rec = do(t, h, http.MethodPost, "/api/accounts/login", "", LoginRequest{Email: "nobody@doe.com", Password: "nope"})
	is.Equal(rec.Code, http.StatusNotFound)
	is.Equal(decodeError(t, rec).Message, "Account not found.")

	rec = do(t, h, http.MethodPost, "/api/accounts/login", "", LoginRequest{Email: "idle@doe.com", Password: testPassword})
	is.Equal(rec.Code, http.StatusForbidden)
	is.Equal(decodeError(t, rec).Message, "Account is not yet activated.")

	req := httptest.NewRequest(http.MethodPost, "/api/accounts/login", strings.NewReader("{"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	is.Equal(rec.Code, http.StatusBadRequest)
}

func TestAuthenticationFailures(t *testing.T) {
	is := is.New(t)
	f, h, _ := newTestServer(t, testConfig())
	f.seed(t, "jane@doe.com", "Jane Doe", false, 0, true)
	sess := login(t, h, "jane@doe.com", testPassword)

	rec := do(t, h, http.MethodGet, "/api/accounts/logout", "", nil)
	is.Equal(rec.Code, http.StatusUnauthorized)
	is.Equal(decodeError(t, rec).Code, "unauthenticated")

	rec = do(t, h, http.MethodGet, "/api/accounts/logout", sess.Token+"x", nil)
	is.Equal(rec.Code, http.StatusForbidden)
	is.Equal(decodeError(t, rec).Code, "bad_credentials")

	f.clock.Advance(16 * time.Minute)
	rec = do(t, h, http.MethodGet, "/api/accounts/logout", sess.Token, nil)
	is.Equal(rec.Code, http.StatusUnauthorized)
	is.Equal(decodeError(t, rec).Code, "session_expired")

	fresh := login(t, h, "jane@doe.com", testPassword)
	rec = do(t, h, http.MethodGet, "/api/accounts/logout", fresh.Token, nil)
	is.Equal(rec.Code, http.StatusNoContent)

	rec = do(t, h, http.MethodGet, "/api/accounts/logout", fresh.Token, nil)
	is.Equal(rec.Code, http.StatusUnauthorized)
	is.Equal(decodeError(t, rec).Code, "unauthorized")
}

func TestRefreshEndpoint(t *testing.T) {
	is := is.New(t)
	f, h, _ := newTestServer(t, testConfig())
	f.seed(t, "jane@doe.com", "Jane Doe", false, 0, true)
	e1 := login(t, h, "jane@doe.com", testPassword)

	rec := do(t, h, http.MethodPost, "/api/accounts/refresh", e1.Token, nil)
	is.Equal(rec.Code, http.StatusOK)
	var e2 Session
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &e2))
	is.True(e2.Token != e1.Token)

	rec = do(t, h, http.MethodPost, "/api/accounts/refresh", e1.Token, nil)
	is.Equal(rec.Code, http.StatusUnauthorized)

	rec = do(t, h, http.MethodPost, "/api/accounts/refresh", e2.Token, nil)
	is.Equal(rec.Code, http.StatusOK)
}

func TestAccountAdministration(t *testing.T) {
	is := is.New(t)
	f, h, n := newTestServer(t, testConfig())
	f.seed(t, "admin@doe.com", "Admin", true, 0, true)
	f.seed(t, "jane@doe.com", "Jane Doe", false, 0, true)
	admin := login(t, h, "admin@doe.com", testPassword)
	jane := login(t, h, "jane@doe.com", testPassword)

	rec := do(t, h, http.MethodPost, "/api/accounts", jane.Token, CreateRequest{Type: TypePartner, Email: "p@doe.com", Name: "Partner"})
	is.Equal(rec.Code, http.StatusForbidden)
	is.Equal(decodeError(t, rec).Message, "Account not allowed.")

	rec = do(t, h, http.MethodPost, "/api/accounts", admin.Token, CreateRequest{Email: "p@doe.com", Name: "Partner"})
	is.Equal(rec.Code, http.StatusBadRequest)
	is.Equal(decodeError(t, rec).Message, "Bad account type.")

	rec = do(t, h, http.MethodPost, "/api/accounts", admin.Token, CreateRequest{Type: TypePartner, Email: "p@doe.com", Name: "Partner", AvatarURL: "not a url"})
	is.Equal(rec.Code, http.StatusBadRequest)
	is.Equal(decodeError(t, rec).Message, "Bad avatar URL.")

	rec = do(t, h, http.MethodPost, "/api/accounts", admin.Token, CreateRequest{Type: TypePartner, Email: "p@doe.com", Name: "Partner"})
	is.Equal(rec.Code, http.StatusCreated)
	is.Equal(n.Templates(), []notification.Template{notification.ActivationLink})
	p := f.reload(t, "p@doe.com")

	rec = do(t, h, http.MethodPost, "/api/accounts", admin.Token, CreateRequest{Type: TypePartner, Email: "p@doe.com", Name: "Partner Bis"})
	is.Equal(rec.Code, http.StatusBadRequest)
	is.Equal(decodeError(t, rec).Code, "conflict")

	rec = do(t, h, http.MethodPost, "/api/accounts/activate", admin.Token, map[string]any{"email": "p@doe.com", "active": 1})
	is.Equal(rec.Code, http.StatusNoContent)
	is.True(f.reload(t, "p@doe.com").Active)

	rec = do(t, h, http.MethodPost, "/api/accounts/activate", admin.Token, map[string]any{"email": "admin@doe.com", "active": 0})
	is.Equal(rec.Code, http.StatusBadRequest)

	rec = do(t, h, http.MethodPut, "/api/accounts", admin.Token, map[string]any{"account_id": p.ID, "description": "Partner of the year"})
	is.Equal(rec.Code, http.StatusNoContent)
	is.Equal(f.reload(t, "p@doe.com").Description, "Partner of the year")

	rec = do(t, h, http.MethodPut, "/api/accounts", admin.Token, map[string]any{"description": "orphan"})
	is.Equal(rec.Code, http.StatusNotFound)

	rec = do(t, h, http.MethodPost, "/api/accounts/resetpassword", admin.Token, EmailRequest{Email: "p@doe.com"})
	is.Equal(rec.Code, http.StatusOK)
	var reset ResetPasswordResponse
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &reset))
	is.Equal(reset.Email, "p@doe.com")
	is.Equal(len(reset.Password), 16)
	login(t, h, "p@doe.com", reset.Password)

	rec = do(t, h, http.MethodGet, "/api/accounts", admin.Token, nil)
	is.Equal(rec.Code, http.StatusOK)
	var listing struct {
		Page     int `json:"page"`
		Accounts struct {
			Admins   []map[string]any `json:"admins"`
			Partners []map[string]any `json:"partners"`
		} `json:"accounts"`
	}
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &listing))
	is.Equal(listing.Page, 1)
	is.Equal(len(listing.Accounts.Admins), 1)
	is.Equal(len(listing.Accounts.Partners), 2)

	rec = do(t, h, http.MethodGet, "/api/accounts/zero", admin.Token, nil)
	is.Equal(rec.Code, http.StatusBadRequest)

	rec = do(t, h, http.MethodDelete, "/api/accounts", jane.Token, EmailRequest{Email: "p@doe.com"})
	is.Equal(rec.Code, http.StatusForbidden)

	rec = do(t, h, http.MethodDelete, "/api/accounts", admin.Token, EmailRequest{Email: "p@doe.com"})
	is.Equal(rec.Code, http.StatusAccepted)

	rec = do(t, h, http.MethodDelete, "/api/accounts", admin.Token, EmailRequest{Email: "admin@doe.com"})
	is.Equal(rec.Code, http.StatusForbidden)
	is.Equal(decodeError(t, rec).Message, "One or more administrator account must be registered. Unable to delete the last one.")
}

func TestPasswordEndpoints(t *testing.T) {
	is := is.New(t)
	f, h, n := newTestServer(t, testConfig())
	f.seed(t, "jane@doe.com", "Jane Doe", false, 0, true)

	rec := do(t, h, http.MethodPost, "/api/accounts/passwordlost", "", EmailRequest{Email: "nobody@doe.com"})
	is.Equal(rec.Code, http.StatusNotFound)

	rec = do(t, h, http.MethodPost, "/api/accounts/passwordlost", "", EmailRequest{Email: "jane@doe.com"})
	is.Equal(rec.Code, http.StatusNoContent)
	is.Equal(n.Templates(), []notification.Template{notification.NewPasswordLink})
	envelope := linkToken(t, n.jobs[0])

	rec = do(t, h, http.MethodPost, "/api/accounts/newpassword", "", TokenRequest{Email: "jane@doe.com", Token: "bad", Password: "N3w!Password"})
	is.Equal(rec.Code, http.StatusForbidden)
	is.Equal(decodeError(t, rec).Message, "Bad security token.")

	rec = do(t, h, http.MethodPost, "/api/accounts/newpassword", "", TokenRequest{Email: "jane@doe.com", Token: envelope, Password: "weak"})
	is.Equal(rec.Code, http.StatusBadRequest)
	is.Equal(decodeError(t, rec).Message, "Bad password format.")

	rec = do(t, h, http.MethodPost, "/api/accounts/newpassword", "", TokenRequest{Email: "jane@doe.com", Token: envelope, Password: strings.Repeat("N3w!Password", 7)})
	is.Equal(rec.Code, http.StatusBadRequest)
	is.Equal(decodeError(t, rec).Message, "Bad password format.")

	rec = do(t, h, http.MethodPost, "/api/accounts/newpassword", "", TokenRequest{Email: "jane@doe.com", Token: envelope, Password: "N3w!Password"})
	is.Equal(rec.Code, http.StatusNoContent)

	sess := login(t, h, "jane@doe.com", "N3w!Password")
	rec = do(t, h, http.MethodPost, "/api/accounts/changepassword", sess.Token, PasswordRequest{Email: "jane@doe.com", Password: "An0ther!Password"})
	is.Equal(rec.Code, http.StatusNoContent)

	// the password change ended the session
	rec = do(t, h, http.MethodGet, "/api/accounts/logout", sess.Token, nil)
	is.Equal(rec.Code, http.StatusUnauthorized)
}

func TestProbeEndpoints(t *testing.T) {
	is := is.New(t)
	f, h, _ := newTestServer(t, testConfig())
	f.seed(t, "admin@doe.com", "Admin", true, 0, true)
	f.seed(t, "jane@doe.com", "Jane Doe", false, 0, true)

	var exists ExistsResponse
	rec := do(t, h, http.MethodPost, "/api/accounts/emailexists", "", EmailRequest{Email: "jane@doe.com"})
	is.Equal(rec.Code, http.StatusOK)
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &exists))
	is.True(exists.Exists)

	rec = do(t, h, http.MethodPost, "/api/accounts/emailexists", "", EmailRequest{Email: "john@doe.com"})
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &exists))
	is.True(!exists.Exists)

	jane := login(t, h, "jane@doe.com", testPassword)
	rec = do(t, h, http.MethodPost, "/api/accounts/nameexists", jane.Token, NameRequest{Name: "Admin"})
	is.Equal(rec.Code, http.StatusForbidden)

	admin := login(t, h, "admin@doe.com", testPassword)
	rec = do(t, h, http.MethodPost, "/api/accounts/nameexists", admin.Token, NameRequest{Name: "Jane Doe"})
	is.Equal(rec.Code, http.StatusOK)
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &exists))
	is.True(exists.Exists)
}

func TestFlagDecoding(t *testing.T) {
	is := is.New(t)
	for in, want := range map[string]bool{`true`: true, `1`: true, `"1"`: true, `false`: false, `0`: false, `"yes"`: false} {
		var f Flag
		is.NoErr(json.Unmarshal([]byte(in), &f))
		is.Equal(bool(f), want)
	}
}

func TestBearer(t *testing.T) {
	is := is.New(t)
	raw, ok := bearer("Bearer abc.def")
	is.True(ok)
	is.Equal(raw, "abc.def")
	_, ok = bearer("Basic abc")
	is.True(!ok)
	_, ok = bearer("Bearer ")
	is.True(!ok)
	_, ok = bearer("")
	is.True(!ok)
}
