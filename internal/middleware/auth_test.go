package middleware

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/EndangeredF1sh/vlabcontroller/internal/config"
)

func setHeaders(t *testing.T) {
	t.Helper()
	config.Cfg.UserHeader = "X-Forwarded-User"
	config.Cfg.GroupsHeader = "X-Forwarded-Groups"
	config.Cfg.AdminGroups = []string{"vlab-admins"}
}

func TestFromRequest(t *testing.T) {
	setHeaders(t)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-User", "alice")
	r.Header.Set("X-Forwarded-Groups", "students, lab-7 ,")

	p, ok := FromRequest(r)
	if !ok {
		t.Fatal("expected a principal")
	}
	if p.ID != "alice" {
		t.Errorf("wrong id %q", p.ID)
	}
	if !reflect.DeepEqual(p.Groups, []string{"students", "lab-7"}) {
		t.Errorf("groups not trimmed: %v", p.Groups)
	}
	if p.Admin {
		t.Error("student must not be admin")
	}
}

func TestFromRequest_NoIdentity(t *testing.T) {
	setHeaders(t)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, ok := FromRequest(r); ok {
		t.Error("expected no principal without headers")
	}

	r.Header.Set("X-Forwarded-User", "   ")
	if _, ok := FromRequest(r); ok {
		t.Error("whitespace user header must not authenticate")
	}
}

func TestFromRequest_AdminGroup(t *testing.T) {
	setHeaders(t)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-User", "root")
	r.Header.Set("X-Forwarded-Groups", "VLAB-Admins")

	p, _ := FromRequest(r)
	if !p.Admin {
		t.Error("admin group match should be case-insensitive")
	}
}

func TestRequireAuth(t *testing.T) {
	setHeaders(t)

	var seen Principal
	handler := RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = GetPrincipal(r)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without identity, got %d", rec.Code)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-User", "alice")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with identity, got %d", rec.Code)
	}
	if seen.ID != "alice" {
		t.Errorf("principal not stored in context: %+v", seen)
	}
}

func TestRequireAdmin(t *testing.T) {
	setHeaders(t)

	handler := RequireAuth(RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-User", "alice")
	r.Header.Set("X-Forwarded-Groups", "students")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin, got %d", rec.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-User", "root")
	r.Header.Set("X-Forwarded-Groups", "vlab-admins")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for admin, got %d", rec.Code)
	}
}
