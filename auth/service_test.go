package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

func TestService_IssueAndVerify(t *testing.T) {
	svc := NewService("test-secret", time.Hour)

	token, err := svc.Issue(Identity{Subject: "user-1", Email: "alice@example.com", Role: RoleApprover})
	if err != nil {
		t.Fatalf("issue: unexpected error: %v", err)
	}

	id, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if id.Subject != "user-1" {
		t.Fatalf("verify token: expected subject user-1 got %q", id.Subject)
	}
	if id.Role != RoleApprover {
		t.Fatalf("verify token: expected role %s got %s", RoleApprover, id.Role)
	}
	if id.Approver() != "alice@example.com" {
		t.Fatalf("expected approver to be the email, got %q", id.Approver())
	}
}

func TestService_IssueValidation(t *testing.T) {
	svc := NewService("test-secret", time.Hour)

	if _, err := svc.Issue(Identity{Role: RoleAdmin}); err == nil {
		t.Fatal("expected error for missing subject")
	}
	if _, err := svc.Issue(Identity{Subject: "user-1", Role: "owner"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestService_VerifyRejects(t *testing.T) {
	svc := NewService("test-secret", time.Hour)
	issued := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issued }

	token, err := svc.Issue(Identity{Subject: "user-1", Role: RoleViewer})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other := NewService("other-secret", time.Hour)
	other.now = svc.now
	if _, err := other.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret: expected ErrInvalidToken, got %v", err)
	}

	svc.now = func() time.Time { return issued.Add(2 * time.Hour) }
	if _, err := svc.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired: expected ErrInvalidToken, got %v", err)
	}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub":  "user-1",
		"role": "admin",
		"exp":  issued.Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	svc.now = func() time.Time { return issued }
	if _, err := svc.VerifyToken(none); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("alg none: expected ErrInvalidToken, got %v", err)
	}
}

func TestRoleAllows(t *testing.T) {
	cases := []struct {
		role     Role
		required Role
		want     bool
	}{
		{RoleAdmin, RoleApprover, true},
		{RoleApprover, RoleApprover, true},
		{RoleViewer, RoleApprover, false},
		{RoleApprover, RoleAdmin, false},
		{Role("owner"), RoleViewer, false},
	}
	for _, tc := range cases {
		if got := tc.role.Allows(tc.required); got != tc.want {
			t.Fatalf("%s allows %s: expected %v got %v", tc.role, tc.required, tc.want, got)
		}
	}
}

func TestSourceKeys(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("granola-key-0123456789"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	keys := NewSourceKeys(map[string]string{"Granola": string(hash)})

	if err := keys.Verify("granola", "granola-key-0123456789"); err != nil {
		t.Fatalf("valid key: %v", err)
	}
	if err := keys.Verify("granola", "wrong"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if err := keys.Verify("plaud", "granola-key-0123456789"); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
	if err := NewSourceKeys(nil).Verify("anything", ""); err != nil {
		t.Fatalf("disabled keys should accept, got %v", err)
	}
	if _, err := HashKey("short"); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestRequireMiddleware(t *testing.T) {
	svc := NewService("test-secret", time.Hour)
	approver, _ := svc.Issue(Identity{Subject: "user-1", Role: RoleApprover})
	viewer, _ := svc.Issue(Identity{Subject: "user-2", Role: RoleViewer})

	e := echo.New()
	e.POST("/approve", func(c echo.Context) error {
		id, ok := IdentityFrom(c)
		if !ok {
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.String(http.StatusOK, id.Subject)
	}, Require(svc, RoleApprover))

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"approver", "Bearer " + approver, http.StatusOK},
		{"viewer", "Bearer " + viewer, http.StatusForbidden},
		{"missing", "", http.StatusUnauthorized},
		{"basic", "Basic dXNlcjpwYXNz", http.StatusUnauthorized},
		{"garbage", "Bearer a.b.c", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/approve", nil)
			if tc.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tc.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
			if tc.status == http.StatusOK && strings.TrimSpace(rec.Body.String()) != "user-1" {
				t.Fatalf("expected identity user-1, got %q", rec.Body.String())
			}
		})
	}
}
