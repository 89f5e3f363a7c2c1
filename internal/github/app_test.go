package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func testKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return key, string(block)
}

// fakeGitHub serves the App endpoints used by App.
type fakeGitHub struct {
	t   *testing.T
	key *rsa.PublicKey

	mu    sync.Mutex
	mints map[string]int
}

func (f *fakeGitHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	if strings.HasPrefix(r.URL.Path, "/app") {
		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(auth, claims, func(*jwt.Token) (interface{}, error) { return f.key, nil })
		if err != nil || claims.Issuer != "123" {
			f.t.Errorf("invalid app JWT on %s: %v (iss %q)", r.URL.Path, err, claims.Issuer)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/app/installations":
		_, _ = w.Write([]byte(`[
			{"id": 1, "account": {"login": "other", "type": "User"}, "repository_selection": "all"},
			{"id": 2, "account": {"login": "letrazapp", "type": "Organization"}, "repository_selection": "selected"}
		]`))
	case r.URL.Path == "/app":
		_, _ = w.Write([]byte(`{"id": 123, "slug": "linearpr", "name": "Linear PR", "html_url": "https://github.com/apps/linearpr"}`))
	case strings.HasSuffix(r.URL.Path, "/access_tokens") && r.Method == http.MethodPost:
		id := strings.Split(r.URL.Path, "/")[3]
		f.mu.Lock()
		f.mints[id]++
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-" + id, "expires_at": "2030-01-01T00:00:00Z"})
	case r.URL.Path == "/installation/repositories":
		switch auth {
		case "tok-2":
			_, _ = w.Write([]byte(`{"total_count": 1, "repositories": [
				{"id": 9, "name": "letraz", "full_name": "letrazapp/letraz", "owner": {"login": "letrazapp"}}
			]}`))
		default:
			_, _ = w.Write([]byte(`{"total_count": 0, "repositories": []}`))
		}
	default:
		http.NotFound(w, r)
	}
}

func newTestApp(t *testing.T, slug string) (*App, *fakeGitHub) {
	t.Helper()
	key, pemKey := testKey(t)
	fake := &fakeGitHub{t: t, key: &key.PublicKey, mints: map[string]int{}}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	app, err := NewApp(AppConfig{AppID: 123, PrivateKey: pemKey, Slug: slug, BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return app, fake
}

func TestNormalizePrivateKey(t *testing.T) {
	_, pemKey := testKey(t)

	tests := map[string]string{
		"pem":         pemKey,
		"escaped":     strings.ReplaceAll(pemKey, "\n", `\n`),
		"base64":      base64.StdEncoding.EncodeToString([]byte(pemKey)),
		"padded":      "\n  " + pemKey + "  \n",
		"escaped b64": base64.StdEncoding.EncodeToString([]byte(strings.ReplaceAll(pemKey, "\n", `\n`))),
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(NormalizePrivateKey(raw))); err != nil {
				t.Errorf("expected parseable key, got %v", err)
			}
		})
	}

	if NormalizePrivateKey("   ") != "" {
		t.Error("expected empty key to stay empty")
	}
}

func TestNewAppRejectsBadKey(t *testing.T) {
	if _, err := NewApp(AppConfig{AppID: 1, PrivateKey: "not a key"}); err == nil {
		t.Error("expected error for invalid key")
	}
	if _, err := NewApp(AppConfig{PrivateKey: "x"}); err == nil {
		t.Error("expected error for missing app id")
	}
}

func TestRepositoryInstallation(t *testing.T) {
	app, _ := newTestApp(t, "")
	ctx := context.Background()

	tests := []struct {
		owner, repo string
		want        int64
	}{
		{"letrazapp", "letraz", 2},
		{"LetrazApp", "Letraz", 2},
		{"other", "anything", 1},
		{"letrazapp", "private", 0},
		{"stranger", "repo", 0},
	}

	for _, tt := range tests {
		inst, err := app.RepositoryInstallation(ctx, tt.owner, tt.repo)
		if err != nil {
			t.Fatalf("RepositoryInstallation(%s/%s): %v", tt.owner, tt.repo, err)
		}
		var got int64
		if inst != nil {
			got = inst.ID
		}
		if got != tt.want {
			t.Errorf("RepositoryInstallation(%s/%s) = %d, want %d", tt.owner, tt.repo, got, tt.want)
		}
	}

	if _, err := app.ClientForRepo(ctx, "stranger", "repo"); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("expected ErrNotInstalled, got %v", err)
	}
}

func TestInstallationTokenCached(t *testing.T) {
	app, fake := newTestApp(t, "")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		token, err := app.InstallationToken(ctx, 2)
		if err != nil {
			t.Fatalf("InstallationToken: %v", err)
		}
		if token != "tok-2" {
			t.Errorf("expected tok-2, got %q", token)
		}
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.mints["2"] != 1 {
		t.Errorf("expected one token minted, got %d", fake.mints["2"])
	}
}

func TestAccessibleRepositories(t *testing.T) {
	app, _ := newTestApp(t, "")

	repos, err := app.AccessibleRepositories(context.Background())
	if err != nil {
		t.Fatalf("AccessibleRepositories: %v", err)
	}
	if len(repos) != 1 || repos[0].FullName != "letrazapp/letraz" || repos[0].ID != 9 {
		t.Errorf("unexpected repositories %+v", repos)
	}
}

func TestInstallURLAndDetails(t *testing.T) {
	app, _ := newTestApp(t, "linearpr")
	if got := app.InstallURL(); got != "https://github.com/settings/apps/linearpr/installations" {
		t.Errorf("unexpected install url %q", got)
	}

	noSlug, _ := newTestApp(t, "")
	if got := noSlug.InstallURL(); got != "https://github.com/apps/123" {
		t.Errorf("unexpected install url %q", got)
	}

	details, err := app.Details(context.Background())
	if err != nil {
		t.Fatalf("Details: %v", err)
	}
	if details.Slug != "linearpr" || details.ID != 123 {
		t.Errorf("unexpected details %+v", details)
	}
}
