package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lrhtony/Typora-image-uploader/internal/domain"
)

type fakeStore struct {
	creds domain.Credentials
	saves []domain.Credentials
}

func (f *fakeStore) Load() (domain.Credentials, error) { return f.creds, nil }

func (f *fakeStore) Save(c domain.Credentials) error {
	f.saves = append(f.saves, c)
	return nil
}

func writeLocalFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photo.webp")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

type driveFixture struct {
	server       *httptest.Server
	refreshCalls int
	uploadCalls  int
	lastAuth     string
	lastAgent    string
	lastPath     string
	lastBody     string
	lastLength   int64
	tokenStatus  int
	uploadStatus int
	uploadBody   string
}

func newDriveFixture(t *testing.T) *driveFixture {
	t.Helper()

	fx := &driveFixture{
		tokenStatus:  http.StatusOK,
		uploadStatus: http.StatusCreated,
		uploadBody:   `{"id":"ABC123DEF"}`,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		fx.refreshCalls++
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse refresh form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		if got := r.PostForm.Get("client_id"); got != "cid" {
			t.Errorf("client_id = %q, want cid", got)
		}
		if got := r.PostForm.Get("client_secret"); got != "csecret" {
			t.Errorf("client_secret = %q, want csecret", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "old-refresh" {
			t.Errorf("refresh_token = %q, want old-refresh", got)
		}
		if fx.tokenStatus != http.StatusOK {
			w.WriteHeader(fx.tokenStatus)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/me/drive/items/", func(w http.ResponseWriter, r *http.Request) {
		fx.uploadCalls++
		fx.lastAuth = r.Header.Get("Authorization")
		fx.lastAgent = r.Header.Get("User-Agent")
		fx.lastPath = r.URL.Path
		fx.lastLength = r.ContentLength
		body, _ := io.ReadAll(r.Body)
		fx.lastBody = string(body)
		w.WriteHeader(fx.uploadStatus)
		fmt.Fprint(w, fx.uploadBody)
	})

	fx.server = httptest.NewServer(mux)
	t.Cleanup(fx.server.Close)
	return fx
}

func newTestRepo(t *testing.T, fx *driveFixture, store *fakeStore) *driveRepository {
	t.Helper()
	repo, err := newDriveRepository(store, fx.server.URL, fx.server.URL+"/token", zap.NewNop())
	if err != nil {
		t.Fatalf("newDriveRepository: %v", err)
	}
	return repo
}

func expiredCreds() domain.Credentials {
	return domain.Credentials{
		ClientID:     "cid",
		ClientSecret: "csecret",
		RefreshToken: "old-refresh",
		AccessToken:  "old-access",
		ExpiresAt:    time.Now().Unix() - 3600,
	}
}

func freshCreds() domain.Credentials {
	c := expiredCreds()
	c.ExpiresAt = time.Now().Unix() + 3600
	return c
}

func TestUploadRefreshesExpiredToken(t *testing.T) {
	fx := newDriveFixture(t)
	store := &fakeStore{creds: expiredCreds()}
	repo := newTestRepo(t, fx, store)

	local := writeLocalFile(t, "webp bytes")
	before := time.Now().Unix()

	id, err := repo.Upload(context.Background(), "host/blog/post/temp/photo.webp", local)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if id != "ABC123DEF" {
		t.Fatalf("object id = %q, want ABC123DEF", id)
	}
	if fx.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1", fx.refreshCalls)
	}
	if fx.uploadCalls != 1 {
		t.Fatalf("upload calls = %d, want 1", fx.uploadCalls)
	}
	if fx.lastAuth != "Bearer new-access" {
		t.Fatalf("Authorization = %q, want refreshed bearer", fx.lastAuth)
	}
	if !strings.Contains(fx.lastAgent, "Typora Image Uploader") {
		t.Fatalf("User-Agent = %q, missing identifying string", fx.lastAgent)
	}
	if !strings.Contains(fx.lastPath, "root:/host/blog/post/temp/photo.webp:/content") {
		t.Fatalf("upload path = %q", fx.lastPath)
	}
	if fx.lastBody != "webp bytes" {
		t.Fatalf("upload body = %q, want file content", fx.lastBody)
	}
	if fx.lastLength != int64(len("webp bytes")) {
		t.Fatalf("Content-Length = %d, want %d (not chunked)", fx.lastLength, len("webp bytes"))
	}

	// New token triple persisted before Upload returned.
	if len(store.saves) != 1 {
		t.Fatalf("store saves = %d, want 1", len(store.saves))
	}
	saved := store.saves[0]
	if saved.AccessToken != "new-access" || saved.RefreshToken != "new-refresh" {
		t.Fatalf("persisted tokens = %+v", saved)
	}
	if saved.ExpiresAt < before+3600 || saved.ExpiresAt > time.Now().Unix()+3600 {
		t.Fatalf("persisted expiry = %d, want ~now+3600", saved.ExpiresAt)
	}
}

func TestUploadFreshTokenSkipsRefresh(t *testing.T) {
	fx := newDriveFixture(t)
	store := &fakeStore{creds: freshCreds()}
	repo := newTestRepo(t, fx, store)

	local := writeLocalFile(t, "data")
	if _, err := repo.Upload(context.Background(), "a/b.webp", local); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	if fx.refreshCalls != 0 {
		t.Fatalf("refresh calls = %d, want 0", fx.refreshCalls)
	}
	if fx.lastAuth != "Bearer old-access" {
		t.Fatalf("Authorization = %q, want stored bearer", fx.lastAuth)
	}
	if len(store.saves) != 0 {
		t.Fatalf("store saves = %d, want 0", len(store.saves))
	}
}

func TestTokenNearExpiryRefreshes(t *testing.T) {
	fx := newDriveFixture(t)
	creds := expiredCreds()
	// Just past the one-minute grace window.
	creds.ExpiresAt = time.Now().Unix() - 61
	store := &fakeStore{creds: creds}
	repo := newTestRepo(t, fx, store)

	local := writeLocalFile(t, "data")
	if _, err := repo.Upload(context.Background(), "a/b.webp", local); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if fx.refreshCalls != 1 {
		t.Fatalf("refresh calls = %d, want 1", fx.refreshCalls)
	}
}

func TestRefreshFailureIsFatal(t *testing.T) {
	fx := newDriveFixture(t)
	fx.tokenStatus = http.StatusBadRequest
	store := &fakeStore{creds: expiredCreds()}
	repo := newTestRepo(t, fx, store)

	local := writeLocalFile(t, "data")
	if _, err := repo.Upload(context.Background(), "a/b.webp", local); err == nil {
		t.Fatal("expected refresh error")
	}
	if fx.uploadCalls != 0 {
		t.Fatalf("upload calls = %d, want 0 after failed refresh", fx.uploadCalls)
	}
	if len(store.saves) != 0 {
		t.Fatalf("store saves = %d, want 0 after failed refresh", len(store.saves))
	}
}

func TestUploadNonSuccessStatus(t *testing.T) {
	fx := newDriveFixture(t)
	fx.uploadStatus = http.StatusForbidden
	store := &fakeStore{creds: freshCreds()}
	repo := newTestRepo(t, fx, store)

	local := writeLocalFile(t, "data")
	if _, err := repo.Upload(context.Background(), "a/b.webp", local); err == nil {
		t.Fatal("expected error on non-success status")
	}
}

func TestUploadResponseWithoutID(t *testing.T) {
	fx := newDriveFixture(t)
	fx.uploadBody = `{"name":"b.webp"}`
	store := &fakeStore{creds: freshCreds()}
	repo := newTestRepo(t, fx, store)

	local := writeLocalFile(t, "data")
	if _, err := repo.Upload(context.Background(), "a/b.webp", local); err == nil {
		t.Fatal("expected error for response without object id")
	}
}
