package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lrhtony/Typora-image-uploader/internal/domain"
)

const (
	graphRoot   = "https://graph.microsoft.com/v1.0"
	msTokenURL  = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	redirectURI = "http://localhost:5000/callback"
	userAgent   = "Typora Image Uploader(lrhtony0@gmail.com)"
)

// Repository uploads a local file to a path-addressed remote location,
// replacing any existing object there, and returns the remote object
// identifier.
type Repository interface {
	Upload(ctx context.Context, remotePath, localPath string) (string, error)
}

// CredentialStore loads and persists the credential record. The drive
// repository writes the record back immediately after every refresh.
type CredentialStore interface {
	Load() (domain.Credentials, error)
	Save(domain.Credentials) error
}

type driveRepository struct {
	client   *http.Client
	store    CredentialStore
	creds    domain.Credentials
	apiRoot  string
	tokenURL string
	now      func() time.Time
	log      *zap.Logger
}

// NewDriveRepository creates the Graph API storage client. The credential
// record is loaded once at construction; the process is single-threaded
// and short-lived, so no further synchronization is needed.
func NewDriveRepository(store CredentialStore, log *zap.Logger) (Repository, error) {
	return newDriveRepository(store, graphRoot, msTokenURL, log)
}

func newDriveRepository(store CredentialStore, apiRoot, tokenURL string, log *zap.Logger) (*driveRepository, error) {
	creds, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	return &driveRepository{
		client:   &http.Client{},
		store:    store,
		creds:    creds,
		apiRoot:  apiRoot,
		tokenURL: tokenURL,
		now:      time.Now,
		log:      log,
	}, nil
}

// accessToken returns a token valid for at least the next minute,
// refreshing and persisting the credential record first if needed.
func (r *driveRepository) accessToken(ctx context.Context) (string, error) {
	if r.creds.ExpiredAt(r.now()) {
		if err := r.refresh(ctx); err != nil {
			return "", err
		}
	}
	return r.creds.AccessToken, nil
}

func (r *driveRepository) refresh(ctx context.Context) error {
	form := url.Values{
		"client_id":     {r.creds.ClientID},
		"redirect_uri":  {redirectURI},
		"client_secret": {r.creds.ClientSecret},
		"refresh_token": {r.creds.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh token: unexpected status %s", resp.Status)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("refresh token: decode response: %w", err)
	}
	if payload.AccessToken == "" || payload.RefreshToken == "" {
		return fmt.Errorf("refresh token: malformed response")
	}

	r.creds.AccessToken = payload.AccessToken
	r.creds.RefreshToken = payload.RefreshToken
	r.creds.ExpiresAt = r.now().Unix() + payload.ExpiresIn

	if err := r.store.Save(r.creds); err != nil {
		return fmt.Errorf("persist refreshed credentials: %w", err)
	}

	r.log.Info("access token refreshed",
		zap.Int64("expires_at", r.creds.ExpiresAt))

	return nil
}

func (r *driveRepository) Upload(ctx context.Context, remotePath, localPath string) (string, error) {
	token, err := r.accessToken(ctx)
	if err != nil {
		return "", err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/me/drive/items/root:/%s:/content", r.apiRoot, remotePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, f)
	if err != nil {
		return "", err
	}
	// Announce the size up front; chunked PUTs are rejected by some
	// object-storage endpoints.
	req.ContentLength = info.Size()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", remotePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("upload %s: unexpected status %s", remotePath, resp.Status)
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("upload %s: decode response: %w", remotePath, err)
	}
	if payload.ID == "" {
		return "", fmt.Errorf("upload %s: response has no object id", remotePath)
	}

	r.log.Info("file uploaded",
		zap.String("remote_path", remotePath),
		zap.String("object_id", payload.ID))

	return payload.ID, nil
}
