package domain

import (
	"time"
)

// Artifact is a single image tracked through download, compression and upload.
type Artifact struct {
	LocalPath  string `json:"local_path"`
	SourceURL  string `json:"source_url,omitempty"`
	Size       int64  `json:"size"`
	Downloaded bool   `json:"downloaded"`
}

// Credentials is the token bundle persisted between runs. ExpiresAt is
// unix seconds and must reflect the token currently in AccessToken.
type Credentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

// ExpiredAt reports whether the access token must be refreshed before use
// at the given instant. The one-minute grace window keeps a token that is
// about to lapse from being sent with a live request.
func (c Credentials) ExpiredAt(now time.Time) bool {
	return c.ExpiresAt < now.Unix()-60
}

// UploadTarget is the remote destination for one artifact.
type UploadTarget struct {
	BaseDir  string `json:"base_dir"`
	SubDir   string `json:"sub_dir,omitempty"`
	Filename string `json:"filename"`
}

// RemotePath joins the target parts into the path-addressed remote key.
func (t UploadTarget) RemotePath() string {
	return t.BaseDir + t.SubDir + t.Filename
}
