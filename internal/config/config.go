package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/lrhtony/Typora-image-uploader/internal/domain"
)

// Storage backends selectable via storage.backend.
const (
	BackendOneDrive = "onedrive"
	BackendS3       = "s3"
)

type Config struct {
	Storage       StorageConfig
	S3            S3Config
	Upload        UploadConfig
	PublicURLBase string
	ExemptHosts   []string
	Credentials   domain.Credentials
}

type StorageConfig struct {
	Backend string
}

type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	BucketName      string
	Region          string
}

type UploadConfig struct {
	BaseDir string
	TempDir string
	Quality int
}

// credentialKeys are the five recognized token fields. Load fails fast if
// any is missing from the config file.
var credentialKeys = []string{
	"client_id",
	"client_secret",
	"refresh_token",
	"access_token",
	"expires_at",
}

// FileStore is the persistent configuration behind the tool. It is both
// the source of the typed Config and the credential store handed to the
// drive repository: Save rewrites the whole file so the stored expiry
// always matches the token in use.
type FileStore struct {
	v    *viper.Viper
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("storage.backend", BackendOneDrive)
	v.SetDefault("upload.base_dir", "host/blog/post/")
	v.SetDefault("upload.temp_dir", "temp")
	v.SetDefault("upload.quality", 80)
	v.SetDefault("public_url_base", "https://img.0a0.moe/od/")
	v.SetDefault("exempt_hosts", []string{"img.jks.moe", "img.0a0.moe"})
	v.SetDefault("s3.use_ssl", false)
	v.SetDefault("s3.region", "us-east-1")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	return &FileStore{v: v, path: path}, nil
}

// Config builds the typed configuration and validates the fields the
// selected backend needs.
func (s *FileStore) Config() (*Config, error) {
	cfg := &Config{
		Storage: StorageConfig{
			Backend: s.v.GetString("storage.backend"),
		},
		S3: S3Config{
			Endpoint:        s.v.GetString("s3.endpoint"),
			AccessKeyID:     s.v.GetString("s3.access_key_id"),
			SecretAccessKey: s.v.GetString("s3.secret_access_key"),
			UseSSL:          s.v.GetBool("s3.use_ssl"),
			BucketName:      s.v.GetString("s3.bucket"),
			Region:          s.v.GetString("s3.region"),
		},
		Upload: UploadConfig{
			BaseDir: s.v.GetString("upload.base_dir"),
			TempDir: s.v.GetString("upload.temp_dir"),
			Quality: s.v.GetInt("upload.quality"),
		},
		PublicURLBase: s.v.GetString("public_url_base"),
		ExemptHosts:   s.v.GetStringSlice("exempt_hosts"),
	}

	switch cfg.Storage.Backend {
	case BackendOneDrive:
		creds, err := s.Load()
		if err != nil {
			return nil, err
		}
		cfg.Credentials = creds
	case BackendS3:
		if cfg.S3.Endpoint == "" || cfg.S3.AccessKeyID == "" ||
			cfg.S3.SecretAccessKey == "" || cfg.S3.BucketName == "" {
			return nil, fmt.Errorf("s3 backend requires endpoint, access_key_id, secret_access_key and bucket")
		}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	if cfg.Upload.Quality <= 0 || cfg.Upload.Quality > 100 {
		return nil, fmt.Errorf("upload.quality must be between 1 and 100, got %d", cfg.Upload.Quality)
	}

	return cfg, nil
}

// Load reads the credential record, failing if any of the five fields is
// absent from the file.
func (s *FileStore) Load() (domain.Credentials, error) {
	for _, key := range credentialKeys {
		if !s.v.IsSet(key) {
			return domain.Credentials{}, fmt.Errorf("config %s: missing required field %q", s.path, key)
		}
	}

	return domain.Credentials{
		ClientID:     s.v.GetString("client_id"),
		ClientSecret: s.v.GetString("client_secret"),
		RefreshToken: s.v.GetString("refresh_token"),
		AccessToken:  s.v.GetString("access_token"),
		ExpiresAt:    s.v.GetInt64("expires_at"),
	}, nil
}

// Save persists a refreshed credential record by rewriting the config
// file in full.
func (s *FileStore) Save(creds domain.Credentials) error {
	s.v.Set("client_id", creds.ClientID)
	s.v.Set("client_secret", creds.ClientSecret)
	s.v.Set("refresh_token", creds.RefreshToken)
	s.v.Set("access_token", creds.AccessToken)
	s.v.Set("expires_at", creds.ExpiresAt)

	if err := s.v.WriteConfig(); err != nil {
		return fmt.Errorf("write config %s: %w", s.path, err)
	}
	return nil
}
