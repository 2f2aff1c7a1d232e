package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/lrhtony/Typora-image-uploader/internal/compress"
	"github.com/lrhtony/Typora-image-uploader/internal/config"
	"github.com/lrhtony/Typora-image-uploader/internal/domain"
	"github.com/lrhtony/Typora-image-uploader/internal/markdown"
	"github.com/lrhtony/Typora-image-uploader/internal/repository"
)

// Options selects what a single run processes.
type Options struct {
	// MarkdownFile, when set, derives the remote subdirectory from the
	// document's name and file date.
	MarkdownFile string
	// Scan extracts image references from MarkdownFile and appends them
	// to Images.
	Scan bool
	// Images are local paths or http(s) URLs, processed in order.
	Images []string
}

type UploadService interface {
	Run(ctx context.Context, opts Options) error
}

type uploadService struct {
	repo       repository.Repository
	cfg        *config.Config
	httpClient *http.Client
	out        io.Writer
	log        *zap.Logger
}

func NewUploadService(repo repository.Repository, cfg *config.Config, out io.Writer, log *zap.Logger) UploadService {
	return &uploadService{
		repo:       repo,
		cfg:        cfg,
		httpClient: &http.Client{},
		out:        out,
		log:        log,
	}
}

// Run processes the images strictly sequentially: fetch if remote,
// compress, upload, print the public URL, clean up local copies. The
// first error aborts the run; images uploaded before it stay uploaded.
func (s *uploadService) Run(ctx context.Context, opts Options) error {
	target, err := s.resolveTarget(opts.MarkdownFile)
	if err != nil {
		return err
	}

	images := opts.Images
	if opts.Scan {
		if opts.MarkdownFile == "" {
			return fmt.Errorf("--scan requires a markdown file")
		}
		refs, err := markdown.ExtractImagesFromFile(opts.MarkdownFile)
		if err != nil {
			return fmt.Errorf("scan %s: %w", opts.MarkdownFile, err)
		}
		docDir := filepath.Dir(opts.MarkdownFile)
		for _, ref := range refs {
			if !strings.HasPrefix(ref, "http") && !filepath.IsAbs(ref) {
				ref = filepath.Join(docDir, ref)
			}
			images = append(images, ref)
		}
	}

	if err := os.MkdirAll(s.cfg.Upload.TempDir, 0755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	for _, img := range images {
		halt, err := s.processOne(ctx, target, img)
		if err != nil {
			return err
		}
		if halt {
			break
		}
	}

	return nil
}

// resolveTarget picks the remote directory: a per-document subdirectory
// named after the markdown file and its date, or temp/ when no document
// is given.
func (s *uploadService) resolveTarget(mdPath string) (domain.UploadTarget, error) {
	target := domain.UploadTarget{BaseDir: s.cfg.Upload.BaseDir}

	if mdPath == "" {
		target.SubDir = "temp/"
		return target, nil
	}

	info, err := os.Stat(mdPath)
	if err != nil {
		return domain.UploadTarget{}, fmt.Errorf("stat %s: %w", mdPath, err)
	}

	title := strings.TrimSuffix(filepath.Base(mdPath), ".md")
	target.SubDir = info.ModTime().Format("20060102") + "-" + title + "/"
	return target, nil
}

// processOne handles a single image argument. A true halt return means an
// already-hosted URL was seen and the rest of the batch is abandoned.
func (s *uploadService) processOne(ctx context.Context, target domain.UploadTarget, img string) (bool, error) {
	artifact := domain.Artifact{LocalPath: img}

	if strings.HasPrefix(img, "http") {
		u, err := url.Parse(img)
		if err != nil {
			return false, fmt.Errorf("parse url %s: %w", img, err)
		}

		if s.isExemptHost(u.Hostname()) {
			// Already hosted: emit the URL unchanged and stop the batch.
			fmt.Fprintln(s.out, img)
			s.log.Info("already hosted, halting",
				zap.String("url", img))
			return true, nil
		}

		localPath := filepath.Join(s.cfg.Upload.TempDir, md5hex(img))
		size, err := s.download(ctx, img, localPath)
		if err != nil {
			return false, err
		}
		artifact = domain.Artifact{
			LocalPath:  localPath,
			SourceURL:  img,
			Size:       size,
			Downloaded: true,
		}
	} else {
		info, err := os.Stat(img)
		if err != nil {
			return false, fmt.Errorf("stat %s: %w", img, err)
		}
		artifact.Size = info.Size()
	}

	s.log.Info("processing image",
		zap.String("path", artifact.LocalPath),
		zap.Int64("size", artifact.Size))

	compressed, err := compress.Compress(artifact.LocalPath, s.cfg.Upload.TempDir, s.cfg.Upload.Quality)
	if err != nil {
		return false, fmt.Errorf("compress %s: %w", artifact.LocalPath, err)
	}

	target.Filename = filepath.Base(compressed)
	id, err := s.repo.Upload(ctx, target.RemotePath(), compressed)
	if err != nil {
		return false, err
	}

	fmt.Fprintln(s.out, s.cfg.PublicURLBase+strings.ToLower(id))

	if compressed != artifact.LocalPath {
		os.Remove(compressed)
	}
	if artifact.Downloaded {
		os.Remove(artifact.LocalPath)
	}

	return false, nil
}

func (s *uploadService) isExemptHost(host string) bool {
	for _, exempt := range s.cfg.ExemptHosts {
		if host == exempt {
			return true
		}
	}
	return false
}

// download fetches rawURL into dest and returns the number of bytes
// written.
func (s *uploadService) download(ctx context.Context, rawURL, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download %s: unexpected status %s", rawURL, resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, err
	}

	written, err := io.Copy(f, resp.Body)
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("download %s: %w", rawURL, err)
	}
	if err := f.Close(); err != nil {
		return 0, err
	}

	s.log.Info("image downloaded",
		zap.String("url", rawURL),
		zap.String("local_path", dest),
		zap.Int64("size", written))

	return written, nil
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
