// Package modelstore resolves a local model bundle, downloading it from a
// Hugging Face compatible hub into a revision-keyed cache when needed.
package modelstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/straja-ai/sentiment/internal/logger"
	"github.com/straja-ai/sentiment/internal/redact"
	"github.com/straja-ai/sentiment/internal/retry"
)

// Options describes where the bundle lives and how to fetch it.
type Options struct {
	// Dir, when set, is used as-is and never downloaded into.
	Dir      string
	CacheDir string
	Repo     string
	Revision string
	HubURL   string
	Files    []string
	// Token is sent as a bearer token to the hub when non-empty.
	Token   string
	Offline bool
	Timeout time.Duration

	Retry      retry.Config
	HTTPClient *http.Client
	Logger     *zap.Logger
}

const manifestName = "manifest.json"

// ManifestFile records one downloaded file.
type ManifestFile struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest is written next to the downloaded files.
type Manifest struct {
	Repo         string         `json:"repo"`
	Revision     string         `json:"revision"`
	DownloadedAt time.Time      `json:"downloaded_at"`
	Files        []ManifestFile `json:"files"`
}

// Ensure returns a directory containing every file in opts.Files.
func Ensure(ctx context.Context, opts Options) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	for _, f := range opts.Files {
		if err := validateRelPath(f); err != nil {
			return "", err
		}
	}

	if dir := strings.TrimSpace(opts.Dir); dir != "" {
		if err := FilesPresent(dir, opts.Files); err != nil {
			return "", fmt.Errorf("model dir %s: %w", dir, err)
		}
		log.Info("using local model dir", zap.String("dir", dir))
		return dir, nil
	}

	repo := strings.Trim(strings.TrimSpace(opts.Repo), "/")
	revision := strings.TrimSpace(opts.Revision)
	if repo == "" {
		return "", errors.New("model repo is empty")
	}
	if revision == "" {
		revision = "main"
	}
	if strings.TrimSpace(opts.CacheDir) == "" {
		return "", errors.New("model cache dir is empty")
	}

	repoDir := RepoDir(opts.CacheDir, repo)
	finalDir := filepath.Join(repoDir, revisionDirName(revision))
	if err := FilesPresent(finalDir, opts.Files); err == nil {
		verr := Verify(finalDir)
		if verr == nil || errors.Is(verr, ErrNoManifest) {
			log.Info("model cache hit", zap.String("repo", repo), zap.String("revision", revision), zap.String("dir", finalDir))
			return finalDir, nil
		}
		if opts.Offline {
			return "", fmt.Errorf("offline mode and cached model %s@%s is corrupt: %w", repo, revision, verr)
		}
		log.Warn("cached model failed verification, downloading again", zap.String("dir", finalDir), zap.Error(verr))
	} else if opts.Offline {
		return "", fmt.Errorf("offline mode and model %s@%s not cached: %w", repo, revision, err)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		return "", fmt.Errorf("create model cache dir: %w", err)
	}
	tmpDir, err := os.MkdirTemp(repoDir, revisionDirName(revision)+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	success := false
	defer func() {
		if !success {
			os.RemoveAll(tmpDir)
		}
	}()

	log.Info("downloading model", zap.String("repo", repo), zap.String("revision", revision), zap.String("hub", redact.String(opts.HubURL)))

	d := &downloader{
		client:   opts.HTTPClient,
		hubURL:   strings.TrimSuffix(strings.TrimSpace(opts.HubURL), "/"),
		repo:     repo,
		revision: revision,
		token:    strings.TrimSpace(opts.Token),
		retry:    opts.Retry,
		log:      log,
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.retry == (retry.Config{}) {
		d.retry = retry.DefaultConfig()
	}

	manifest := Manifest{Repo: repo, Revision: revision, DownloadedAt: time.Now().UTC()}
	for _, f := range opts.Files {
		mf, err := d.fetch(ctx, tmpDir, f)
		if err != nil {
			return "", err
		}
		manifest.Files = append(manifest.Files, mf)
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, manifestName), data, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}

	if err := activate(tmpDir, finalDir); err != nil {
		return "", err
	}
	success = true

	if err := recordRevision(repoDir, repo, revision); err != nil {
		log.Warn("model state not recorded", zap.Error(err))
	}
	log.Info("model downloaded", zap.String("dir", finalDir), zap.Int("files", len(manifest.Files)))
	return finalDir, nil
}

// RepoDir is the cache directory for one repo, e.g. <cache>/distilbert--distilbert-base-uncased-finetuned-sst-2-english.
func RepoDir(cacheDir, repo string) string {
	return filepath.Join(cacheDir, strings.ReplaceAll(strings.Trim(repo, "/"), "/", "--"))
}

func revisionDirName(revision string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(revision)
}

// FilesPresent reports the first required file missing from dir.
func FilesPresent(dir string, files []string) error {
	for _, f := range files {
		info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(f)))
		if err != nil {
			return fmt.Errorf("missing %s", f)
		}
		if info.IsDir() {
			return fmt.Errorf("%s is a directory", f)
		}
	}
	return nil
}

// validateRelPath rejects absolute paths and any .. traversal.
func validateRelPath(p string) error {
	if strings.TrimSpace(p) == "" {
		return errors.New("model file path is empty")
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return fmt.Errorf("model file path %q must be relative", p)
	}
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return fmt.Errorf("model file path %q escapes the bundle dir", p)
		}
	}
	return nil
}

// activate moves tmpDir into place, restoring the old dir if the rename fails.
func activate(tmpDir, finalDir string) error {
	backupDir := finalDir + ".bak"
	if _, err := os.Stat(finalDir); err == nil {
		_ = os.RemoveAll(backupDir)
		if err := os.Rename(finalDir, backupDir); err != nil {
			return fmt.Errorf("prepare existing model dir for replacement: %w", err)
		}
	}
	if err := os.Rename(tmpDir, finalDir); err != nil {
		if _, statErr := os.Stat(backupDir); statErr == nil {
			_ = os.Rename(backupDir, finalDir)
		}
		return fmt.Errorf("activate model dir: %w", err)
	}
	_ = os.RemoveAll(backupDir)
	return nil
}

type downloader struct {
	client   *http.Client
	hubURL   string
	repo     string
	revision string
	token    string
	retry    retry.Config
	log      *zap.Logger
}

func (d *downloader) fileURL(file string) string {
	return d.hubURL + "/" + d.repo + "/resolve/" + url.PathEscape(d.revision) + "/" + path.Clean(filepath.ToSlash(file))
}

func (d *downloader) fetch(ctx context.Context, dir, file string) (ManifestFile, error) {
	remote := d.fileURL(file)
	localPath := filepath.Join(dir, filepath.FromSlash(file))
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return ManifestFile{}, fmt.Errorf("create dir for %s: %w", file, err)
	}

	opts := retry.Options{
		Config: d.retry,
		Logger: retry.Logger(logger.Printf(d.log)),
		Name:   "download " + file,
	}
	return retry.Do(ctx, opts, func(int) (ManifestFile, error) {
		return d.fetchOnce(ctx, remote, file, localPath)
	})
}

func (d *downloader) fetchOnce(ctx context.Context, remote, file, localPath string) (ManifestFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remote, nil)
	if err != nil {
		return ManifestFile{}, fmt.Errorf("build file request for %s: %w", file, err)
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		err = fmt.Errorf("download file %s: %w", file, err)
		if ctx.Err() != nil {
			return ManifestFile{}, err
		}
		return ManifestFile{}, retry.Retryable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("download file %s status: %s: %s", file, resp.Status, redact.String(strings.TrimSpace(string(errBody))))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return ManifestFile{}, retry.Retryable(err)
		}
		return ManifestFile{}, err
	}

	dst, err := os.Create(localPath)
	if err != nil {
		return ManifestFile{}, fmt.Errorf("create local file %s: %w", localPath, err)
	}

	h := sha256.New()
	prog := newProgressLogger(d.log, file, resp.ContentLength)
	n, err := io.Copy(io.MultiWriter(dst, h), io.TeeReader(resp.Body, prog))
	closeErr := dst.Close()
	if err != nil {
		err = fmt.Errorf("write file %s: %w", file, err)
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ManifestFile{}, retry.Retryable(err)
		}
		return ManifestFile{}, err
	}
	if closeErr != nil {
		return ManifestFile{}, fmt.Errorf("close file %s: %w", file, closeErr)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return ManifestFile{}, retry.Retryable(fmt.Errorf("size mismatch for %s: expected %d, got %d", file, resp.ContentLength, n))
	}
	prog.Finish()

	return ManifestFile{Path: file, SHA256: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

type progressLogger struct {
	log        *zap.Logger
	name       string
	total      int64
	downloaded int64
	step       int64
	next       int64
	start      time.Time
}

func newProgressLogger(log *zap.Logger, name string, total int64) *progressLogger {
	step := total / 10
	if step <= 0 {
		step = 16 << 20
	}
	return &progressLogger{
		log:   log,
		name:  name,
		total: total,
		step:  step,
		next:  step,
		start: time.Now(),
	}
}

func (p *progressLogger) Write(b []byte) (int, error) {
	n := len(b)
	p.downloaded += int64(n)
	if p.downloaded >= p.next {
		percent := int64(0)
		if p.total > 0 {
			percent = p.downloaded * 100 / p.total
		}
		p.log.Debug("download progress",
			zap.String("file", p.name),
			zap.Int64("bytes", p.downloaded),
			zap.Int64("total", p.total),
			zap.Int64("percent", percent),
		)
		p.next += p.step
	}
	return n, nil
}

func (p *progressLogger) Finish() {
	p.log.Info("download complete",
		zap.String("file", p.name),
		zap.Int64("bytes", p.downloaded),
		zap.Duration("took", time.Since(p.start).Round(time.Millisecond)),
	)
}
