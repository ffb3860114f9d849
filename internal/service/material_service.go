package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/studyshelf/studyshelf-api/internal/models"
	"github.com/studyshelf/studyshelf-api/internal/policy"
	appErrors "github.com/studyshelf/studyshelf-api/pkg/errors"
)

type materialStore interface {
	Create(ctx context.Context, item *models.Material) error
	GetByID(ctx context.Context, id string) (*models.Material, error)
	GetByFilename(ctx context.Context, filename string) (*models.Material, error)
	List(ctx context.Context, filter models.MaterialFilter) ([]models.Material, error)
	Delete(ctx context.Context, id string) error
}

type blobStore interface {
	SaveStream(filename string, r io.Reader) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
}

type downloadSigner interface {
	Generate(id, relPath string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (id, relPath string, expiresAt time.Time, err error)
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

const listCacheKey = "materials:list"

// MaterialUpload carries upload metadata and the stream reader.
type MaterialUpload struct {
	Filename string
	Size     int64
	MimeType string
	Content  io.ReadSeeker
}

// UploadRequest is the validated metadata of a new material.
type UploadRequest struct {
	Title       string
	Description string
	SubjectID   int
	Unit        int
}

// MaterialDownload bundles a file reader and metadata for streaming.
type MaterialDownload struct {
	File      *os.File
	Filename  string
	MimeType  string
	SizeBytes int64
}

// MaterialServiceConfig holds validation parameters and URL building info.
type MaterialServiceConfig struct {
	MaxFileSize  int64
	AllowedMIMEs []string
	APIPrefix    string
}

// MaterialService owns the material lifecycle: policy-gated uploads with blob
// rollback, cached public listings, streamed downloads and no-orphan deletes.
type MaterialService struct {
	repo    materialStore
	blobs   blobStore
	signer  downloadSigner
	audit   auditLogger
	cache   *CacheService
	metrics *MetricsService
	logger  *zap.Logger
	cfg     MaterialServiceConfig
	mimeSet map[string]struct{}
}

// NewMaterialService constructs the service with defaults.
func NewMaterialService(repo materialStore, blobs blobStore, signer downloadSigner, audit auditLogger, cache *CacheService, metrics *MetricsService, logger *zap.Logger, cfg MaterialServiceConfig) *MaterialService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 25 * 1024 * 1024
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api"
	}
	mimeSet := make(map[string]struct{}, len(cfg.AllowedMIMEs))
	for _, mt := range cfg.AllowedMIMEs {
		mimeSet[strings.ToLower(mt)] = struct{}{}
	}
	return &MaterialService{
		repo:    repo,
		blobs:   blobs,
		signer:  signer,
		audit:   audit,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		mimeSet: mimeSet,
	}
}

// Upload persists the blob and metadata for a new material. The policy gate
// runs before any I/O; a metadata insert failure removes the just-written
// blob so no orphan is left behind.
func (s *MaterialService) Upload(ctx context.Context, meta UploadRequest, upload MaterialUpload, actor *models.Principal) (*models.Material, error) {
	if err := decisionError(policy.CanUpload(actor, meta.Unit), "only an administrator can upload syllabus files"); err != nil {
		return nil, err
	}
	if err := s.validateUploadMeta(meta); err != nil {
		return nil, err
	}
	if upload.Content == nil || upload.Size <= 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "no file uploaded")
	}
	if upload.Size > s.cfg.MaxFileSize {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("file exceeds %d bytes limit", s.cfg.MaxFileSize))
	}
	mimeType, err := s.detectMime(upload)
	if err != nil {
		return nil, err
	}
	if len(s.mimeSet) > 0 {
		if _, allowed := s.mimeSet[strings.ToLower(mimeType)]; !allowed {
			return nil, appErrors.Clone(appErrors.ErrValidation, "mime type not allowed")
		}
	}

	filename := s.generateFilename(upload.Filename, mimeType)
	if _, err := upload.Content.Seek(0, io.SeekStart); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reset upload stream")
	}
	path, err := s.blobs.SaveStream(filename, upload.Content)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to persist file")
	}

	item := &models.Material{
		Title:       strings.TrimSpace(meta.Title),
		Description: strings.TrimSpace(meta.Description),
		SubjectID:   meta.SubjectID,
		Unit:        meta.Unit,
		UploadedBy:  actor.Email,
		Filename:    filename,
		FilePath:    path,
		MimeType:    mimeType,
		SizeBytes:   upload.Size,
	}
	if err := s.repo.Create(ctx, item); err != nil {
		if delErr := s.blobs.Delete(path); delErr != nil {
			s.logger.Error("failed to roll back blob after metadata failure",
				zap.String("path", path), zap.Error(delErr))
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to store file metadata")
	}

	s.invalidateListing(ctx)
	s.metrics.ObserveUpload(upload.Size)
	s.emitAudit(ctx, actor, models.AuditActionMaterialUpload, item.ID,
		[]byte(fmt.Sprintf(`{"title":%q,"subjectId":%d,"unit":%d}`, item.Title, item.SubjectID, item.Unit)))
	return item, nil
}

// List returns the material catalog newest-first. The unfiltered listing is
// served from cache when available; filtered queries go straight to the
// repository.
func (s *MaterialService) List(ctx context.Context, filter models.MaterialFilter) ([]models.Material, error) {
	cacheable := filter.SubjectID == nil && filter.Unit == nil && filter.Limit == 0

	if cacheable {
		var cached []models.Material
		if hit, err := s.cache.Get(ctx, listCacheKey, &cached); err == nil && hit {
			return cached, nil
		}
	}

	items, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list materials")
	}

	if cacheable {
		if err := s.cache.Set(ctx, listCacheKey, items, 0); err != nil {
			s.logger.Warn("failed to cache material listing", zap.Error(err))
		}
	}
	return items, nil
}

// Get returns material metadata by ID.
func (s *MaterialService) Get(ctx context.Context, id string, actor *models.Principal) (*models.Material, error) {
	if err := decisionError(policy.CanDownload(actor), ""); err != nil {
		return nil, err
	}
	item, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "file not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load material")
	}
	return item, nil
}

// SignedDownloadURL generates a short-lived download URL for a material that
// works without a bearer token.
func (s *MaterialService) SignedDownloadURL(ctx context.Context, id string, actor *models.Principal) (string, error) {
	if s.signer == nil {
		return "", appErrors.Clone(appErrors.ErrInternal, "download signer unavailable")
	}
	item, err := s.Get(ctx, id, actor)
	if err != nil {
		return "", err
	}
	token, _, err := s.signer.Generate(item.ID, item.FilePath)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate download token")
	}
	base := strings.TrimRight(s.cfg.APIPrefix, "/")
	return fmt.Sprintf("%s/files/%s/download?token=%s", base, item.ID, token), nil
}

// DownloadByFilename opens a material blob for an authenticated principal.
func (s *MaterialService) DownloadByFilename(ctx context.Context, filename string, actor *models.Principal) (*MaterialDownload, error) {
	if err := decisionError(policy.CanDownload(actor), ""); err != nil {
		return nil, err
	}
	item, err := s.repo.GetByFilename(ctx, filename)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "file not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load material")
	}
	return s.openDownload(item)
}

// DownloadSigned opens a material blob using a signed token. The token is the
// credential, so no principal is required.
func (s *MaterialService) DownloadSigned(ctx context.Context, id, token string) (*MaterialDownload, error) {
	if s.signer == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "download signer unavailable")
	}
	materialID, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "invalid or expired download token")
	}
	item, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "file not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load material")
	}
	if materialID != item.ID || relPath != item.FilePath {
		return nil, appErrors.Clone(appErrors.ErrInvalidToken, "download token mismatch")
	}
	return s.openDownload(item)
}

// Delete removes a material. The blob is removed first; if that fails the
// metadata row is kept so the blob never becomes unreachable, and the failure
// is surfaced to the caller.
func (s *MaterialService) Delete(ctx context.Context, id string, actor *models.Principal) error {
	item, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "file not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load material")
	}
	if err := decisionError(policy.CanDelete(actor, item), "you can only delete your own files"); err != nil {
		return err
	}

	if err := s.blobs.Delete(item.FilePath); err != nil {
		return appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to delete file content")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "file not found")
		}
		return appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to delete file metadata")
	}

	s.invalidateListing(ctx)
	s.emitAudit(ctx, actor, models.AuditActionMaterialDelete, id, nil)
	return nil
}

func (s *MaterialService) openDownload(item *models.Material) (*MaterialDownload, error) {
	file, err := s.blobs.Open(item.FilePath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to open file")
	}
	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck
		return nil, appErrors.Wrap(err, appErrors.ErrStorage.Code, appErrors.ErrStorage.Status, "failed to stat file")
	}
	s.metrics.ObserveDownload(info.Size())
	return &MaterialDownload{
		File:      file,
		Filename:  filepath.Base(item.FilePath),
		MimeType:  item.MimeType,
		SizeBytes: info.Size(),
	}, nil
}

func (s *MaterialService) validateUploadMeta(meta UploadRequest) error {
	if strings.TrimSpace(meta.Title) == "" {
		return appErrors.Clone(appErrors.ErrValidation, "title is required")
	}
	if meta.SubjectID <= 0 {
		return appErrors.Clone(appErrors.ErrValidation, "subjectId must be a positive integer")
	}
	if meta.Unit < 0 {
		return appErrors.Clone(appErrors.ErrValidation, "unit must not be negative")
	}
	return nil
}

func (s *MaterialService) detectMime(upload MaterialUpload) (string, error) {
	if upload.Content == nil {
		return "", appErrors.Clone(appErrors.ErrValidation, "file reader missing")
	}
	if upload.MimeType != "" {
		return upload.MimeType, nil
	}
	header := make([]byte, 512)
	n, err := upload.Content.Read(header)
	if err != nil && err != io.EOF {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to inspect file")
	}
	if _, err := upload.Content.Seek(0, io.SeekStart); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reset upload stream")
	}
	if n == 0 {
		return "", appErrors.Clone(appErrors.ErrValidation, "empty file")
	}
	return http.DetectContentType(header[:n]), nil
}

func (s *MaterialService) generateFilename(original, mimeType string) string {
	base := sanitize(strings.TrimSuffix(filepath.Base(original), filepath.Ext(original)))
	if base == "" {
		base = "material"
	}
	ext := strings.ToLower(filepath.Ext(original))
	if ext == "" {
		ext = mimeExtension(mimeType)
	}
	if ext == "" {
		ext = ".bin"
	}
	return fmt.Sprintf("%s_%d_%s%s", base, time.Now().Unix(), randomSuffix(), ext)
}

func (s *MaterialService) invalidateListing(ctx context.Context) {
	if err := s.cache.Invalidate(ctx, listCacheKey+"*"); err != nil {
		s.logger.Warn("failed to invalidate material listing cache", zap.Error(err))
	}
}

func (s *MaterialService) emitAudit(ctx context.Context, actor *models.Principal, action, resourceID string, values []byte) {
	if s.audit == nil || actor == nil {
		return
	}
	log := &models.AuditLog{
		UserID:     &actor.ID,
		Action:     action,
		Resource:   "material",
		ResourceID: &resourceID,
		NewValues:  values,
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to create material audit", zap.Error(err))
	}
}

func decisionError(d policy.Decision, forbiddenMsg string) error {
	switch d {
	case policy.Allow:
		return nil
	case policy.DenyUnauthorized:
		return appErrors.ErrUnauthorized
	default:
		return appErrors.Clone(appErrors.ErrForbidden, forbiddenMsg)
	}
}

func sanitize(raw string) string {
	raw = strings.ToLower(raw)
	var b strings.Builder
	for _, r := range raw {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

func mimeExtension(mime string) string {
	switch strings.ToLower(mime) {
	case "application/pdf":
		return ".pdf"
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return ".docx"
	case "application/vnd.openxmlformats-officedocument.presentationml.presentation":
		return ".pptx"
	case "application/zip":
		return ".zip"
	case "text/plain; charset=utf-8", "text/plain":
		return ".txt"
	default:
		return ""
	}
}

func randomSuffix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
