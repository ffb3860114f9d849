package service

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/studyshelf/studyshelf-api/internal/models"
	appErrors "github.com/studyshelf/studyshelf-api/pkg/errors"
	"github.com/studyshelf/studyshelf-api/pkg/storage"
)

type memMaterialStore struct {
	items     map[string]*models.Material
	nextID    int
	createErr error
	deleteErr error
}

func newMemMaterialStore() *memMaterialStore {
	return &memMaterialStore{items: make(map[string]*models.Material)}
}

func (s *memMaterialStore) Create(_ context.Context, item *models.Material) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.nextID++
	if item.ID == "" {
		item.ID = fmt.Sprintf("mat-%d", s.nextID)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	clone := *item
	s.items[item.ID] = &clone
	return nil
}

func (s *memMaterialStore) GetByID(_ context.Context, id string) (*models.Material, error) {
	item, ok := s.items[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *item
	return &clone, nil
}

func (s *memMaterialStore) GetByFilename(_ context.Context, filename string) (*models.Material, error) {
	for _, item := range s.items {
		if item.Filename == filename {
			clone := *item
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *memMaterialStore) List(_ context.Context, _ models.MaterialFilter) ([]models.Material, error) {
	out := make([]models.Material, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, *item)
	}
	return out, nil
}

func (s *memMaterialStore) Delete(_ context.Context, id string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	if _, ok := s.items[id]; !ok {
		return sql.ErrNoRows
	}
	delete(s.items, id)
	return nil
}

type dirBlobStore struct {
	dir       string
	deleteErr error
}

func (b *dirBlobStore) SaveStream(filename string, r io.Reader) (string, error) {
	f, err := os.Create(filepath.Join(b.dir, filename))
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	return filename, nil
}

func (b *dirBlobStore) Open(filename string) (*os.File, error) {
	return os.Open(filepath.Join(b.dir, filename))
}

func (b *dirBlobStore) Delete(filename string) error {
	if b.deleteErr != nil {
		return b.deleteErr
	}
	return os.Remove(filepath.Join(b.dir, filename))
}

func (b *dirBlobStore) fileCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(b.dir)
	require.NoError(t, err)
	return len(entries)
}

func newTestMaterialService(t *testing.T) (*MaterialService, *memMaterialStore, *dirBlobStore) {
	t.Helper()
	store := newMemMaterialStore()
	blobs := &dirBlobStore{dir: t.TempDir()}
	signer := storage.NewSignedURLSigner("download-secret", 15*time.Minute)
	svc := NewMaterialService(store, blobs, signer, nil, nil, nil, nil, MaterialServiceConfig{
		MaxFileSize: 1 << 20,
		APIPrefix:   "/api",
	})
	return svc, store, blobs
}

var (
	studentActor = &models.Principal{ID: "u1", Email: "alice@example.com", Role: models.RoleStudent}
	otherStudent = &models.Principal{ID: "u2", Email: "bob@example.com", Role: models.RoleStudent}
	adminActor   = &models.Principal{ID: "u9", Email: "admin@gmail.com", Role: models.RoleAdmin}
)

func pdfUpload(content string) MaterialUpload {
	return MaterialUpload{
		Filename: "notes.pdf",
		Size:     int64(len(content)),
		MimeType: "application/pdf",
		Content:  bytes.NewReader([]byte(content)),
	}
}

func TestUploadSyllabusRequiresAdmin(t *testing.T) {
	svc, store, blobs := newTestMaterialService(t)

	meta := UploadRequest{Title: "Syllabus", SubjectID: 3, Unit: models.SyllabusUnit}
	_, err := svc.Upload(context.Background(), meta, pdfUpload("syllabus body"), studentActor)
	appErr := appErrors.FromError(err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
	require.Equal(t, 403, appErr.Status)

	// The policy gate runs before any I/O.
	require.Empty(t, store.items)
	require.Zero(t, blobs.fileCount(t))

	item, err := svc.Upload(context.Background(), meta, pdfUpload("syllabus body"), adminActor)
	require.NoError(t, err)
	require.Equal(t, models.SyllabusUnit, item.Unit)
	require.Equal(t, adminActor.Email, item.UploadedBy)
	require.Equal(t, 1, blobs.fileCount(t))
}

func TestUploadRequiresAuthentication(t *testing.T) {
	svc, _, _ := newTestMaterialService(t)

	meta := UploadRequest{Title: "Notes", SubjectID: 1, Unit: 2}
	_, err := svc.Upload(context.Background(), meta, pdfUpload("body"), nil)
	appErr := appErrors.FromError(err)
	require.Equal(t, appErrors.ErrUnauthorized.Code, appErr.Code)
	require.Equal(t, 401, appErr.Status)
}

func TestUploadValidation(t *testing.T) {
	svc, _, _ := newTestMaterialService(t)

	cases := []struct {
		name string
		meta UploadRequest
	}{
		{"missing title", UploadRequest{SubjectID: 1, Unit: 1}},
		{"bad subject", UploadRequest{Title: "Notes", SubjectID: 0, Unit: 1}},
		{"negative unit", UploadRequest{Title: "Notes", SubjectID: 1, Unit: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Upload(context.Background(), tc.meta, pdfUpload("body"), studentActor)
			require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
		})
	}

	_, err := svc.Upload(context.Background(),
		UploadRequest{Title: "Notes", SubjectID: 1, Unit: 1},
		MaterialUpload{Filename: "notes.pdf"}, studentActor)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	big := pdfUpload(strings.Repeat("a", 10))
	big.Size = 2 << 20
	_, err = svc.Upload(context.Background(),
		UploadRequest{Title: "Notes", SubjectID: 1, Unit: 1}, big, studentActor)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestUploadRollsBackBlobOnMetadataFailure(t *testing.T) {
	svc, store, blobs := newTestMaterialService(t)
	store.createErr = fmt.Errorf("insert failed")

	meta := UploadRequest{Title: "Notes", SubjectID: 1, Unit: 2}
	_, err := svc.Upload(context.Background(), meta, pdfUpload("body"), studentActor)
	appErr := appErrors.FromError(err)
	require.Equal(t, appErrors.ErrStorage.Code, appErr.Code)

	// The just-written blob must not survive the failed insert.
	require.Zero(t, blobs.fileCount(t))
	require.Empty(t, store.items)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	svc, _, _ := newTestMaterialService(t)

	const body = "lecture three content"
	item, err := svc.Upload(context.Background(),
		UploadRequest{Title: "Lecture 3", Description: "week 3", SubjectID: 3, Unit: 2},
		pdfUpload(body), studentActor)
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), item.SizeBytes)
	require.Equal(t, "application/pdf", item.MimeType)

	dl, err := svc.DownloadByFilename(context.Background(), item.Filename, studentActor)
	require.NoError(t, err)
	defer dl.File.Close()

	got, err := io.ReadAll(dl.File)
	require.NoError(t, err)
	require.Equal(t, body, string(got))
	require.Equal(t, int64(len(body)), dl.SizeBytes)
}

func TestDownloadRequiresAuthentication(t *testing.T) {
	svc, _, _ := newTestMaterialService(t)

	item, err := svc.Upload(context.Background(),
		UploadRequest{Title: "Notes", SubjectID: 1, Unit: 1},
		pdfUpload("body"), studentActor)
	require.NoError(t, err)

	_, err = svc.DownloadByFilename(context.Background(), item.Filename, nil)
	require.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
}

func TestSignedDownload(t *testing.T) {
	svc, _, _ := newTestMaterialService(t)

	item, err := svc.Upload(context.Background(),
		UploadRequest{Title: "Notes", SubjectID: 1, Unit: 1},
		pdfUpload("signed body"), studentActor)
	require.NoError(t, err)

	url, err := svc.SignedDownloadURL(context.Background(), item.ID, studentActor)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, fmt.Sprintf("/api/files/%s/download?token=", item.ID)))

	token := url[strings.Index(url, "token=")+len("token="):]
	dl, err := svc.DownloadSigned(context.Background(), item.ID, token)
	require.NoError(t, err)
	defer dl.File.Close()

	got, err := io.ReadAll(dl.File)
	require.NoError(t, err)
	require.Equal(t, "signed body", string(got))

	// A token minted for one material does not open another.
	other, err := svc.Upload(context.Background(),
		UploadRequest{Title: "Other", SubjectID: 1, Unit: 2},
		pdfUpload("other body"), studentActor)
	require.NoError(t, err)

	_, err = svc.DownloadSigned(context.Background(), other.ID, token)
	require.Equal(t, appErrors.ErrInvalidToken.Code, appErrors.FromError(err).Code)

	_, err = svc.DownloadSigned(context.Background(), item.ID, "garbage")
	require.Equal(t, appErrors.ErrInvalidToken.Code, appErrors.FromError(err).Code)
}

func TestDeleteOwnerOrAdmin(t *testing.T) {
	svc, store, blobs := newTestMaterialService(t)

	item, err := svc.Upload(context.Background(),
		UploadRequest{Title: "Notes", SubjectID: 1, Unit: 1},
		pdfUpload("body"), studentActor)
	require.NoError(t, err)

	err = svc.Delete(context.Background(), item.ID, otherStudent)
	appErr := appErrors.FromError(err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
	require.Len(t, store.items, 1)
	require.Equal(t, 1, blobs.fileCount(t))

	require.NoError(t, svc.Delete(context.Background(), item.ID, studentActor))
	require.Empty(t, store.items)
	require.Zero(t, blobs.fileCount(t))

	// An administrator may delete anyone's material.
	item, err = svc.Upload(context.Background(),
		UploadRequest{Title: "Notes", SubjectID: 1, Unit: 1},
		pdfUpload("body"), studentActor)
	require.NoError(t, err)
	require.NoError(t, svc.Delete(context.Background(), item.ID, adminActor))
	require.Empty(t, store.items)
}

func TestDeleteKeepsMetadataWhenBlobDeleteFails(t *testing.T) {
	svc, store, blobs := newTestMaterialService(t)

	item, err := svc.Upload(context.Background(),
		UploadRequest{Title: "Notes", SubjectID: 1, Unit: 1},
		pdfUpload("body"), studentActor)
	require.NoError(t, err)

	blobs.deleteErr = fmt.Errorf("disk unplugged")
	err = svc.Delete(context.Background(), item.ID, studentActor)
	require.Equal(t, appErrors.ErrStorage.Code, appErrors.FromError(err).Code)

	// Metadata stays so the blob never becomes unreachable.
	require.Len(t, store.items, 1)
	require.Equal(t, 1, blobs.fileCount(t))
}

func TestDeleteUnknownMaterial(t *testing.T) {
	svc, _, _ := newTestMaterialService(t)

	err := svc.Delete(context.Background(), "missing", adminActor)
	appErr := appErrors.FromError(err)
	require.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
	require.Equal(t, 404, appErr.Status)
}

func TestListIsPublic(t *testing.T) {
	svc, _, _ := newTestMaterialService(t)

	_, err := svc.Upload(context.Background(),
		UploadRequest{Title: "Notes", SubjectID: 1, Unit: 1},
		pdfUpload("body"), studentActor)
	require.NoError(t, err)

	items, err := svc.List(context.Background(), models.MaterialFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
}
