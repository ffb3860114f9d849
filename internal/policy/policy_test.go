package policy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/studyshelf/studyshelf-api/internal/models"
)

var (
	admin   = &models.Principal{ID: "u-admin", Email: "admin@gmail.com", Role: models.RoleAdmin}
	student = &models.Principal{ID: "u-1", Email: "alice@example.com", Role: models.RoleStudent}
)

func TestListIsPublic(t *testing.T) {
	require.Equal(t, Allow, CanList(nil))
	require.Equal(t, Allow, CanList(student))
}

func TestDownloadRequiresPrincipal(t *testing.T) {
	require.Equal(t, DenyUnauthorized, CanDownload(nil))
	require.Equal(t, Allow, CanDownload(student))
	require.Equal(t, Allow, CanDownload(admin))
}

func TestUploadSyllabusUnitIsAdminOnly(t *testing.T) {
	require.Equal(t, DenyUnauthorized, CanUpload(nil, 1))
	require.Equal(t, Allow, CanUpload(student, 1))
	require.Equal(t, DenyForbidden, CanUpload(student, models.SyllabusUnit))
	require.Equal(t, Allow, CanUpload(admin, models.SyllabusUnit))
}

func TestDeleteOwnerOrAdmin(t *testing.T) {
	owned := &models.Material{ID: "mat-1", UploadedBy: student.Email}
	foreign := &models.Material{ID: "mat-2", UploadedBy: "bob@example.com"}

	require.Equal(t, DenyUnauthorized, CanDelete(nil, owned))
	require.Equal(t, Allow, CanDelete(student, owned))
	require.Equal(t, DenyForbidden, CanDelete(student, foreign))
	require.Equal(t, Allow, CanDelete(admin, foreign))
}
