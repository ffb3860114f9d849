package handler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/studyshelf/studyshelf-api/internal/models"
	"github.com/studyshelf/studyshelf-api/internal/service"
	appErrors "github.com/studyshelf/studyshelf-api/pkg/errors"
	"github.com/studyshelf/studyshelf-api/pkg/response"
)

type materialService interface {
	Upload(ctx context.Context, meta service.UploadRequest, upload service.MaterialUpload, actor *models.Principal) (*models.Material, error)
	List(ctx context.Context, filter models.MaterialFilter) ([]models.Material, error)
	Get(ctx context.Context, id string, actor *models.Principal) (*models.Material, error)
	SignedDownloadURL(ctx context.Context, id string, actor *models.Principal) (string, error)
	DownloadByFilename(ctx context.Context, filename string, actor *models.Principal) (*service.MaterialDownload, error)
	DownloadSigned(ctx context.Context, id, token string) (*service.MaterialDownload, error)
	Delete(ctx context.Context, id string, actor *models.Principal) error
}

// MaterialHandler manages material HTTP endpoints.
type MaterialHandler struct {
	service materialService
}

// NewMaterialHandler constructs the handler.
func NewMaterialHandler(service materialService) *MaterialHandler {
	return &MaterialHandler{service: service}
}

// uploadForm is the multipart metadata of POST /files/upload.
type uploadForm struct {
	Title       string `form:"title"`
	Description string `form:"description"`
	SubjectID   string `form:"subjectId"`
	Unit        string `form:"unit"`
}

// materialDetail is the item payload of GET /files/:id.
type materialDetail struct {
	models.Material
	DownloadURL string `json:"downloadUrl"`
}

// List godoc
// @Summary List all materials, newest first
// @Tags Files
// @Produce json
// @Param subjectId query int false "Subject filter"
// @Param unit query int false "Unit filter"
// @Success 200 {array} models.Material
// @Router /files [get]
func (h *MaterialHandler) List(c *gin.Context) {
	var filter models.MaterialFilter
	if raw := strings.TrimSpace(c.Query("subjectId")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "subjectId must be an integer"))
			return
		}
		filter.SubjectID = &v
	}
	if raw := strings.TrimSpace(c.Query("unit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unit must be an integer"))
			return
		}
		filter.Unit = &v
	}

	items, err := h.service.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, items)
}

// Upload godoc
// @Summary Upload a material
// @Tags Files
// @Accept multipart/form-data
// @Produce json
// @Param title formData string true "Title"
// @Param description formData string false "Description"
// @Param subjectId formData int true "Subject"
// @Param unit formData int true "Unit (0 = syllabus, admin only)"
// @Param file formData file true "Document"
// @Success 201 {object} models.Material
// @Router /files/upload [post]
func (h *MaterialHandler) Upload(c *gin.Context) {
	var form uploadForm
	if err := c.ShouldBind(&form); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid upload payload"))
		return
	}
	subjectID, err := strconv.Atoi(strings.TrimSpace(form.SubjectID))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "subjectId must be an integer"))
		return
	}
	unit, err := strconv.Atoi(strings.TrimSpace(form.Unit))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unit must be an integer"))
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "no file uploaded"))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file"))
		return
	}
	defer src.Close()

	reader, ok := src.(io.ReadSeeker)
	if !ok {
		buf, readErr := io.ReadAll(src)
		if readErr != nil {
			response.Error(c, appErrors.Wrap(readErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to buffer file"))
			return
		}
		reader = bytes.NewReader(buf)
	}

	meta := service.UploadRequest{
		Title:       form.Title,
		Description: form.Description,
		SubjectID:   subjectID,
		Unit:        unit,
	}
	upload := service.MaterialUpload{
		Filename: fileHeader.Filename,
		Size:     fileHeader.Size,
		MimeType: fileHeader.Header.Get("Content-Type"),
		Content:  reader,
	}

	item, err := h.service.Upload(c.Request.Context(), meta, upload, principalFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, gin.H{"message": "File uploaded successfully!", "file": item})
}

// Get godoc
// @Summary Get material metadata with a signed download URL
// @Tags Files
// @Produce json
// @Param id path string true "Material ID"
// @Success 200 {object} materialDetail
// @Router /files/{id} [get]
func (h *MaterialHandler) Get(c *gin.Context) {
	actor := principalFromContext(c)
	item, err := h.service.Get(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	downloadURL, err := h.service.SignedDownloadURL(c.Request.Context(), item.ID, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, materialDetail{Material: *item, DownloadURL: downloadURL})
}

// Delete godoc
// @Summary Delete a material (owner or admin)
// @Tags Files
// @Produce json
// @Param id path string true "Material ID"
// @Success 200 {object} map[string]string
// @Router /files/{id} [delete]
func (h *MaterialHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id"), principalFromContext(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"message": "File deleted successfully!"})
}

// Download godoc
// @Summary Download a material by stored filename
// @Tags Files
// @Produce octet-stream
// @Param filename path string true "Stored filename"
// @Success 200 {file} binary
// @Router /download/{filename} [get]
func (h *MaterialHandler) Download(c *gin.Context) {
	result, err := h.service.DownloadByFilename(c.Request.Context(), c.Param("filename"), principalFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	streamDownload(c, result)
}

// DownloadSigned godoc
// @Summary Download a material via signed token
// @Tags Files
// @Produce octet-stream
// @Param id path string true "Material ID"
// @Param token query string true "Signed token"
// @Success 200 {file} binary
// @Router /files/{id}/download [get]
func (h *MaterialHandler) DownloadSigned(c *gin.Context) {
	token := strings.TrimSpace(c.Query("token"))
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	result, err := h.service.DownloadSigned(c.Request.Context(), c.Param("id"), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	streamDownload(c, result)
}

func streamDownload(c *gin.Context, result *service.MaterialDownload) {
	defer result.File.Close() //nolint:errcheck
	mimeType := result.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, result.SizeBytes, mimeType, result.File, nil)
}
