package handler

import (
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"docdelta/internal/app"
	"docdelta/internal/transport/http/response"
)

type DocumentHandler struct {
	ingest         *app.IngestService
	maxUploadBytes int64
}

type CreateVersionRequest struct {
	Title     string `json:"title" binding:"required,max=255"`
	Text      string `json:"text" binding:"required"`
	SourceRef string `json:"source_ref" binding:"max=512"`
}

func NewDocumentHandler(ingest *app.IngestService, maxUploadBytes int64) *DocumentHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 20 << 20
	}
	return &DocumentHandler{ingest: ingest, maxUploadBytes: maxUploadBytes}
}

func (h *DocumentHandler) CreateVersion(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	var req CreateVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, http.StatusRequestEntityTooLarge, response.CodeTooLarge, "request body too large")
			return
		}
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.ingest.CreateVersion(c.Request.Context(), app.CreateVersionInput{
		OwnerID:   userID,
		Title:     req.Title,
		Text:      req.Text,
		SourceRef: req.SourceRef,
	})
	if err != nil {
		writeServiceError(c, err, "create version failed")
		return
	}
	response.OK(c, result)
}

// Upload accepts a multipart form with "file" (PDF or plain text) and an
// optional "title". The title defaults to the file name without extension.
func (h *DocumentHandler) Upload(c *gin.Context) {
	userID, ok := getUserIDFromContext(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+(1<<20))
	file, err := c.FormFile("file")
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "missing file")
		return
	}
	if file.Size > h.maxUploadBytes {
		response.Error(c, http.StatusRequestEntityTooLarge, response.CodeTooLarge, "file too large")
		return
	}

	f, err := file.Open()
	if err != nil {
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "failed to read file")
		return
	}
	defer f.Close()

	title := strings.TrimSpace(c.PostForm("title"))
	if title == "" {
		title = strings.TrimSuffix(file.Filename, filepath.Ext(file.Filename))
	}

	result, err := h.ingest.CreateVersionFromUpload(c.Request.Context(), app.UploadInput{
		OwnerID:     userID,
		Title:       title,
		Filename:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Body:        f,
	})
	if err != nil {
		writeServiceError(c, err, "upload failed")
		return
	}
	response.OK(c, result)
}
