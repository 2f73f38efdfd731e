// Package handlers exposes the organization lifecycle over HTTP. Handlers only translate
// between JSON and the lifecycle protocols; authorization and consistency live in
// internal/lifecycle.
package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/organization-manager/organization-manager/internal/apperror"
	"github.com/organization-manager/organization-manager/internal/middleware"
)

// maxImageBytes bounds multipart image uploads
const maxImageBytes = 5 << 20

// respondError maps a lifecycle error to its status and a caller-safe message
func respondError(c *gin.Context, err error) {
	status := apperror.StatusOf(err)
	msg := "Internal server error"
	if appErr, ok := apperror.As(err); ok && appErr.Kind != apperror.KindInternal {
		msg = appErr.Message
	}

	if status >= http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "request failed",
			"route", c.FullPath(),
			"request_id", c.GetString(middleware.RequestIDKey),
			"status", status,
			"error", err,
		)
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// bindJSON decodes the request body, answering 400 on failure
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return false
	}
	return true
}

// readImage reads the multipart "file" part
func readImage(c *gin.Context) ([]byte, string, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, "", apperror.BadRequest("multipart part 'file' is required")
	}
	if fh.Size > maxImageBytes {
		return nil, "", apperror.BadRequest("file exceeds %d bytes", maxImageBytes)
	}

	f, err := fh.Open()
	if err != nil {
		return nil, "", apperror.Internal(err, "failed to read upload")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxImageBytes+1))
	if err != nil {
		return nil, "", apperror.Internal(err, "failed to read upload")
	}
	if len(data) == 0 {
		return nil, "", apperror.BadRequest("file is empty")
	}
	if len(data) > maxImageBytes {
		return nil, "", apperror.BadRequest("file exceeds %d bytes", maxImageBytes)
	}

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}

// pagination reads page/per_page with the same bounds everywhere
func pagination(c *gin.Context) (page, perPage int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ = strconv.Atoi(c.DefaultQuery("per_page", "20"))
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}
	return page, perPage
}
