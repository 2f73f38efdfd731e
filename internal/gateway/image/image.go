// Package image implements the image gateway on top of a blob storage backend.
package image

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/organization-manager/organization-manager/internal/apperror"
	"github.com/organization-manager/organization-manager/internal/gateway"
	"github.com/organization-manager/organization-manager/internal/storage"
	"github.com/organization-manager/organization-manager/internal/telemetry"
)

const gatewayName = "image"

// MaxSize is the largest accepted image
const MaxSize = 5 << 20

var allowedTypes = map[string]bool{
	"image/png":     true,
	"image/jpeg":    true,
	"image/gif":     true,
	"image/webp":    true,
	"image/svg+xml": true,
}

// Gateway stores images in a storage backend
type Gateway struct {
	store storage.Storage
}

// New wraps a storage backend
func New(store storage.Storage) *Gateway {
	return &Gateway{store: store}
}

// Upload stores data under key and returns the location clients fetch it from. An empty
// content type is sniffed from the data.
func (g *Gateway) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", apperror.BadRequest("image is empty")
	}
	if len(data) > MaxSize {
		return "", apperror.BadRequest("image exceeds %d bytes", MaxSize)
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	contentType, _, _ = strings.Cut(contentType, ";")
	if !allowedTypes[contentType] {
		return "", apperror.BadRequest("unsupported image type %s", contentType)
	}

	start := time.Now()
	result, err := g.store.Upload(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
	record("upload", start, err)
	if err != nil {
		return "", apperror.Upstream(0, err, "failed to store image")
	}
	slog.Debug("image stored", "key", key, "size", result.Size, "checksum", result.Checksum)
	return result.Location, nil
}

// Delete removes the image stored under key
func (g *Gateway) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := g.store.Delete(ctx, key)
	record("delete", start, err)
	if err != nil {
		return apperror.Upstream(0, err, "failed to delete image")
	}
	return nil
}

func record(operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.GatewayRequestDuration.WithLabelValues(gatewayName, operation).Observe(time.Since(start).Seconds())
	telemetry.GatewayRequestsTotal.WithLabelValues(gatewayName, operation, outcome).Inc()
}

var _ gateway.ImageGateway = (*Gateway)(nil)
