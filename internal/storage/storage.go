// Package storage defines the blob Storage interface behind the image gateway. Organization
// images, logos and device images are stored under opaque keys and handed back to clients as
// a location string.
//
// Backends register themselves with the factory from an init() function in their own
// package:
//
//	func init() {
//	    storage.Register("mybackend", func(cfg *config.Config) (storage.Storage, error) {
//	        return NewMyBackend(cfg)
//	    })
//	}
//
// cmd/server imports each backend with a blank import to trigger init().
package storage

import (
	"context"
	"io"
)

// Storage stores image blobs
type Storage interface {
	// Upload stores an object under key, replacing any previous one
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (*UploadResult, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists under key
	Exists(ctx context.Context, key string) (bool, error)

	// Location returns the public location clients use to fetch key
	Location(key string) string
}

// UploadResult describes a stored object
type UploadResult struct {
	Key      string
	Location string
	Size     int64
	// Checksum is the hex SHA256 of the content
	Checksum string
}
