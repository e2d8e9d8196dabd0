// Package storage defines the Store interface for the training media object
// store. Tenant media (uploaded images, sound clips, numeric data files) is
// keyed hierarchically as tenant/user/project/object, so the deletion jobs can
// remove a single object or a whole subtree with a prefix delete.
//
// New drivers are added by implementing Store and registering with the
// factory via an init() function in the driver's own package:
//
//	func init() {
//	    storage.Register("mydriver", func(cfg *config.Config) (Store, error) {
//	        return NewMyDriver(cfg)
//	    })
//	}
//
// The main package imports each driver with a blank import to trigger init().
package storage

import (
	"context"
	"fmt"
	"io"
)

// Store is the object store interface the deletion jobs and media handlers
// run against.
type Store interface {
	// Upload stores an object and returns its size in bytes.
	Upload(ctx context.Context, key string, reader io.Reader) (int64, error)

	// Download retrieves an object. The caller closes the reader.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes one object. Deleting an object that is already gone is
	// not an error; deletion jobs retry and must stay idempotent.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every object under the given key prefix and
	// returns how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Exists reports whether an object is present at key.
	Exists(ctx context.Context, key string) (bool, error)
}

// ObjectKey builds the canonical storage key for one media object.
func ObjectKey(tenantID, userID, projectID, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", tenantID, userID, projectID, objectID)
}

// ProjectPrefix is the key prefix covering all media in one project.
func ProjectPrefix(tenantID, userID, projectID string) string {
	return fmt.Sprintf("%s/%s/%s/", tenantID, userID, projectID)
}

// UserPrefix is the key prefix covering all media a user owns in a tenant.
func UserPrefix(tenantID, userID string) string {
	return fmt.Sprintf("%s/%s/", tenantID, userID)
}
