// Package pool implements the credential pool allocator: it hands the
// lifecycle manager a shuffled list of a tenant's credential sets for one
// service type, and classifies backend failures into the closed set of kinds
// that drives retry policy.
package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/classml/classml/internal/crypto"
	"github.com/classml/classml/internal/db/models"
)

// ErrNoCredentials is returned when a tenant holds no credential sets for the
// requested service type. Surfaced to the tenant as a capacity problem.
var ErrNoCredentials = errors.New("pool: no credentials for service type")

// credentialSource is the slice of the credential repository the allocator
// needs.
type credentialSource interface {
	GetCredentialPool(ctx context.Context, tenantID string, serviceType models.ServiceType) ([]*models.CredentialSet, error)
	GetCredentialsByID(ctx context.Context, id string) (*models.CredentialSet, error)
}

// Allocator produces candidate credential lists for training submissions.
type Allocator struct {
	creds  credentialSource
	cipher *crypto.SecretCipher
}

// NewAllocator creates an Allocator. The cipher decrypts stored secrets just
// before they leave the allocator; nothing downstream ever sees ciphertext.
func NewAllocator(creds credentialSource, cipher *crypto.SecretCipher) *Allocator {
	return &Allocator{creds: creds, cipher: cipher}
}

// Allocate returns every credential set the tenant holds for the service
// type, shuffled so repeated trainings spread quota consumption across the
// pool instead of hammering a fixed favourite. Secrets in the returned sets
// are decrypted.
func (a *Allocator) Allocate(ctx context.Context, tenantID string, serviceType models.ServiceType) ([]*models.CredentialSet, error) {
	pool, err := a.creds.GetCredentialPool(ctx, tenantID, serviceType)
	if err != nil {
		return nil, fmt.Errorf("pool: loading credentials: %w", err)
	}
	if len(pool) == 0 {
		return nil, ErrNoCredentials
	}

	rand.Shuffle(len(pool), func(i, j int) {
		pool[i], pool[j] = pool[j], pool[i]
	})

	for _, cred := range pool {
		if err := a.decrypt(cred); err != nil {
			return nil, err
		}
	}
	return pool, nil
}

// Resolve fetches and decrypts one credential set by id. Used on the update
// path, where training is pinned to the credential set that created the
// classifier.
func (a *Allocator) Resolve(ctx context.Context, credentialsID string) (*models.CredentialSet, error) {
	cred, err := a.creds.GetCredentialsByID(ctx, credentialsID)
	if err != nil {
		return nil, fmt.Errorf("pool: loading credentials %s: %w", credentialsID, err)
	}
	if cred == nil {
		return nil, ErrNoCredentials
	}
	if err := a.decrypt(cred); err != nil {
		return nil, err
	}
	return cred, nil
}

func (a *Allocator) decrypt(cred *models.CredentialSet) error {
	var err error
	if cred.APIKey, err = a.cipher.Open(cred.APIKey); err != nil {
		return fmt.Errorf("pool: decrypting api key for %s: %w", cred.ID, err)
	}
	if cred.Username, err = a.cipher.Open(cred.Username); err != nil {
		return fmt.Errorf("pool: decrypting username for %s: %w", cred.ID, err)
	}
	if cred.Password, err = a.cipher.Open(cred.Password); err != nil {
		return fmt.Errorf("pool: decrypting password for %s: %w", cred.ID, err)
	}
	return nil
}
