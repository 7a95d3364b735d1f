// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/firedexofficial/signal-cli/internal/model"
)

// RecipientQueries is the row-level contract of the durable recipient store.
// Find methods return (nil, nil) when no row matches; Get methods return
// errs.ErrNotFound for a missing record.
type RecipientQueries interface {
	// FindByAccountID looks up the record currently holding the account id.
	FindByAccountID(ctx context.Context, accountID uuid.UUID) (*model.RecipientWithAddress, error)
	// FindByPseudoID looks up the record currently holding the pseudo id.
	FindByPseudoID(ctx context.Context, pseudoID uuid.UUID) (*model.RecipientWithAddress, error)
	// FindByNumber looks up the record currently holding the phone number.
	FindByNumber(ctx context.Context, number string) (*model.RecipientWithAddress, error)
	// FindByUsername looks up the record currently holding the username.
	FindByUsername(ctx context.Context, username string) (*model.RecipientWithAddress, error)

	// GetAddress returns the identity keys currently attached to a record.
	GetAddress(ctx context.Context, id model.RecipientID) (model.RecipientAddress, error)
	// GetRecipient loads the full record with all optional attachments.
	GetRecipient(ctx context.Context, id model.RecipientID) (*model.Recipient, error)

	// Add inserts a new record carrying the given keys and returns its id.
	Add(ctx context.Context, address model.RecipientAddress) (model.RecipientID, error)
	// UpdateAddress replaces the identity keys of a record.
	UpdateAddress(ctx context.Context, id model.RecipientID, address model.RecipientAddress) error
	// RemoveAddress clears all identity keys and the storage id of a record.
	RemoveAddress(ctx context.Context, id model.RecipientID) error
	// Delete removes the record row entirely.
	Delete(ctx context.Context, id model.RecipientID) error

	// GetContact returns the contact attachment, nil if none is set.
	GetContact(ctx context.Context, id model.RecipientID) (*model.Contact, error)
	// SetContact upserts the contact attachment; nil clears it.
	SetContact(ctx context.Context, id model.RecipientID, contact *model.Contact) error
	// GetProfile returns the profile attachment, nil if none is set.
	GetProfile(ctx context.Context, id model.RecipientID) (*model.Profile, error)
	// SetProfile upserts the profile attachment; nil clears it.
	SetProfile(ctx context.Context, id model.RecipientID, profile *model.Profile) error
	// GetProfileKey returns the profile key, nil if none is set.
	GetProfileKey(ctx context.Context, id model.RecipientID) (model.ProfileKey, error)
	// SetProfileKey writes the profile key, always clearing the stored
	// credential; resetProfileFetch additionally zeroes the profile fetch
	// timestamp so the next sync refetches the profile.
	SetProfileKey(ctx context.Context, id model.RecipientID, key model.ProfileKey, resetProfileFetch bool) error
	// GetCredential returns the profile key credential, nil if none is set.
	GetCredential(ctx context.Context, id model.RecipientID) (model.ProfileKeyCredential, error)
	// SetCredential writes the profile key credential; nil clears it.
	SetCredential(ctx context.Context, id model.RecipientID, credential model.ProfileKeyCredential) error

	// GetStorageID returns the record's raw sync identifier, nil if unset.
	GetStorageID(ctx context.Context, id model.RecipientID) ([]byte, error)
	// SetStorageID assigns a raw sync identifier to a record.
	SetStorageID(ctx context.Context, id model.RecipientID, raw []byte) error
	// ClearStorageID detaches the raw sync identifier from whichever record
	// currently holds it.
	ClearStorageID(ctx context.Context, raw []byte) error
	// SetStorageRecord assigns a sync identifier together with its raw payload.
	SetStorageRecord(ctx context.Context, id model.RecipientID, raw, record []byte) error
	// ClearUnregisteredStorageIDs drops the given sync identifiers from
	// records already marked unregistered, returning how many were cleared.
	ClearUnregisteredStorageIDs(ctx context.Context, raws [][]byte) (int, error)
	// ListStorageIDs returns the sync identifiers of all keyed records except
	// the given one (the local user is synced as the account record instead).
	ListStorageIDs(ctx context.Context, exclude model.RecipientID) ([]model.StorageID, error)
	// ListWithoutStorageID returns registered records lacking a sync identifier.
	ListWithoutStorageID(ctx context.Context) ([]model.RecipientID, error)

	// MarkRegistered clears the unregistered marker.
	MarkRegistered(ctx context.Context, id model.RecipientID) error
	// MarkUnregistered stamps the unregistered marker if not already set.
	MarkUnregistered(ctx context.Context, id model.RecipientID, at int64) error

	// ListContacts returns all records carrying visible contact data.
	ListContacts(ctx context.Context) ([]model.Recipient, error)
	// ListProfileKeys returns the known profile key per account id.
	ListProfileKeys(ctx context.Context) (map[uuid.UUID]model.ProfileKey, error)
}

// RecipientRepository provides transactional access to recipient records.
// Direct calls run each statement in autocommit mode; InTx groups several
// queries into one transaction that either fully applies or has no effect.
type RecipientRepository interface {
	RecipientQueries

	// InTx runs fn inside a single transaction, rolling back on error.
	InTx(ctx context.Context, fn func(q RecipientQueries) error) error
}
