// Package storagesync validates locally-built sync manifests and diffs before
// they are pushed to the remote store.
package storagesync

import "errors"

// Structural manifest errors: the manifest or its inserts are malformed
// regardless of any previous state.
var (
	// ErrMissingAccount indicates the manifest carries no account-type id.
	ErrMissingAccount = errors.New("manifest has no account record id")

	// ErrMultipleAccount indicates more than one account-type id.
	ErrMultipleAccount = errors.New("manifest has multiple account record ids")

	// ErrDuplicateStorageID indicates the same typed id appears twice.
	ErrDuplicateStorageID = errors.New("duplicate storage id in manifest")

	// ErrDuplicateContactID indicates a raw id repeats among contact ids.
	ErrDuplicateContactID = errors.New("duplicate contact storage id")

	// ErrDuplicateGroupV1ID indicates a raw id repeats among group v1 ids.
	ErrDuplicateGroupV1ID = errors.New("duplicate group v1 storage id")

	// ErrDuplicateGroupV2ID indicates a raw id repeats among group v2 ids.
	ErrDuplicateGroupV2ID = errors.New("duplicate group v2 storage id")

	// ErrDuplicateDistributionListID indicates a raw id repeats among
	// distribution list ids.
	ErrDuplicateDistributionListID = errors.New("duplicate distribution list storage id")

	// ErrDuplicateRawID indicates a raw id repeats across record types.
	ErrDuplicateRawID = errors.New("duplicate raw storage id across types")

	// ErrDuplicateInsert indicates the same record is inserted twice.
	ErrDuplicateInsert = errors.New("duplicate insert in write operation")

	// ErrInsertNotInFullSet indicates an inserted record's id is missing from
	// the manifest's id set.
	ErrInsertNotInFullSet = errors.New("insert not present in manifest id set")

	// ErrDeleteInFullSet indicates a deleted id still appears in the manifest.
	ErrDeleteInFullSet = errors.New("delete present in manifest id set")

	// ErrUnknownInsert indicates an insert with an unreadable payload.
	ErrUnknownInsert = errors.New("insert has unknown payload")

	// ErrSelfAsContact indicates an insert encodes the local user as a contact.
	ErrSelfAsContact = errors.New("self added as contact")
)

// Diff reconciliation errors: the declared diff does not equal the true set
// difference between the previous and the new manifest.
var (
	// ErrManifestVersion indicates the new version is not previous + 1.
	ErrManifestVersion = errors.New("incorrect manifest version")

	// ErrTooManyInserts indicates more declared inserts than the manifests differ by.
	ErrTooManyInserts = errors.New("more inserts than expected")

	// ErrTooFewInserts indicates fewer declared inserts than the manifests differ by.
	ErrTooFewInserts = errors.New("fewer inserts than expected")

	// ErrInsertMismatch indicates right-sized but wrong-membership inserts.
	ErrInsertMismatch = errors.New("declared inserts do not match manifest diff")

	// ErrTooManyDeletes indicates more declared deletes than the manifests differ by.
	ErrTooManyDeletes = errors.New("more deletes than expected")

	// ErrTooFewDeletes indicates fewer declared deletes than the manifests differ by.
	ErrTooFewDeletes = errors.New("fewer deletes than expected")

	// ErrDeleteMismatch indicates right-sized but wrong-membership deletes.
	ErrDeleteMismatch = errors.New("declared deletes do not match manifest diff")
)
