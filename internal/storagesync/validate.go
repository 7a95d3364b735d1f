package storagesync

import (
	"fmt"

	"github.com/firedexofficial/signal-cli/internal/model"
)

// WriteOperation is the outcome of a locally-built sync push: the complete
// new manifest, the full payloads of every newly inserted record, and the raw
// ids being deleted.
type WriteOperation struct {
	Manifest model.Manifest
	Inserts  []Record
	Deletes  [][]byte
}

// Validate proves a locally-built write operation is internally consistent
// before it is transmitted. Structural invariants are checked unconditionally;
// the declared diff is then reconciled against the true set difference between
// the previous and new manifests. Reconciliation is skipped when there is no
// previous state (version 0) and when an operator-forced overwrite is pending.
func Validate(op WriteOperation, previous model.Manifest, forcePushPending bool, self model.RecipientAddress) error {
	if err := validateManifestAndInserts(op.Manifest, op.Inserts, self); err != nil {
		return err
	}

	if len(op.Deletes) > 0 {
		full := make(map[string]bool, len(op.Manifest.IDs))
		for _, id := range op.Manifest.IDs {
			full[id.RawKey()] = true
		}
		for _, del := range op.Deletes {
			if full[string(del)] {
				return ErrDeleteInFullSet
			}
		}
	}

	if previous.Version == 0 {
		// Nothing to diff against.
		return nil
	}

	if op.Manifest.Version != previous.Version+1 {
		return ErrManifestVersion
	}

	if forcePushPending {
		// A forced overwrite replaces remote state wholesale; the diff is moot.
		return nil
	}

	previousIDs := rawIDSet(previous.IDs)
	newIDs := rawIDSet(op.Manifest.IDs)

	manifestInserts := difference(newIDs, previousIDs)
	manifestDeletes := difference(previousIDs, newIDs)

	declaredInserts := make(map[string]bool, len(op.Inserts))
	for _, ins := range op.Inserts {
		declaredInserts[ins.ID.RawKey()] = true
	}
	declaredDeletes := make(map[string]bool, len(op.Deletes))
	for _, del := range op.Deletes {
		declaredDeletes[string(del)] = true
	}

	if len(declaredInserts) > len(manifestInserts) {
		return fmt.Errorf("declared %d, manifest %d: %w", len(declaredInserts), len(manifestInserts), ErrTooManyInserts)
	}
	if len(declaredInserts) < len(manifestInserts) {
		return fmt.Errorf("declared %d, manifest %d: %w", len(declaredInserts), len(manifestInserts), ErrTooFewInserts)
	}
	if !containsAll(declaredInserts, manifestInserts) {
		return ErrInsertMismatch
	}

	if len(declaredDeletes) > len(manifestDeletes) {
		return fmt.Errorf("declared %d, manifest %d: %w", len(declaredDeletes), len(manifestDeletes), ErrTooManyDeletes)
	}
	if len(declaredDeletes) < len(manifestDeletes) {
		return fmt.Errorf("declared %d, manifest %d: %w", len(declaredDeletes), len(manifestDeletes), ErrTooFewDeletes)
	}
	if !containsAll(declaredDeletes, manifestDeletes) {
		return ErrDeleteMismatch
	}
	return nil
}

// ValidateForcePush checks only the structural invariants of a manifest about
// to replace remote state wholesale.
func ValidateForcePush(manifest model.Manifest, inserts []Record, self model.RecipientAddress) error {
	return validateManifestAndInserts(manifest, inserts, self)
}

func validateManifestAndInserts(manifest model.Manifest, inserts []Record, self model.RecipientAddress) error {
	accountCount := 0
	for _, id := range manifest.IDs {
		if id.Type == model.RecordTypeAccount {
			accountCount++
		}
	}
	if accountCount > 1 {
		return ErrMultipleAccount
	}
	if accountCount == 0 {
		return ErrMissingAccount
	}

	typedSet := make(map[string]bool, len(manifest.IDs))
	for _, id := range manifest.IDs {
		typedSet[typedKey(id)] = true
	}
	if len(typedSet) != len(manifest.IDs) {
		return ErrDuplicateStorageID
	}

	rawSet := rawIDSet(manifest.IDs)
	if len(rawSet) != len(typedSet) {
		byType := manifest.IDsByType()
		perType := []struct {
			t   model.RecordType
			err error
		}{
			{model.RecordTypeContact, ErrDuplicateContactID},
			{model.RecordTypeGroupV1, ErrDuplicateGroupV1ID},
			{model.RecordTypeGroupV2, ErrDuplicateGroupV2ID},
			{model.RecordTypeStoryDistributionList, ErrDuplicateDistributionListID},
		}
		for _, check := range perType {
			ids := byType[check.t]
			if len(ids) != len(rawIDSet(ids)) {
				return check.err
			}
		}
		return ErrDuplicateRawID
	}

	insertSet := make(map[string]bool, len(inserts))
	for _, ins := range inserts {
		insertSet[typedKey(ins.ID)] = true
	}
	if len(inserts) > len(insertSet) {
		return ErrDuplicateInsert
	}

	for _, ins := range inserts {
		if !typedSet[typedKey(ins.ID)] {
			return ErrInsertNotInFullSet
		}
		if ins.IsUnknown() {
			return ErrUnknownInsert
		}
		if ins.Contact != nil && self.Matches(ins.Contact.Address()) {
			return ErrSelfAsContact
		}
	}
	return nil
}

func typedKey(id model.StorageID) string {
	return fmt.Sprintf("%d:%s", id.Type, id.Raw)
}

func rawIDSet(ids []model.StorageID) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id.RawKey()] = true
	}
	return set
}

func difference(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool)
	for k := range a {
		if !b[k] {
			out[k] = true
		}
	}
	return out
}

func containsAll(set, want map[string]bool) bool {
	for k := range want {
		if !set[k] {
			return false
		}
	}
	return true
}
