package model

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// StorageIDLength is the fixed length of a raw storage identifier.
const StorageIDLength = 16

// RecordType tags what kind of synced record a StorageID points at.
// Values match the sync wire protocol and must not be renumbered.
type RecordType int32

const (
	RecordTypeUnknown               RecordType = 0
	RecordTypeContact               RecordType = 1
	RecordTypeGroupV1               RecordType = 2
	RecordTypeGroupV2               RecordType = 3
	RecordTypeAccount               RecordType = 4
	RecordTypeStoryDistributionList RecordType = 5
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeContact:
		return "CONTACT"
	case RecordTypeGroupV1:
		return "GROUP_V1"
	case RecordTypeGroupV2:
		return "GROUP_V2"
	case RecordTypeAccount:
		return "ACCOUNT"
	case RecordTypeStoryDistributionList:
		return "STORY_DISTRIBUTION_LIST"
	default:
		return "UNKNOWN"
	}
}

// StorageID identifies one synced record: an opaque byte id plus a type tag.
// Exactly one live StorageID may point to any given local record.
type StorageID struct {
	Type RecordType
	Raw  []byte
}

// NewRawStorageID produces a fresh unguessable raw storage identifier.
func NewRawStorageID() []byte {
	raw := make([]byte, StorageIDLength)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return raw
}

// StorageIDForContact wraps a raw id as a contact-type identifier.
func StorageIDForContact(raw []byte) StorageID {
	return StorageID{Type: RecordTypeContact, Raw: raw}
}

// StorageIDForAccount wraps a raw id as an account-type identifier.
func StorageIDForAccount(raw []byte) StorageID {
	return StorageID{Type: RecordTypeAccount, Raw: raw}
}

// Equal reports whether both type and raw bytes match.
func (s StorageID) Equal(other StorageID) bool {
	return s.Type == other.Type && bytes.Equal(s.Raw, other.Raw)
}

// RawKey returns the raw id in a form usable as a map key.
func (s StorageID) RawKey() string { return string(s.Raw) }

func (s StorageID) String() string {
	return fmt.Sprintf("%s:%s", s.Type, base64.StdEncoding.EncodeToString(s.Raw))
}

// Manifest is a versioned snapshot of the full set of synced record ids held
// remotely. Version 0 means empty / never synced.
type Manifest struct {
	Version uint64
	IDs     []StorageID
}

// IDsByType groups the manifest ids by their record type.
func (m Manifest) IDsByType() map[RecordType][]StorageID {
	byType := make(map[RecordType][]StorageID)
	for _, id := range m.IDs {
		byType[id.Type] = append(byType[id.Type], id)
	}
	return byType
}
