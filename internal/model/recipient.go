// Package model defines domain entities used by services and repositories.
package model

import (
	"fmt"

	"github.com/gofrs/uuid/v5"
)

// RecipientID is an opaque handle for a local recipient record. It is unique
// per record, stable for the record's lifetime and never reused after deletion.
type RecipientID int64

func (id RecipientID) String() string { return fmt.Sprintf("recipient(%d)", int64(id)) }

// RecipientAddress is the immutable tuple of identity keys a peer may be
// known by. At least one key must be present. Zero values (uuid.Nil, "")
// mean the key is absent.
type RecipientAddress struct {
	AccountID uuid.UUID // long-lived, assigned once, never reassigned
	PseudoID  uuid.UUID // rotating identifier, zero or one active at a time
	Number    string    // E.164 phone number; may move between peers over time
	Username  string    // freely changeable, may be released
}

// IsEmpty reports whether no identity key is set.
func (a RecipientAddress) IsEmpty() bool {
	return a.AccountID == uuid.Nil && a.PseudoID == uuid.Nil && a.Number == "" && a.Username == ""
}

// HasSingleIdentifier reports whether exactly one identity key is set.
func (a RecipientAddress) HasSingleIdentifier() bool {
	n := 0
	if a.AccountID != uuid.Nil {
		n++
	}
	if a.PseudoID != uuid.Nil {
		n++
	}
	if a.Number != "" {
		n++
	}
	if a.Username != "" {
		n++
	}
	return n == 1
}

// Matches reports whether the two addresses share at least one identity key
// with equal value.
func (a RecipientAddress) Matches(other RecipientAddress) bool {
	return (a.AccountID != uuid.Nil && a.AccountID == other.AccountID) ||
		(a.PseudoID != uuid.Nil && a.PseudoID == other.PseudoID) ||
		(a.Number != "" && a.Number == other.Number) ||
		(a.Username != "" && a.Username == other.Username)
}

// WithIdentifiersFrom returns the union of both addresses, with other's keys
// taking the slot wherever other has a value.
func (a RecipientAddress) WithIdentifiersFrom(other RecipientAddress) RecipientAddress {
	merged := a
	if other.AccountID != uuid.Nil {
		merged.AccountID = other.AccountID
	}
	if other.PseudoID != uuid.Nil {
		merged.PseudoID = other.PseudoID
	}
	if other.Number != "" {
		merged.Number = other.Number
	}
	if other.Username != "" {
		merged.Username = other.Username
	}
	return merged
}

// RemoveIdentifiersFrom returns a copy of the address with every key slot
// that other mentions cleared.
func (a RecipientAddress) RemoveIdentifiersFrom(other RecipientAddress) RecipientAddress {
	stripped := a
	if other.AccountID != uuid.Nil {
		stripped.AccountID = uuid.Nil
	}
	if other.PseudoID != uuid.Nil {
		stripped.PseudoID = uuid.Nil
	}
	if other.Number != "" {
		stripped.Number = ""
	}
	if other.Username != "" {
		stripped.Username = ""
	}
	return stripped
}

// ServiceID returns the most durable remote identifier of the address
// (account id, falling back to pseudo id) or uuid.Nil if neither is set.
func (a RecipientAddress) ServiceID() uuid.UUID {
	if a.AccountID != uuid.Nil {
		return a.AccountID
	}
	return a.PseudoID
}

func (a RecipientAddress) String() string {
	return fmt.Sprintf("address(account=%s pseudo=%s number=%q username=%q)",
		a.AccountID, a.PseudoID, a.Number, a.Username)
}

// RecipientWithAddress pairs a record handle with its current address.
type RecipientWithAddress struct {
	ID      RecipientID
	Address RecipientAddress
}

// Contact holds locally assigned contact data. Absence is modeled as a nil
// pointer, not an error.
type Contact struct {
	GivenName      string
	FamilyName     string
	NickName       string
	Color          string
	ExpirationTime int   // message expiration in seconds, 0 = off
	MuteUntil      int64 // unix millis, 0 = not muted
	HideStory      bool
	Blocked        bool
	Archived       bool
	ProfileSharing bool
	Hidden         bool
	UnregisteredAt int64 // unix millis the peer was seen unregistered, 0 = registered
}

// UnidentifiedAccessMode describes how sealed-sender delivery is configured
// for a peer's profile.
type UnidentifiedAccessMode string

const (
	UnidentifiedAccessUnknown      UnidentifiedAccessMode = "UNKNOWN"
	UnidentifiedAccessDisabled     UnidentifiedAccessMode = "DISABLED"
	UnidentifiedAccessEnabled      UnidentifiedAccessMode = "ENABLED"
	UnidentifiedAccessUnrestricted UnidentifiedAccessMode = "UNRESTRICTED"
)

// AccessModeOrUnknown maps a stored string to a known access mode.
func AccessModeOrUnknown(s string) UnidentifiedAccessMode {
	switch UnidentifiedAccessMode(s) {
	case UnidentifiedAccessDisabled, UnidentifiedAccessEnabled, UnidentifiedAccessUnrestricted:
		return UnidentifiedAccessMode(s)
	default:
		return UnidentifiedAccessUnknown
	}
}

// Profile holds the peer-published profile data last fetched from the
// directory. Absence is modeled as a nil pointer.
type Profile struct {
	LastUpdatedAt uint64 // unix millis of the last profile fetch
	GivenName     string
	FamilyName    string
	About         string
	AboutEmoji    string
	AvatarURLPath string
	AccessMode    UnidentifiedAccessMode
	Capabilities  []string
}

// ProfileKey is the peer's profile encryption key.
type ProfileKey []byte

// ProfileKeyCredential is a short-lived credential derived from a profile key.
type ProfileKeyCredential []byte

// Recipient aggregates one local record with all of its optional attachments.
type Recipient struct {
	ID            RecipientID
	Address       RecipientAddress
	Contact       *Contact
	Profile       *Profile
	ProfileKey    ProfileKey
	Credential    ProfileKeyCredential
	StorageRecord []byte // last raw sync payload seen for this record
}
