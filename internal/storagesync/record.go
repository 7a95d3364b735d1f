package storagesync

import (
	"fmt"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/firedexofficial/signal-cli/internal/model"
)

// Record is one storage record as transmitted in a sync push: its id plus the
// payload decoded per the id's type tag. Group and distribution list payloads
// stay opaque at this layer.
type Record struct {
	ID      model.StorageID
	Contact *ContactRecord
	Account *AccountRecord
	Raw     []byte
}

// ContactRecord is the synced form of a remote peer's identity keys.
type ContactRecord struct {
	AccountID uuid.UUID
	PseudoID  uuid.UUID
	Number    string
	Username  string
}

// Address returns the identity keys of the contact as an address.
func (c ContactRecord) Address() model.RecipientAddress {
	return model.RecipientAddress{
		AccountID: c.AccountID,
		PseudoID:  c.PseudoID,
		Number:    c.Number,
		Username:  c.Username,
	}
}

// AccountRecord is the synced form of the local user's own record.
type AccountRecord struct {
	ProfileKey    []byte
	GivenName     string
	FamilyName    string
	AvatarURLPath string
}

// IsUnknown reports whether the payload could not be decoded for the record's
// type, or the type itself is unknown.
func (r Record) IsUnknown() bool {
	switch r.ID.Type {
	case model.RecordTypeContact:
		return r.Contact == nil
	case model.RecordTypeAccount:
		return r.Account == nil
	case model.RecordTypeGroupV1, model.RecordTypeGroupV2, model.RecordTypeStoryDistributionList:
		return len(r.Raw) == 0
	default:
		return true
	}
}

// ParseRecord decodes a raw payload according to the id's type tag. A record
// that fails to decode is still returned, marked unknown, so validation can
// report it instead of dropping it.
func ParseRecord(id model.StorageID, payload []byte) Record {
	rec := Record{ID: id, Raw: payload}
	switch id.Type {
	case model.RecordTypeContact:
		if c, err := UnmarshalContactRecord(payload); err == nil {
			rec.Contact = c
		}
	case model.RecordTypeAccount:
		if a, err := UnmarshalAccountRecord(payload); err == nil {
			rec.Account = a
		}
	}
	return rec
}

// Contact record wire fields.
const (
	contactFieldAccountID = 1
	contactFieldPseudoID  = 2
	contactFieldNumber    = 3
	contactFieldUsername  = 4
)

// Account record wire fields.
const (
	accountFieldProfileKey = 1
	accountFieldGivenName  = 2
	accountFieldFamilyName = 3
	accountFieldAvatarPath = 4
)

// Marshal encodes the contact record.
func (c ContactRecord) Marshal() []byte {
	var b []byte
	if c.AccountID != uuid.Nil {
		b = appendStringField(b, contactFieldAccountID, c.AccountID.String())
	}
	if c.PseudoID != uuid.Nil {
		b = appendStringField(b, contactFieldPseudoID, c.PseudoID.String())
	}
	if c.Number != "" {
		b = appendStringField(b, contactFieldNumber, c.Number)
	}
	if c.Username != "" {
		b = appendStringField(b, contactFieldUsername, c.Username)
	}
	return b
}

// UnmarshalContactRecord decodes a contact payload.
func UnmarshalContactRecord(data []byte) (*ContactRecord, error) {
	var c ContactRecord
	err := walkFields(data, func(num protowire.Number, value []byte) error {
		switch num {
		case contactFieldAccountID:
			id, err := uuid.FromString(string(value))
			if err != nil {
				return fmt.Errorf("contact account id: %w", err)
			}
			c.AccountID = id
		case contactFieldPseudoID:
			id, err := uuid.FromString(string(value))
			if err != nil {
				return fmt.Errorf("contact pseudo id: %w", err)
			}
			c.PseudoID = id
		case contactFieldNumber:
			c.Number = string(value)
		case contactFieldUsername:
			c.Username = string(value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Marshal encodes the account record.
func (a AccountRecord) Marshal() []byte {
	var b []byte
	if len(a.ProfileKey) > 0 {
		b = protowire.AppendTag(b, accountFieldProfileKey, protowire.BytesType)
		b = protowire.AppendBytes(b, a.ProfileKey)
	}
	if a.GivenName != "" {
		b = appendStringField(b, accountFieldGivenName, a.GivenName)
	}
	if a.FamilyName != "" {
		b = appendStringField(b, accountFieldFamilyName, a.FamilyName)
	}
	if a.AvatarURLPath != "" {
		b = appendStringField(b, accountFieldAvatarPath, a.AvatarURLPath)
	}
	return b
}

// UnmarshalAccountRecord decodes an account payload.
func UnmarshalAccountRecord(data []byte) (*AccountRecord, error) {
	var a AccountRecord
	err := walkFields(data, func(num protowire.Number, value []byte) error {
		switch num {
		case accountFieldProfileKey:
			a.ProfileKey = append([]byte(nil), value...)
		case accountFieldGivenName:
			a.GivenName = string(value)
		case accountFieldFamilyName:
			a.FamilyName = string(value)
		case accountFieldAvatarPath:
			a.AvatarURLPath = string(value)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// walkFields iterates the length-delimited fields of a message, skipping
// fields of other wire types.
func walkFields(data []byte, visit func(num protowire.Number, value []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			continue
		}

		value, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		if err := visit(num, value); err != nil {
			return err
		}
	}
	return nil
}
