// Package service contains the recipient resolution and merge engine.
package service

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/firedexofficial/signal-cli/internal/cache"
	"github.com/firedexofficial/signal-cli/internal/errs"
	"github.com/firedexofficial/signal-cli/internal/model"
	"github.com/firedexofficial/signal-cli/internal/repository"
)

// SelfProvider supplies the local user's current identity. It is consulted to
// keep the privileged self record out of automatic merges and to answer
// profile key reads for the local user.
type SelfProvider interface {
	// SelfAddress returns the local user's current address.
	SelfAddress() model.RecipientAddress
	// SelfProfileKey returns the local user's own profile key.
	SelfProfileKey() model.ProfileKey
}

// RecipientService resolves partial identities to canonical local records,
// merging duplicates losslessly, and owns the records' sync identifiers.
//
// All operations that can create, merge or delete a record are serialized
// behind one store-wide mutex: the merge decision needs a consistent snapshot
// of who currently holds which key, and two interleaved merges over
// overlapping keys would produce split-brain records. Plain reads and field
// updates on an already-resolved id do not take the mutex.
type RecipientService struct {
	repo repository.RecipientRepository
	self SelfProvider
	log  *zap.Logger

	mu     sync.Mutex
	merged map[model.RecipientID]model.RecipientID
	cache  *cache.AddressCache
}

// NewRecipientService constructs the service.
func NewRecipientService(repo repository.RecipientRepository, self SelfProvider, log *zap.Logger) *RecipientService {
	if log == nil {
		log = zap.NewNop()
	}
	return &RecipientService{
		repo:   repo,
		self:   self,
		log:    log,
		merged: make(map[model.RecipientID]model.RecipientID),
		cache:  cache.New(),
	}
}

// storeView adapts a transaction's queries for the resolution paths: service
// id lookups go through the address cache, and address changes rotate the
// record's storage id and evict stale cache entries before they land.
type storeView struct {
	q repository.RecipientQueries
	s *RecipientService
}

func (v storeView) FindByAccountID(ctx context.Context, accountID uuid.UUID) (*model.RecipientWithAddress, error) {
	return v.findCached(ctx, accountID, v.q.FindByAccountID)
}

func (v storeView) FindByPseudoID(ctx context.Context, pseudoID uuid.UUID) (*model.RecipientWithAddress, error) {
	return v.findCached(ctx, pseudoID, v.q.FindByPseudoID)
}

func (v storeView) findCached(
	ctx context.Context, serviceID uuid.UUID,
	find func(context.Context, uuid.UUID) (*model.RecipientWithAddress, error),
) (*model.RecipientWithAddress, error) {
	if rec, ok := v.s.cache.Get(serviceID); ok {
		return &rec, nil
	}
	rec, err := find(ctx, serviceID)
	if err != nil || rec == nil {
		return nil, err
	}
	v.s.cache.Put(serviceID, *rec)
	return rec, nil
}

func (v storeView) FindByNumber(ctx context.Context, number string) (*model.RecipientWithAddress, error) {
	return v.q.FindByNumber(ctx, number)
}

func (v storeView) FindByUsername(ctx context.Context, username string) (*model.RecipientWithAddress, error) {
	return v.q.FindByUsername(ctx, username)
}

func (v storeView) Add(ctx context.Context, address model.RecipientAddress) (model.RecipientID, error) {
	id, err := v.q.Add(ctx, address)
	if err != nil {
		return 0, err
	}
	v.s.log.Debug("added new recipient", zap.Stringer("id", id), zap.Stringer("address", address))
	return id, nil
}

func (v storeView) UpdateAddress(ctx context.Context, id model.RecipientID, address model.RecipientAddress) error {
	v.s.cache.EvictRecipient(id)
	if err := v.q.UpdateAddress(ctx, id, address); err != nil {
		return err
	}
	// Identity changes make the synced view of the record stale.
	return v.q.SetStorageID(ctx, id, model.NewRawStorageID())
}

func (v storeView) RemoveAddress(ctx context.Context, id model.RecipientID) error {
	v.s.cache.EvictRecipient(id)
	return v.q.RemoveAddress(ctx, id)
}

// CreateFromLocalID wraps a raw id already known valid, e.g. loaded from a
// foreign key. It never touches storage.
func (s *RecipientService) CreateFromLocalID(raw int64) model.RecipientID {
	return model.RecipientID(raw)
}

// Resolve returns the canonical record for the address, creating one if no
// key is known yet. Multi-key addresses run the full merge path.
func (s *RecipientService) Resolve(ctx context.Context, address model.RecipientAddress) (model.RecipientID, error) {
	if address.IsEmpty() {
		return 0, errs.ErrEmptyAddress
	}
	if address.HasSingleIdentifier() || s.self.SelfAddress().Matches(address) {
		return s.lookupOrCreate(ctx, address, false)
	}
	return s.resolveAndMerge(ctx, address, false)
}

// ResolveRegistered is Resolve for callers about to contact the peer: it
// fails with ErrUnregistered when the resolved record carries an unregistered
// stamp.
func (s *RecipientService) ResolveRegistered(ctx context.Context, address model.RecipientAddress) (model.RecipientID, error) {
	id, err := s.Resolve(ctx, address)
	if err != nil {
		return 0, err
	}
	contact, err := s.repo.GetContact(ctx, id)
	if err != nil {
		return 0, err
	}
	if contact != nil && contact.UnregisteredAt != 0 {
		return 0, fmt.Errorf("%s: %w", id, errs.ErrUnregistered)
	}
	return id, nil
}

// ResolveTrusted is Resolve for addresses received from an authoritative
// source: the surviving record is marked registered. When the address matches
// the local user the merge path is suppressed unless isSelf says the caller
// really is resolving the local identity; the self record is privileged and
// must never absorb another record unintentionally.
func (s *RecipientService) ResolveTrusted(ctx context.Context, address model.RecipientAddress, isSelf bool) (model.RecipientID, error) {
	if address.IsEmpty() {
		return 0, errs.ErrEmptyAddress
	}
	if address.HasSingleIdentifier() || (!isSelf && s.self.SelfAddress().Matches(address)) {
		return s.lookupOrCreate(ctx, address, true)
	}
	return s.resolveAndMerge(ctx, address, true)
}

// lookupOrCreate is the non-merging path: first match in key priority order,
// or a new record. Untrusted multi-key addresses only get their most durable
// identifier attached; the remaining associations are not taken on faith.
// markRegistered clears the unregistered marker inside the same transaction.
func (s *RecipientService) lookupOrCreate(ctx context.Context, address model.RecipientAddress, markRegistered bool) (model.RecipientID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.cache.Get(address.ServiceID()); ok {
		if !markRegistered {
			return rec.ID, nil
		}
		return rec.ID, s.repo.MarkRegistered(ctx, rec.ID)
	}

	var id model.RecipientID
	err := s.repo.InTx(ctx, func(q repository.RecipientQueries) error {
		v := storeView{q: q, s: s}
		matches, err := findMatches(ctx, v, address)
		if err != nil {
			return err
		}
		if len(matches) > 0 {
			id = matches[0].ID
		} else {
			create := address
			switch {
			case address.AccountID != uuid.Nil:
				create = model.RecipientAddress{AccountID: address.AccountID}
			case address.PseudoID != uuid.Nil:
				create = model.RecipientAddress{PseudoID: address.PseudoID}
			}
			if id, err = v.Add(ctx, create); err != nil {
				return err
			}
		}
		if markRegistered {
			return q.MarkRegistered(ctx, id)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// resolveAndMerge runs the full merge path inside one transaction and applies
// the resulting merges before returning the surviving id.
func (s *RecipientService) resolveAndMerge(ctx context.Context, address model.RecipientAddress, markRegistered bool) (model.RecipientID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var winner model.RecipientID
	redirects := make(map[model.RecipientID]model.RecipientID)
	err := s.repo.InTx(ctx, func(q repository.RecipientQueries) error {
		v := storeView{q: q, s: s}
		w, absorbed, err := resolveRecipientTrusted(ctx, v, address)
		if err != nil {
			return err
		}
		if markRegistered {
			if err := q.MarkRegistered(ctx, w); err != nil {
				return err
			}
		}
		for _, loser := range absorbed {
			if err := s.applyMerge(ctx, q, w, loser); err != nil {
				return err
			}
			redirects[loser] = w
		}
		winner = w
		return nil
	})
	if err != nil {
		return 0, err
	}
	// Redirects become visible only once the transaction committed.
	for loser, w := range redirects {
		s.merged[loser] = w
	}
	return winner, nil
}

// applyMerge copies every attachment the winner lacks from the loser, then
// deletes the loser. The winner's existing data is never overwritten.
func (s *RecipientService) applyMerge(ctx context.Context, q repository.RecipientQueries, winner, loser model.RecipientID) error {
	winnerRec, err := q.GetRecipient(ctx, winner)
	if err != nil {
		return err
	}
	loserRec, err := q.GetRecipient(ctx, loser)
	if err != nil {
		return err
	}

	if winnerRec.Contact == nil && loserRec.Contact != nil {
		if err := q.SetContact(ctx, winner, loserRec.Contact); err != nil {
			return err
		}
	}
	winnerCredential := winnerRec.Credential
	if len(winnerRec.ProfileKey) == 0 && len(loserRec.ProfileKey) > 0 {
		if err := q.SetProfileKey(ctx, winner, loserRec.ProfileKey, false); err != nil {
			return err
		}
		// SetProfileKey dropped whatever credential the winner held.
		winnerCredential = nil
	}
	if len(winnerCredential) == 0 && len(loserRec.Credential) > 0 {
		if err := q.SetCredential(ctx, winner, loserRec.Credential); err != nil {
			return err
		}
	}
	if winnerRec.Profile == nil && loserRec.Profile != nil {
		if err := q.SetProfile(ctx, winner, loserRec.Profile); err != nil {
			return err
		}
	}
	if err := q.Delete(ctx, loser); err != nil {
		return err
	}
	s.cache.EvictRecipient(loser)
	s.log.Debug("merged recipients", zap.Stringer("winner", winner), zap.Stringer("absorbed", loser))
	return nil
}

// ResolveRedirect follows the merged-into chain of a possibly retired id to
// its surviving record. Callers holding an id cached before a merge stay
// correct through this.
func (s *RecipientService) ResolveRedirect(id model.RecipientID) model.RecipientID {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		next, ok := s.merged[id]
		if !ok {
			return id
		}
		s.log.Debug("recipient was merged, redirecting",
			zap.Stringer("from", id), zap.Stringer("to", next))
		id = next
	}
}

// StoreContact upserts the contact attachment; nil clears it. A contact
// carrying an unregistered timestamp triggers the unregistered split, which
// needs the store lock because it moves identity keys.
func (s *RecipientService) StoreContact(ctx context.Context, id model.RecipientID, contact *model.Contact) error {
	split := contact != nil && contact.UnregisteredAt != 0
	if split {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return s.repo.InTx(ctx, func(q repository.RecipientQueries) error {
		if err := q.SetContact(ctx, id, contact); err != nil {
			return err
		}
		if split {
			if err := s.splitUnregistered(ctx, q, id); err != nil {
				return err
			}
		}
		return q.SetStorageID(ctx, id, model.NewRawStorageID())
	})
}

// StoreProfile upserts the profile attachment; nil clears it.
func (s *RecipientService) StoreProfile(ctx context.Context, id model.RecipientID, profile *model.Profile) error {
	return s.repo.InTx(ctx, func(q repository.RecipientQueries) error {
		if err := q.SetProfile(ctx, id, profile); err != nil {
			return err
		}
		return q.SetStorageID(ctx, id, model.NewRawStorageID())
	})
}

// StoreProfileKey writes a peer's profile key; nil clears it. Rewriting the
// identical key is a no-op unless the stored access mode is still unknown or
// disabled, so an already-verified access mode is never discarded.
func (s *RecipientService) StoreProfileKey(ctx context.Context, id model.RecipientID, key model.ProfileKey) error {
	return s.repo.InTx(ctx, func(q repository.RecipientQueries) error {
		if len(key) > 0 {
			current, err := q.GetProfileKey(ctx, id)
			if err != nil {
				return err
			}
			if bytes.Equal(current, key) {
				profile, err := q.GetProfile(ctx, id)
				if err != nil {
					return err
				}
				if profile == nil || (profile.AccessMode != model.UnidentifiedAccessUnknown &&
					profile.AccessMode != model.UnidentifiedAccessDisabled) {
					return nil
				}
			}
		}
		if err := q.SetProfileKey(ctx, id, key, true); err != nil {
			return err
		}
		return q.SetStorageID(ctx, id, model.NewRawStorageID())
	})
}

// StoreProfileKeyCredential writes the short-lived credential; nil clears it.
func (s *RecipientService) StoreProfileKeyCredential(ctx context.Context, id model.RecipientID, credential model.ProfileKeyCredential) error {
	return s.repo.SetCredential(ctx, id, credential)
}

// MarkUnregistered stamps each number's record unregistered "now" if it is
// not already, splitting records that hold both an account id and a pseudo id
// so the number stays matchable under address rotation.
func (s *RecipientService) MarkUnregistered(ctx context.Context, numbers []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	s.log.Debug("marking numbers as unregistered", zap.Int("count", len(numbers)))
	return s.repo.InTx(ctx, func(q repository.RecipientQueries) error {
		for _, number := range numbers {
			rec, err := q.FindByNumber(ctx, number)
			if err != nil {
				return err
			}
			if rec == nil {
				continue
			}
			if err := q.MarkUnregistered(ctx, rec.ID, now); err != nil {
				return err
			}
			if err := s.splitUnregistered(ctx, q, rec.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// splitUnregistered detaches the (pseudo id, number) identity of a record
// that holds both an account id and a pseudo id into a fresh record; the
// original keeps the account id. Records missing either id are left alone.
func (s *RecipientService) splitUnregistered(ctx context.Context, q repository.RecipientQueries, id model.RecipientID) error {
	address, err := q.GetAddress(ctx, id)
	if err != nil {
		return err
	}
	if address.AccountID == uuid.Nil || address.PseudoID == uuid.Nil {
		return nil
	}
	numberAddress := model.RecipientAddress{PseudoID: address.PseudoID, Number: address.Number}
	s.cache.EvictRecipient(id)
	if err := q.UpdateAddress(ctx, id, address.RemoveIdentifiersFrom(numberAddress)); err != nil {
		return err
	}
	if err := q.SetStorageID(ctx, id, model.NewRawStorageID()); err != nil {
		return err
	}
	newID, err := q.Add(ctx, numberAddress)
	if err != nil {
		return err
	}
	s.log.Debug("split unregistered recipient",
		zap.Stringer("id", id), zap.Stringer("number_identity", newID))
	return nil
}

// DeleteRecipientData clears every attachment and removes the record.
func (s *RecipientService) DeleteRecipientData(ctx context.Context, id model.RecipientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Debug("deleting recipient data", zap.Stringer("id", id))
	s.cache.EvictRecipient(id)
	return s.repo.InTx(ctx, func(q repository.RecipientQueries) error {
		if err := q.SetContact(ctx, id, nil); err != nil {
			return err
		}
		if err := q.SetProfile(ctx, id, nil); err != nil {
			return err
		}
		if err := q.SetProfileKey(ctx, id, nil, false); err != nil {
			return err
		}
		if err := q.SetCredential(ctx, id, nil); err != nil {
			return err
		}
		return q.Delete(ctx, id)
	})
}

// GetStorageID returns the record's current sync identifier, lazily assigning
// a fresh one if the record has none yet.
func (s *RecipientService) GetStorageID(ctx context.Context, id model.RecipientID) (model.StorageID, error) {
	var raw []byte
	err := s.repo.InTx(ctx, func(q repository.RecipientQueries) error {
		var err error
		raw, err = q.GetStorageID(ctx, id)
		if err != nil {
			return err
		}
		if raw == nil {
			raw = model.NewRawStorageID()
			return q.SetStorageID(ctx, id, raw)
		}
		return nil
	})
	if err != nil {
		return model.StorageID{}, err
	}
	return model.StorageIDForContact(raw), nil
}

// RotateStorageID assigns a fresh random sync identifier, signaling to the
// sync layer that the record changed.
func (s *RecipientService) RotateStorageID(ctx context.Context, id model.RecipientID) (model.StorageID, error) {
	raw := model.NewRawStorageID()
	if err := s.repo.SetStorageID(ctx, id, raw); err != nil {
		return model.StorageID{}, err
	}
	return model.StorageIDForContact(raw), nil
}

// GetSelfStorageID returns the local user's sync identifier as an
// account-type id.
func (s *RecipientService) GetSelfStorageID(ctx context.Context) (model.StorageID, error) {
	selfID, err := s.Resolve(ctx, s.self.SelfAddress())
	if err != nil {
		return model.StorageID{}, err
	}
	storageID, err := s.GetStorageID(ctx, selfID)
	if err != nil {
		return model.StorageID{}, err
	}
	return model.StorageIDForAccount(storageID.Raw), nil
}

// StoreStorageRecord assigns a sync identifier and its raw payload to a
// record. The identifier is first detached from whichever record holds it: a
// storage id points at exactly one record.
func (s *RecipientService) StoreStorageRecord(ctx context.Context, id model.RecipientID, storageID model.StorageID, record []byte) error {
	return s.repo.InTx(ctx, func(q repository.RecipientQueries) error {
		if err := q.ClearStorageID(ctx, storageID.Raw); err != nil {
			return err
		}
		return q.SetStorageRecord(ctx, id, storageID.Raw, record)
	})
}

// RemoveStorageIDsFromUnregistered drops sync identifiers from records that
// only exist locally because the peer unregistered; returns how many were
// cleared.
func (s *RecipientService) RemoveStorageIDsFromUnregistered(ctx context.Context, ids []model.StorageID) (int, error) {
	raws := make([][]byte, 0, len(ids))
	for _, id := range ids {
		raws = append(raws, id.Raw)
	}
	return s.repo.ClearUnregisteredStorageIDs(ctx, raws)
}

// ListStorageIDs returns the sync identifiers of every keyed record except
// the local user's, which is synced through the account record instead.
func (s *RecipientService) ListStorageIDs(ctx context.Context) ([]model.StorageID, error) {
	selfID, err := s.Resolve(ctx, s.self.SelfAddress())
	if err != nil {
		return nil, err
	}
	return s.repo.ListStorageIDs(ctx, selfID)
}

// AssignMissingStorageIDs backfills sync identifiers for registered records
// that lack one.
func (s *RecipientService) AssignMissingStorageIDs(ctx context.Context) error {
	return s.repo.InTx(ctx, func(q repository.RecipientQueries) error {
		ids, err := q.ListWithoutStorageID(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := q.SetStorageID(ctx, id, model.NewRawStorageID()); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRecipient loads the full record.
func (s *RecipientService) GetRecipient(ctx context.Context, id model.RecipientID) (*model.Recipient, error) {
	return s.repo.GetRecipient(ctx, id)
}

// GetAddress returns the identity keys currently attached to a record.
func (s *RecipientService) GetAddress(ctx context.Context, id model.RecipientID) (model.RecipientAddress, error) {
	return s.repo.GetAddress(ctx, id)
}

// GetContact returns the contact attachment, nil if none.
func (s *RecipientService) GetContact(ctx context.Context, id model.RecipientID) (*model.Contact, error) {
	return s.repo.GetContact(ctx, id)
}

// GetProfile returns the profile attachment, nil if none.
func (s *RecipientService) GetProfile(ctx context.Context, id model.RecipientID) (*model.Profile, error) {
	return s.repo.GetProfile(ctx, id)
}

// GetProfileKey returns the profile key; for the local user's own record the
// key comes from the self provider, never from storage.
func (s *RecipientService) GetProfileKey(ctx context.Context, id model.RecipientID) (model.ProfileKey, error) {
	address, err := s.repo.GetAddress(ctx, id)
	if err != nil {
		return nil, err
	}
	if address.Matches(s.self.SelfAddress()) {
		return s.self.SelfProfileKey(), nil
	}
	return s.repo.GetProfileKey(ctx, id)
}

// GetProfileKeyCredential returns the short-lived credential, nil if none.
func (s *RecipientService) GetProfileKeyCredential(ctx context.Context, id model.RecipientID) (model.ProfileKeyCredential, error) {
	return s.repo.GetCredential(ctx, id)
}

// ListContacts returns all records carrying visible contact data.
func (s *RecipientService) ListContacts(ctx context.Context) ([]model.Recipient, error) {
	return s.repo.ListContacts(ctx)
}

// ServiceIDProfileKeys returns the known profile key per account id, with the
// local user's key substituted from the self provider.
func (s *RecipientService) ServiceIDProfileKeys(ctx context.Context) (map[uuid.UUID]model.ProfileKey, error) {
	keys, err := s.repo.ListProfileKeys(ctx)
	if err != nil {
		return nil, err
	}
	if selfAccount := s.self.SelfAddress().AccountID; selfAccount != uuid.Nil {
		if _, ok := keys[selfAccount]; ok {
			keys[selfAccount] = s.self.SelfProfileKey()
		}
	}
	return keys, nil
}
