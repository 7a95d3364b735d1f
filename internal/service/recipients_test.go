package service

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/gofrs/uuid/v5"

	"github.com/firedexofficial/signal-cli/internal/errs"
	"github.com/firedexofficial/signal-cli/internal/model"
	"github.com/firedexofficial/signal-cli/internal/repository"
)

type fakeRecord struct {
	addr           model.RecipientAddress
	contact        *model.Contact
	profile        *model.Profile
	profileKey     model.ProfileKey
	credential     model.ProfileKeyCredential
	storageID      []byte
	storageRecord  []byte
	unregisteredAt int64
}

// fakeRecipientRepo is an in-memory RecipientRepository. InTx applies fn
// directly; the tests only inspect state after successful calls.
type fakeRecipientRepo struct {
	nextID  model.RecipientID
	records map[model.RecipientID]*fakeRecord
	txCount int
}

var _ repository.RecipientRepository = (*fakeRecipientRepo)(nil)

func newFakeRepo() *fakeRecipientRepo {
	return &fakeRecipientRepo{nextID: 1, records: map[model.RecipientID]*fakeRecord{}}
}

func (f *fakeRecipientRepo) InTx(_ context.Context, fn func(q repository.RecipientQueries) error) error {
	f.txCount++
	return fn(f)
}

func (f *fakeRecipientRepo) get(id model.RecipientID) (*fakeRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return rec, nil
}

func (f *fakeRecipientRepo) find(match func(model.RecipientAddress) bool) (*model.RecipientWithAddress, error) {
	for id, rec := range f.records {
		if match(rec.addr) {
			return &model.RecipientWithAddress{ID: id, Address: rec.addr}, nil
		}
	}
	return nil, nil
}

func (f *fakeRecipientRepo) FindByAccountID(_ context.Context, accountID uuid.UUID) (*model.RecipientWithAddress, error) {
	return f.find(func(a model.RecipientAddress) bool { return a.AccountID == accountID })
}
func (f *fakeRecipientRepo) FindByPseudoID(_ context.Context, pseudoID uuid.UUID) (*model.RecipientWithAddress, error) {
	return f.find(func(a model.RecipientAddress) bool { return a.PseudoID == pseudoID })
}
func (f *fakeRecipientRepo) FindByNumber(_ context.Context, number string) (*model.RecipientWithAddress, error) {
	return f.find(func(a model.RecipientAddress) bool { return a.Number == number })
}
func (f *fakeRecipientRepo) FindByUsername(_ context.Context, username string) (*model.RecipientWithAddress, error) {
	return f.find(func(a model.RecipientAddress) bool { return a.Username == username })
}

func (f *fakeRecipientRepo) GetAddress(_ context.Context, id model.RecipientID) (model.RecipientAddress, error) {
	rec, err := f.get(id)
	if err != nil {
		return model.RecipientAddress{}, err
	}
	return rec.addr, nil
}

// contactView folds the unregistered stamp into the contact attachment: the
// stamp alone makes a record a contact.
func (f *fakeRecipientRepo) contactView(rec *fakeRecord) *model.Contact {
	if rec.contact == nil && rec.unregisteredAt == 0 {
		return nil
	}
	c := model.Contact{}
	if rec.contact != nil {
		c = *rec.contact
	}
	c.UnregisteredAt = rec.unregisteredAt
	return &c
}

func (f *fakeRecipientRepo) GetRecipient(_ context.Context, id model.RecipientID) (*model.Recipient, error) {
	rec, err := f.get(id)
	if err != nil {
		return nil, err
	}
	return &model.Recipient{
		ID:            id,
		Address:       rec.addr,
		Contact:       f.contactView(rec),
		Profile:       rec.profile,
		ProfileKey:    rec.profileKey,
		Credential:    rec.credential,
		StorageRecord: rec.storageRecord,
	}, nil
}

func (f *fakeRecipientRepo) Add(_ context.Context, address model.RecipientAddress) (model.RecipientID, error) {
	id := f.nextID
	f.nextID++
	f.records[id] = &fakeRecord{addr: address}
	return id, nil
}

func (f *fakeRecipientRepo) UpdateAddress(_ context.Context, id model.RecipientID, address model.RecipientAddress) error {
	rec, err := f.get(id)
	if err != nil {
		return err
	}
	rec.addr = address
	return nil
}

func (f *fakeRecipientRepo) RemoveAddress(_ context.Context, id model.RecipientID) error {
	rec, err := f.get(id)
	if err != nil {
		return err
	}
	rec.addr = model.RecipientAddress{}
	rec.storageID = nil
	return nil
}

func (f *fakeRecipientRepo) Delete(_ context.Context, id model.RecipientID) error {
	if _, err := f.get(id); err != nil {
		return err
	}
	delete(f.records, id)
	return nil
}

func (f *fakeRecipientRepo) GetContact(_ context.Context, id model.RecipientID) (*model.Contact, error) {
	rec, err := f.get(id)
	if err != nil {
		return nil, err
	}
	return f.contactView(rec), nil
}

func (f *fakeRecipientRepo) SetContact(_ context.Context, id model.RecipientID, contact *model.Contact) error {
	rec, err := f.get(id)
	if err != nil {
		return err
	}
	if contact == nil {
		rec.contact = nil
		rec.unregisteredAt = 0
		return nil
	}
	c := *contact
	rec.unregisteredAt = c.UnregisteredAt
	c.UnregisteredAt = 0
	rec.contact = &c
	return nil
}

func (f *fakeRecipientRepo) GetProfile(_ context.Context, id model.RecipientID) (*model.Profile, error) {
	rec, err := f.get(id)
	if err != nil {
		return nil, err
	}
	return rec.profile, nil
}

func (f *fakeRecipientRepo) SetProfile(_ context.Context, id model.RecipientID, profile *model.Profile) error {
	rec, err := f.get(id)
	if err != nil {
		return err
	}
	rec.profile = profile
	return nil
}

func (f *fakeRecipientRepo) GetProfileKey(_ context.Context, id model.RecipientID) (model.ProfileKey, error) {
	rec, err := f.get(id)
	if err != nil {
		return nil, err
	}
	return rec.profileKey, nil
}

func (f *fakeRecipientRepo) SetProfileKey(_ context.Context, id model.RecipientID, key model.ProfileKey, resetProfileFetch bool) error {
	rec, err := f.get(id)
	if err != nil {
		return err
	}
	rec.profileKey = key
	rec.credential = nil
	if resetProfileFetch && rec.profile != nil {
		rec.profile.LastUpdatedAt = 0
	}
	return nil
}

func (f *fakeRecipientRepo) GetCredential(_ context.Context, id model.RecipientID) (model.ProfileKeyCredential, error) {
	rec, err := f.get(id)
	if err != nil {
		return nil, err
	}
	return rec.credential, nil
}

func (f *fakeRecipientRepo) SetCredential(_ context.Context, id model.RecipientID, credential model.ProfileKeyCredential) error {
	rec, err := f.get(id)
	if err != nil {
		return err
	}
	rec.credential = credential
	return nil
}

func (f *fakeRecipientRepo) GetStorageID(_ context.Context, id model.RecipientID) ([]byte, error) {
	rec, err := f.get(id)
	if err != nil {
		return nil, err
	}
	return rec.storageID, nil
}

func (f *fakeRecipientRepo) SetStorageID(_ context.Context, id model.RecipientID, raw []byte) error {
	rec, err := f.get(id)
	if err != nil {
		return err
	}
	rec.storageID = raw
	return nil
}

func (f *fakeRecipientRepo) ClearStorageID(_ context.Context, raw []byte) error {
	for _, rec := range f.records {
		if bytes.Equal(rec.storageID, raw) {
			rec.storageID = nil
			rec.storageRecord = nil
		}
	}
	return nil
}

func (f *fakeRecipientRepo) SetStorageRecord(_ context.Context, id model.RecipientID, raw, record []byte) error {
	rec, err := f.get(id)
	if err != nil {
		return err
	}
	rec.storageID = raw
	rec.storageRecord = record
	return nil
}

func (f *fakeRecipientRepo) ClearUnregisteredStorageIDs(_ context.Context, raws [][]byte) (int, error) {
	n := 0
	for _, rec := range f.records {
		if rec.unregisteredAt == 0 || rec.storageID == nil {
			continue
		}
		for _, raw := range raws {
			if bytes.Equal(rec.storageID, raw) {
				rec.storageID = nil
				n++
				break
			}
		}
	}
	return n, nil
}

func (f *fakeRecipientRepo) ListStorageIDs(_ context.Context, exclude model.RecipientID) ([]model.StorageID, error) {
	var out []model.StorageID
	for id, rec := range f.records {
		if id == exclude || rec.storageID == nil || rec.addr.IsEmpty() {
			continue
		}
		out = append(out, model.StorageIDForContact(rec.storageID))
	}
	return out, nil
}

func (f *fakeRecipientRepo) ListWithoutStorageID(_ context.Context) ([]model.RecipientID, error) {
	var out []model.RecipientID
	for id, rec := range f.records {
		if rec.storageID == nil && rec.unregisteredAt == 0 && !rec.addr.IsEmpty() {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeRecipientRepo) MarkRegistered(_ context.Context, id model.RecipientID) error {
	rec, err := f.get(id)
	if err != nil {
		return err
	}
	rec.unregisteredAt = 0
	return nil
}

func (f *fakeRecipientRepo) MarkUnregistered(_ context.Context, id model.RecipientID, at int64) error {
	rec, err := f.get(id)
	if err != nil {
		return err
	}
	if rec.unregisteredAt == 0 {
		rec.unregisteredAt = at
	}
	return nil
}

func (f *fakeRecipientRepo) ListContacts(_ context.Context) ([]model.Recipient, error) {
	var out []model.Recipient
	for id, rec := range f.records {
		if rec.contact == nil {
			continue
		}
		out = append(out, model.Recipient{ID: id, Address: rec.addr, Contact: rec.contact})
	}
	return out, nil
}

func (f *fakeRecipientRepo) ListProfileKeys(_ context.Context) (map[uuid.UUID]model.ProfileKey, error) {
	out := map[uuid.UUID]model.ProfileKey{}
	for _, rec := range f.records {
		if rec.addr.AccountID != uuid.Nil && len(rec.profileKey) > 0 {
			out[rec.addr.AccountID] = rec.profileKey
		}
	}
	return out, nil
}

type fixedSelf struct {
	address model.RecipientAddress
	key     model.ProfileKey
}

func (s fixedSelf) SelfAddress() model.RecipientAddress { return s.address }
func (s fixedSelf) SelfProfileKey() model.ProfileKey    { return s.key }

func newTestService(repo *fakeRecipientRepo) (*RecipientService, fixedSelf) {
	self := fixedSelf{
		address: model.RecipientAddress{AccountID: uuid.Must(uuid.NewV4()), Number: "+15550000"},
		key:     model.ProfileKey("self-profile-key"),
	}
	return NewRecipientService(repo, self, nil), self
}

func TestResolve_EmptyAddress(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(newFakeRepo())

	if _, err := s.Resolve(context.Background(), model.RecipientAddress{}); !errors.Is(err, errs.ErrEmptyAddress) {
		t.Fatalf("want ErrEmptyAddress, got %v", err)
	}
}

func TestResolve_SingleKeyCreatesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, _ := newTestService(repo)

	addr := model.RecipientAddress{AccountID: uuid.Must(uuid.NewV4())}
	first, err := s.Resolve(ctx, addr)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := s.Resolve(ctx, addr)
	if err != nil {
		t.Fatalf("Resolve again: %v", err)
	}
	if first != second {
		t.Fatalf("resolve not stable: %v then %v", first, second)
	}
	if len(repo.records) != 1 {
		t.Fatalf("want one record, got %d", len(repo.records))
	}
}

func TestResolveRegistered_RejectsUnregisteredPeer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, _ := newTestService(repo)

	acct := uuid.Must(uuid.NewV4())
	id, _ := repo.Add(ctx, model.RecipientAddress{AccountID: acct})

	got, err := s.ResolveRegistered(ctx, model.RecipientAddress{AccountID: acct})
	if err != nil || got != id {
		t.Fatalf("registered peer must resolve: id=%v err=%v", got, err)
	}

	repo.records[id].unregisteredAt = 12345
	if _, err := s.ResolveRegistered(ctx, model.RecipientAddress{AccountID: acct}); !errors.Is(err, errs.ErrUnregistered) {
		t.Fatalf("want ErrUnregistered, got %v", err)
	}
}

func TestResolveTrusted_MergesNumberIntoAccountRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, _ := newTestService(repo)

	acct := uuid.Must(uuid.NewV4())
	byAccount, _ := repo.Add(ctx, model.RecipientAddress{AccountID: acct})
	byNumber, _ := repo.Add(ctx, model.RecipientAddress{Number: "+15550100"})
	repo.records[byNumber].contact = &model.Contact{GivenName: "Ada"}
	repo.records[byNumber].profileKey = model.ProfileKey("ada-key")

	got, err := s.ResolveTrusted(ctx, model.RecipientAddress{AccountID: acct, Number: "+15550100"}, false)
	if err != nil {
		t.Fatalf("ResolveTrusted: %v", err)
	}
	if got != byAccount {
		t.Fatalf("want winner %v, got %v", byAccount, got)
	}
	if _, ok := repo.records[byNumber]; ok {
		t.Fatalf("absorbed record must be deleted")
	}
	winner := repo.records[byAccount]
	if winner.addr.Number != "+15550100" || winner.addr.AccountID != acct {
		t.Fatalf("winner address after merge: %v", winner.addr)
	}
	if winner.contact == nil || winner.contact.GivenName != "Ada" || !bytes.Equal(winner.profileKey, []byte("ada-key")) {
		t.Fatalf("loser attachments not carried over: %+v", winner)
	}
	if s.ResolveRedirect(byNumber) != byAccount {
		t.Fatalf("retired id must redirect to the survivor")
	}
}

func TestResolveTrusted_WinnerDataNotOverwritten(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, _ := newTestService(repo)

	acct := uuid.Must(uuid.NewV4())
	byAccount, _ := repo.Add(ctx, model.RecipientAddress{AccountID: acct})
	byNumber, _ := repo.Add(ctx, model.RecipientAddress{Number: "+15550100"})
	repo.records[byAccount].profileKey = model.ProfileKey("winner-key")
	repo.records[byNumber].profileKey = model.ProfileKey("loser-key")

	if _, err := s.ResolveTrusted(ctx, model.RecipientAddress{AccountID: acct, Number: "+15550100"}, false); err != nil {
		t.Fatalf("ResolveTrusted: %v", err)
	}
	if !bytes.Equal(repo.records[byAccount].profileKey, []byte("winner-key")) {
		t.Fatalf("winner's key must survive the merge, got %q", repo.records[byAccount].profileKey)
	}
}

func TestResolveTrusted_MergeKeepsCredentialWithCopiedKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, _ := newTestService(repo)

	acct := uuid.Must(uuid.NewV4())
	byAccount, _ := repo.Add(ctx, model.RecipientAddress{AccountID: acct})
	byNumber, _ := repo.Add(ctx, model.RecipientAddress{Number: "+15550100"})
	// The winner holds only a credential; the key comes from the loser, which
	// clears the stored credential as a side effect.
	repo.records[byAccount].credential = model.ProfileKeyCredential("winner-cred")
	repo.records[byNumber].profileKey = model.ProfileKey("loser-key")
	repo.records[byNumber].credential = model.ProfileKeyCredential("loser-cred")

	if _, err := s.ResolveTrusted(ctx, model.RecipientAddress{AccountID: acct, Number: "+15550100"}, false); err != nil {
		t.Fatalf("ResolveTrusted: %v", err)
	}
	winner := repo.records[byAccount]
	if !bytes.Equal(winner.profileKey, []byte("loser-key")) {
		t.Fatalf("loser key must be copied, got %q", winner.profileKey)
	}
	if !bytes.Equal(winner.credential, []byte("loser-cred")) {
		t.Fatalf("winner must end with the loser's credential, got %q", winner.credential)
	}
}

func TestResolveTrusted_MarksRegistered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, _ := newTestService(repo)

	acct := uuid.Must(uuid.NewV4())
	id, _ := repo.Add(ctx, model.RecipientAddress{AccountID: acct})
	repo.records[id].unregisteredAt = 12345

	got, err := s.ResolveTrusted(ctx, model.RecipientAddress{AccountID: acct, Number: "+15550100"}, false)
	if err != nil {
		t.Fatalf("ResolveTrusted: %v", err)
	}
	if got != id || repo.records[id].unregisteredAt != 0 {
		t.Fatalf("record must be marked registered: id=%v at=%d", got, repo.records[id].unregisteredAt)
	}

	// The single-key path clears the marker too, inside one transaction.
	repo.records[id].unregisteredAt = 99
	before := repo.txCount
	if _, err := s.ResolveTrusted(ctx, model.RecipientAddress{AccountID: acct}, false); err != nil {
		t.Fatalf("ResolveTrusted single key: %v", err)
	}
	if repo.records[id].unregisteredAt != 0 {
		t.Fatalf("single-key trusted resolve must clear the marker")
	}
	if repo.txCount != before+1 {
		t.Fatalf("lookup and registration must share one transaction, saw %d", repo.txCount-before)
	}
}

func TestResolveTrusted_SelfAddressSkipsMerge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, self := newTestService(repo)

	selfID, _ := repo.Add(ctx, model.RecipientAddress{AccountID: self.address.AccountID})
	other, _ := repo.Add(ctx, model.RecipientAddress{Number: self.address.Number})

	got, err := s.ResolveTrusted(ctx, self.address, false)
	if err != nil {
		t.Fatalf("ResolveTrusted: %v", err)
	}
	if got != selfID {
		t.Fatalf("want self record %v, got %v", selfID, got)
	}
	if _, ok := repo.records[other]; !ok {
		t.Fatalf("self resolution must never absorb other records")
	}
}

func TestResolveRedirect_FollowsChains(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(newFakeRepo())

	s.merged[model.RecipientID(3)] = model.RecipientID(2)
	s.merged[model.RecipientID(2)] = model.RecipientID(1)

	if got := s.ResolveRedirect(3); got != 1 {
		t.Fatalf("want 1, got %v", got)
	}
	if got := s.ResolveRedirect(7); got != 7 {
		t.Fatalf("unknown ids pass through, got %v", got)
	}
}

func TestMarkUnregistered_SplitsDualIdentityRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, _ := newTestService(repo)

	acct := uuid.Must(uuid.NewV4())
	pseudo := uuid.Must(uuid.NewV4())
	id, _ := repo.Add(ctx, model.RecipientAddress{AccountID: acct, PseudoID: pseudo, Number: "+15550100"})
	repo.records[id].storageID = []byte("old-storage-id00")

	if err := s.MarkUnregistered(ctx, []string{"+15550100"}); err != nil {
		t.Fatalf("MarkUnregistered: %v", err)
	}

	original := repo.records[id]
	if original.unregisteredAt == 0 {
		t.Fatalf("record must carry the unregistered stamp")
	}
	if original.addr != (model.RecipientAddress{AccountID: acct}) {
		t.Fatalf("original must keep only the account id, got %v", original.addr)
	}
	if bytes.Equal(original.storageID, []byte("old-storage-id00")) {
		t.Fatalf("identity change must rotate the storage id")
	}

	split, err := repo.FindByPseudoID(ctx, pseudo)
	if err != nil || split == nil {
		t.Fatalf("split record missing: %v", err)
	}
	if split.Address != (model.RecipientAddress{PseudoID: pseudo, Number: "+15550100"}) {
		t.Fatalf("split record address: %v", split.Address)
	}
}

func TestMarkUnregistered_SingleIdentityRecordNotSplit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, _ := newTestService(repo)

	acct := uuid.Must(uuid.NewV4())
	id, _ := repo.Add(ctx, model.RecipientAddress{AccountID: acct, Number: "+15550100"})

	if err := s.MarkUnregistered(ctx, []string{"+15550100", "+15559999"}); err != nil {
		t.Fatalf("MarkUnregistered: %v", err)
	}
	if len(repo.records) != 1 {
		t.Fatalf("record without a pseudo id must not split, got %d records", len(repo.records))
	}
	if repo.records[id].unregisteredAt == 0 {
		t.Fatalf("record must carry the unregistered stamp")
	}
}

func TestStoreProfileKey_SameKeyIsNoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, _ := newTestService(repo)

	id, _ := repo.Add(ctx, model.RecipientAddress{AccountID: uuid.Must(uuid.NewV4())})
	repo.records[id].profileKey = model.ProfileKey("key-1")
	repo.records[id].credential = model.ProfileKeyCredential("cred-1")
	repo.records[id].profile = &model.Profile{AccessMode: model.UnidentifiedAccessEnabled, LastUpdatedAt: 77}
	repo.records[id].storageID = []byte("stable-storage00")

	if err := s.StoreProfileKey(ctx, id, model.ProfileKey("key-1")); err != nil {
		t.Fatalf("StoreProfileKey: %v", err)
	}
	rec := repo.records[id]
	if !bytes.Equal(rec.credential, []byte("cred-1")) || rec.profile.LastUpdatedAt != 77 {
		t.Fatalf("identical key must not touch the record: %+v", rec)
	}
	if !bytes.Equal(rec.storageID, []byte("stable-storage00")) {
		t.Fatalf("identical key must not rotate the storage id")
	}
}

func TestStoreProfileKey_SameKeyRewrittenWhileAccessUnknown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, _ := newTestService(repo)

	id, _ := repo.Add(ctx, model.RecipientAddress{AccountID: uuid.Must(uuid.NewV4())})
	repo.records[id].profileKey = model.ProfileKey("key-1")
	repo.records[id].credential = model.ProfileKeyCredential("cred-1")
	repo.records[id].profile = &model.Profile{AccessMode: model.UnidentifiedAccessUnknown, LastUpdatedAt: 77}

	if err := s.StoreProfileKey(ctx, id, model.ProfileKey("key-1")); err != nil {
		t.Fatalf("StoreProfileKey: %v", err)
	}
	rec := repo.records[id]
	if rec.credential != nil || rec.profile.LastUpdatedAt != 0 {
		t.Fatalf("unknown access mode must force a refetch: %+v", rec)
	}
}

func TestStoreProfileKey_NewKeyClearsCredential(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, _ := newTestService(repo)

	id, _ := repo.Add(ctx, model.RecipientAddress{AccountID: uuid.Must(uuid.NewV4())})
	repo.records[id].profileKey = model.ProfileKey("key-1")
	repo.records[id].credential = model.ProfileKeyCredential("cred-1")
	repo.records[id].storageID = []byte("stable-storage00")

	if err := s.StoreProfileKey(ctx, id, model.ProfileKey("key-2")); err != nil {
		t.Fatalf("StoreProfileKey: %v", err)
	}
	rec := repo.records[id]
	if !bytes.Equal(rec.profileKey, []byte("key-2")) || rec.credential != nil {
		t.Fatalf("new key must replace old and drop the credential: %+v", rec)
	}
	if bytes.Equal(rec.storageID, []byte("stable-storage00")) {
		t.Fatalf("key change must rotate the storage id")
	}
}

func TestStoreContact_RotatesStorageID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, _ := newTestService(repo)

	id, _ := repo.Add(ctx, model.RecipientAddress{AccountID: uuid.Must(uuid.NewV4())})
	repo.records[id].storageID = []byte("stable-storage00")

	if err := s.StoreContact(ctx, id, &model.Contact{GivenName: "Ada"}); err != nil {
		t.Fatalf("StoreContact: %v", err)
	}
	rec := repo.records[id]
	if rec.contact == nil || rec.contact.GivenName != "Ada" {
		t.Fatalf("contact not stored: %+v", rec.contact)
	}
	if bytes.Equal(rec.storageID, []byte("stable-storage00")) {
		t.Fatalf("contact change must rotate the storage id")
	}
}

func TestGetStorageID_LazilyAssignsAndIsStable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, _ := newTestService(repo)

	id, _ := repo.Add(ctx, model.RecipientAddress{Number: "+15550100"})

	first, err := s.GetStorageID(ctx, id)
	if err != nil {
		t.Fatalf("GetStorageID: %v", err)
	}
	if first.Type != model.RecordTypeContact || len(first.Raw) != model.StorageIDLength {
		t.Fatalf("unexpected storage id: %+v", first)
	}
	second, err := s.GetStorageID(ctx, id)
	if err != nil {
		t.Fatalf("GetStorageID again: %v", err)
	}
	if !first.Equal(second) {
		t.Fatalf("storage id must be stable between reads")
	}

	rotated, err := s.RotateStorageID(ctx, id)
	if err != nil {
		t.Fatalf("RotateStorageID: %v", err)
	}
	if rotated.Equal(first) {
		t.Fatalf("rotation must produce a fresh id")
	}
}

func TestGetSelfStorageID_AccountTyped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, _ := newTestService(repo)

	storageID, err := s.GetSelfStorageID(ctx)
	if err != nil {
		t.Fatalf("GetSelfStorageID: %v", err)
	}
	if storageID.Type != model.RecordTypeAccount || len(storageID.Raw) != model.StorageIDLength {
		t.Fatalf("unexpected self storage id: %+v", storageID)
	}
}

func TestStoreStorageRecord_TransfersOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, _ := newTestService(repo)

	holder, _ := repo.Add(ctx, model.RecipientAddress{Number: "+15550100"})
	target, _ := repo.Add(ctx, model.RecipientAddress{Number: "+15550200"})
	raw := []byte("shared-storage00")
	repo.records[holder].storageID = raw
	repo.records[holder].storageRecord = []byte("stale")

	if err := s.StoreStorageRecord(ctx, target, model.StorageIDForContact(raw), []byte("payload")); err != nil {
		t.Fatalf("StoreStorageRecord: %v", err)
	}
	if repo.records[holder].storageID != nil {
		t.Fatalf("previous holder must lose the id")
	}
	got := repo.records[target]
	if !bytes.Equal(got.storageID, raw) || !bytes.Equal(got.storageRecord, []byte("payload")) {
		t.Fatalf("target record: %+v", got)
	}
}

func TestListStorageIDs_ExcludesSelf(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, self := newTestService(repo)

	selfID, _ := repo.Add(ctx, model.RecipientAddress{AccountID: self.address.AccountID})
	repo.records[selfID].storageID = []byte("self-storage-id0")
	peer, _ := repo.Add(ctx, model.RecipientAddress{Number: "+15550100"})
	repo.records[peer].storageID = []byte("peer-storage-id0")

	ids, err := s.ListStorageIDs(ctx)
	if err != nil {
		t.Fatalf("ListStorageIDs: %v", err)
	}
	if len(ids) != 1 || !bytes.Equal(ids[0].Raw, []byte("peer-storage-id0")) {
		t.Fatalf("want only the peer id, got %v", ids)
	}
}

func TestAssignMissingStorageIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, _ := newTestService(repo)

	a, _ := repo.Add(ctx, model.RecipientAddress{Number: "+15550100"})
	b, _ := repo.Add(ctx, model.RecipientAddress{Number: "+15550200"})
	repo.records[b].storageID = []byte("existing-storage")
	unreg, _ := repo.Add(ctx, model.RecipientAddress{Number: "+15550300"})
	repo.records[unreg].unregisteredAt = 99

	if err := s.AssignMissingStorageIDs(ctx); err != nil {
		t.Fatalf("AssignMissingStorageIDs: %v", err)
	}
	if repo.records[a].storageID == nil {
		t.Fatalf("registered record must get an id")
	}
	if !bytes.Equal(repo.records[b].storageID, []byte("existing-storage")) {
		t.Fatalf("existing id must not be replaced")
	}
	if repo.records[unreg].storageID != nil {
		t.Fatalf("unregistered record must stay without an id")
	}
}

func TestRemoveStorageIDsFromUnregistered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, _ := newTestService(repo)

	reg, _ := repo.Add(ctx, model.RecipientAddress{Number: "+15550100"})
	repo.records[reg].storageID = []byte("registered-id000")
	unreg, _ := repo.Add(ctx, model.RecipientAddress{Number: "+15550200"})
	repo.records[unreg].storageID = []byte("unregistered-id0")
	repo.records[unreg].unregisteredAt = 99

	n, err := s.RemoveStorageIDsFromUnregistered(ctx, []model.StorageID{
		model.StorageIDForContact([]byte("registered-id000")),
		model.StorageIDForContact([]byte("unregistered-id0")),
	})
	if err != nil {
		t.Fatalf("RemoveStorageIDsFromUnregistered: %v", err)
	}
	if n != 1 || repo.records[unreg].storageID != nil || repo.records[reg].storageID == nil {
		t.Fatalf("only unregistered records lose their id: n=%d", n)
	}
}

func TestDeleteRecipientData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, _ := newTestService(repo)

	id, _ := repo.Add(ctx, model.RecipientAddress{Number: "+15550100"})
	repo.records[id].contact = &model.Contact{GivenName: "Ada"}
	repo.records[id].profileKey = model.ProfileKey("key")

	if err := s.DeleteRecipientData(ctx, id); err != nil {
		t.Fatalf("DeleteRecipientData: %v", err)
	}
	if _, ok := repo.records[id]; ok {
		t.Fatalf("record must be gone")
	}
}

func TestGetProfileKey_SelfComesFromProvider(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, self := newTestService(repo)

	selfID, _ := repo.Add(ctx, model.RecipientAddress{AccountID: self.address.AccountID})
	repo.records[selfID].profileKey = model.ProfileKey("stale-stored-key")
	peer, _ := repo.Add(ctx, model.RecipientAddress{AccountID: uuid.Must(uuid.NewV4())})
	repo.records[peer].profileKey = model.ProfileKey("peer-key")

	got, err := s.GetProfileKey(ctx, selfID)
	if err != nil {
		t.Fatalf("GetProfileKey(self): %v", err)
	}
	if !bytes.Equal(got, self.key) {
		t.Fatalf("self key must come from the provider, got %q", got)
	}
	got, err = s.GetProfileKey(ctx, peer)
	if err != nil {
		t.Fatalf("GetProfileKey(peer): %v", err)
	}
	if !bytes.Equal(got, []byte("peer-key")) {
		t.Fatalf("peer key must come from storage, got %q", got)
	}
}

func TestServiceIDProfileKeys_SubstitutesSelf(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := newFakeRepo()
	s, self := newTestService(repo)

	selfID, _ := repo.Add(ctx, model.RecipientAddress{AccountID: self.address.AccountID})
	repo.records[selfID].profileKey = model.ProfileKey("stale-stored-key")
	peerAcct := uuid.Must(uuid.NewV4())
	peer, _ := repo.Add(ctx, model.RecipientAddress{AccountID: peerAcct})
	repo.records[peer].profileKey = model.ProfileKey("peer-key")

	keys, err := s.ServiceIDProfileKeys(ctx)
	if err != nil {
		t.Fatalf("ServiceIDProfileKeys: %v", err)
	}
	if !bytes.Equal(keys[self.address.AccountID], self.key) {
		t.Fatalf("self key not substituted: %q", keys[self.address.AccountID])
	}
	if !bytes.Equal(keys[peerAcct], []byte("peer-key")) {
		t.Fatalf("peer key wrong: %q", keys[peerAcct])
	}
}
