package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/firedexofficial/signal-cli/internal/errs"
	"github.com/firedexofficial/signal-cli/internal/model"
	"github.com/firedexofficial/signal-cli/internal/repository"
)

// sqlIsContact mirrors the presence rule for the contact attachment: a record
// is a contact once any locally assigned contact field is set.
const sqlIsContact = `(r.given_name IS NOT NULL OR r.family_name IS NOT NULL OR r.nick_name IS NOT NULL
 OR r.expiration_time > 0 OR r.profile_sharing OR r.color IS NOT NULL OR r.blocked OR r.archived)`

const sqlAddressCols = `r.id, r.account_id, r.pseudo_id, r.number, r.username`

const sqlRecipientCols = sqlAddressCols + `,
 r.profile_key, r.profile_key_credential,
 r.given_name, r.family_name, r.nick_name, r.color, r.expiration_time, r.mute_until,
 r.hide_story, r.blocked, r.archived, r.profile_sharing, r.hidden, r.unregistered_at,
 r.profile_last_update, r.profile_given_name, r.profile_family_name, r.profile_about,
 r.profile_about_emoji, r.profile_avatar_url_path, r.profile_access_mode, r.profile_capabilities,
 r.storage_record`

// queries implements repository.RecipientQueries on top of either a pool
// (autocommit) or a pgx transaction.
type queries struct{ db dbtx }

// RecipientRepo implements RecipientRepository using PostgreSQL.
type RecipientRepo struct {
	queries
	pool PgxPool
}

// NewRecipientRepo constructs a recipient repository.
func NewRecipientRepo(db *DB) *RecipientRepo {
	return &RecipientRepo{queries: queries{db: db.Pool}, pool: db.Pool}
}

// InTx runs fn inside a single transaction, rolling back on error.
func (r *RecipientRepo) InTx(ctx context.Context, fn func(q repository.RecipientQueries) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()
	err = fn(&queries{db: tx})
	return err
}

func (q *queries) FindByAccountID(ctx context.Context, accountID uuid.UUID) (*model.RecipientWithAddress, error) {
	return q.findOne(ctx, "r.account_id = $1", accountID)
}

func (q *queries) FindByPseudoID(ctx context.Context, pseudoID uuid.UUID) (*model.RecipientWithAddress, error) {
	return q.findOne(ctx, "r.pseudo_id = $1", pseudoID)
}

func (q *queries) FindByNumber(ctx context.Context, number string) (*model.RecipientWithAddress, error) {
	return q.findOne(ctx, "r.number = $1", number)
}

func (q *queries) FindByUsername(ctx context.Context, username string) (*model.RecipientWithAddress, error) {
	return q.findOne(ctx, "r.username = $1", username)
}

func (q *queries) findOne(ctx context.Context, where string, arg any) (*model.RecipientWithAddress, error) {
	row := q.db.QueryRow(ctx, `SELECT `+sqlAddressCols+` FROM recipient r WHERE `+where+` LIMIT 1`, arg)
	rec, err := scanWithAddress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (q *queries) GetAddress(ctx context.Context, id model.RecipientID) (model.RecipientAddress, error) {
	row := q.db.QueryRow(ctx, `SELECT `+sqlAddressCols+` FROM recipient r WHERE r.id = $1`, int64(id))
	rec, err := scanWithAddress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RecipientAddress{}, errs.ErrNotFound
	}
	if err != nil {
		return model.RecipientAddress{}, err
	}
	return rec.Address, nil
}

func (q *queries) GetRecipient(ctx context.Context, id model.RecipientID) (*model.Recipient, error) {
	row := q.db.QueryRow(ctx, `SELECT `+sqlRecipientCols+` FROM recipient r WHERE r.id = $1`, int64(id))
	rec, err := scanRecipient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (q *queries) Add(ctx context.Context, address model.RecipientAddress) (model.RecipientID, error) {
	const ins = `INSERT INTO recipient (account_id, pseudo_id, number, username) VALUES ($1,$2,$3,$4) RETURNING id`
	var raw int64
	err := q.db.QueryRow(ctx, ins,
		nullUUID(address.AccountID), nullUUID(address.PseudoID),
		nullStr(address.Number), nullStr(address.Username)).Scan(&raw)
	if err != nil {
		return 0, err
	}
	return model.RecipientID(raw), nil
}

func (q *queries) UpdateAddress(ctx context.Context, id model.RecipientID, address model.RecipientAddress) error {
	const upd = `UPDATE recipient SET account_id=$1, pseudo_id=$2, number=$3, username=$4 WHERE id=$5`
	_, err := q.db.Exec(ctx, upd,
		nullUUID(address.AccountID), nullUUID(address.PseudoID),
		nullStr(address.Number), nullStr(address.Username), int64(id))
	return err
}

func (q *queries) RemoveAddress(ctx context.Context, id model.RecipientID) error {
	const upd = `UPDATE recipient SET account_id=NULL, pseudo_id=NULL, number=NULL, username=NULL, storage_id=NULL WHERE id=$1`
	_, err := q.db.Exec(ctx, upd, int64(id))
	return err
}

func (q *queries) Delete(ctx context.Context, id model.RecipientID) error {
	_, err := q.db.Exec(ctx, `DELETE FROM recipient WHERE id=$1`, int64(id))
	return err
}

func (q *queries) GetContact(ctx context.Context, id model.RecipientID) (*model.Contact, error) {
	rec, err := q.GetRecipient(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Contact, nil
}

func (q *queries) SetContact(ctx context.Context, id model.RecipientID, contact *model.Contact) error {
	const upd = `UPDATE recipient
 SET given_name=$1, family_name=$2, nick_name=$3, color=$4, expiration_time=$5, mute_until=$6,
     hide_story=$7, blocked=$8, archived=$9, profile_sharing=$10, hidden=$11, unregistered_at=$12
 WHERE id=$13`
	if contact == nil {
		contact = &model.Contact{}
	}
	_, err := q.db.Exec(ctx, upd,
		nullStr(contact.GivenName), nullStr(contact.FamilyName), nullStr(contact.NickName),
		nullStr(contact.Color), contact.ExpirationTime, contact.MuteUntil,
		contact.HideStory, contact.Blocked, contact.Archived, contact.ProfileSharing, contact.Hidden,
		nullInt(contact.UnregisteredAt), int64(id))
	return err
}

func (q *queries) GetProfile(ctx context.Context, id model.RecipientID) (*model.Profile, error) {
	rec, err := q.GetRecipient(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Profile, nil
}

func (q *queries) SetProfile(ctx context.Context, id model.RecipientID, profile *model.Profile) error {
	const upd = `UPDATE recipient
 SET profile_last_update=$1, profile_given_name=$2, profile_family_name=$3, profile_about=$4,
     profile_about_emoji=$5, profile_avatar_url_path=$6, profile_access_mode=$7, profile_capabilities=$8
 WHERE id=$9`
	if profile == nil {
		_, err := q.db.Exec(ctx, upd, 0, nil, nil, nil, nil, nil, nil, nil, int64(id))
		return err
	}
	_, err := q.db.Exec(ctx, upd,
		int64(profile.LastUpdatedAt),
		nullStr(profile.GivenName), nullStr(profile.FamilyName), nullStr(profile.About),
		nullStr(profile.AboutEmoji), nullStr(profile.AvatarURLPath),
		string(profile.AccessMode), strings.Join(profile.Capabilities, ","), int64(id))
	return err
}

func (q *queries) GetProfileKey(ctx context.Context, id model.RecipientID) (model.ProfileKey, error) {
	var key []byte
	err := q.db.QueryRow(ctx, `SELECT r.profile_key FROM recipient r WHERE r.id = $1`, int64(id)).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.ProfileKey(key), nil
}

func (q *queries) SetProfileKey(ctx context.Context, id model.RecipientID, key model.ProfileKey, resetProfileFetch bool) error {
	upd := `UPDATE recipient SET profile_key=$1, profile_key_credential=NULL WHERE id=$2`
	if resetProfileFetch {
		upd = `UPDATE recipient SET profile_key=$1, profile_key_credential=NULL, profile_last_update=0 WHERE id=$2`
	}
	_, err := q.db.Exec(ctx, upd, nullBytes(key), int64(id))
	return err
}

func (q *queries) GetCredential(ctx context.Context, id model.RecipientID) (model.ProfileKeyCredential, error) {
	var cred []byte
	err := q.db.QueryRow(ctx, `SELECT r.profile_key_credential FROM recipient r WHERE r.id = $1`, int64(id)).Scan(&cred)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.ProfileKeyCredential(cred), nil
}

func (q *queries) SetCredential(ctx context.Context, id model.RecipientID, credential model.ProfileKeyCredential) error {
	_, err := q.db.Exec(ctx, `UPDATE recipient SET profile_key_credential=$1 WHERE id=$2`,
		nullBytes(credential), int64(id))
	return err
}

func (q *queries) GetStorageID(ctx context.Context, id model.RecipientID) ([]byte, error) {
	var raw []byte
	err := q.db.QueryRow(ctx, `SELECT r.storage_id FROM recipient r WHERE r.id = $1`, int64(id)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (q *queries) SetStorageID(ctx context.Context, id model.RecipientID, raw []byte) error {
	_, err := q.db.Exec(ctx, `UPDATE recipient SET storage_id=$1 WHERE id=$2`, raw, int64(id))
	return err
}

func (q *queries) ClearStorageID(ctx context.Context, raw []byte) error {
	_, err := q.db.Exec(ctx, `UPDATE recipient SET storage_id=NULL WHERE storage_id=$1`, raw)
	return err
}

func (q *queries) SetStorageRecord(ctx context.Context, id model.RecipientID, raw, record []byte) error {
	_, err := q.db.Exec(ctx, `UPDATE recipient SET storage_id=$1, storage_record=$2 WHERE id=$3`,
		raw, nullBytes(record), int64(id))
	return err
}

func (q *queries) ClearUnregisteredStorageIDs(ctx context.Context, raws [][]byte) (int, error) {
	const upd = `UPDATE recipient SET storage_id=NULL WHERE storage_id=$1 AND unregistered_at IS NOT NULL`
	count := 0
	for _, raw := range raws {
		tag, err := q.db.Exec(ctx, upd, raw)
		if err != nil {
			return count, err
		}
		count += int(tag.RowsAffected())
	}
	return count, nil
}

func (q *queries) ListStorageIDs(ctx context.Context, exclude model.RecipientID) ([]model.StorageID, error) {
	const sel = `SELECT r.storage_id FROM recipient r
 WHERE r.storage_id IS NOT NULL AND r.id != $1 AND (r.account_id IS NOT NULL OR r.pseudo_id IS NOT NULL)`
	rows, err := q.db.Query(ctx, sel, int64(exclude))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StorageID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, model.StorageIDForContact(raw))
	}
	return out, rows.Err()
}

func (q *queries) ListWithoutStorageID(ctx context.Context) ([]model.RecipientID, error) {
	const sel = `SELECT r.id FROM recipient r WHERE r.storage_id IS NULL AND r.unregistered_at IS NULL`
	rows, err := q.db.Query(ctx, sel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RecipientID
	for rows.Next() {
		var raw int64
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		out = append(out, model.RecipientID(raw))
	}
	return out, rows.Err()
}

func (q *queries) MarkRegistered(ctx context.Context, id model.RecipientID) error {
	_, err := q.db.Exec(ctx, `UPDATE recipient SET unregistered_at=NULL WHERE id=$1`, int64(id))
	return err
}

func (q *queries) MarkUnregistered(ctx context.Context, id model.RecipientID, at int64) error {
	_, err := q.db.Exec(ctx, `UPDATE recipient SET unregistered_at=$1 WHERE id=$2 AND unregistered_at IS NULL`,
		at, int64(id))
	return err
}

func (q *queries) ListContacts(ctx context.Context) ([]model.Recipient, error) {
	sel := `SELECT ` + sqlRecipientCols + ` FROM recipient r
 WHERE (r.number IS NOT NULL OR r.account_id IS NOT NULL) AND ` + sqlIsContact + ` AND NOT r.hidden`
	rows, err := q.db.Query(ctx, sel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (q *queries) ListProfileKeys(ctx context.Context) (map[uuid.UUID]model.ProfileKey, error) {
	const sel = `SELECT r.account_id, r.profile_key FROM recipient r
 WHERE r.account_id IS NOT NULL AND r.profile_key IS NOT NULL`
	rows, err := q.db.Query(ctx, sel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.ProfileKey)
	for rows.Next() {
		var (
			accountID uuid.UUID
			key       []byte
		)
		if err := rows.Scan(&accountID, &key); err != nil {
			return nil, err
		}
		out[accountID] = model.ProfileKey(key)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface{ Scan(dest ...any) error }

func scanWithAddress(row rowScanner) (*model.RecipientWithAddress, error) {
	var (
		id               int64
		account, pseudo  uuid.NullUUID
		number, username sql.NullString
	)
	if err := row.Scan(&id, &account, &pseudo, &number, &username); err != nil {
		return nil, err
	}
	return &model.RecipientWithAddress{
		ID: model.RecipientID(id),
		Address: model.RecipientAddress{
			AccountID: account.UUID,
			PseudoID:  pseudo.UUID,
			Number:    number.String,
			Username:  username.String,
		},
	}, nil
}

func scanRecipient(row rowScanner) (*model.Recipient, error) {
	var (
		id                       int64
		account, pseudo          uuid.NullUUID
		number, username         sql.NullString
		profileKey, credential   []byte
		given, family, nick      sql.NullString
		color                    sql.NullString
		expiration               int
		muteUntil                int64
		hideStory, blocked       bool
		archived, sharing        bool
		hidden                   bool
		unregisteredAt           sql.NullInt64
		profileLastUpdate        int64
		pGiven, pFamily, pAbout  sql.NullString
		pEmoji, pAvatar, pAccess sql.NullString
		pCapabilities            sql.NullString
		storageRecord            []byte
	)
	err := row.Scan(&id, &account, &pseudo, &number, &username,
		&profileKey, &credential,
		&given, &family, &nick, &color, &expiration, &muteUntil,
		&hideStory, &blocked, &archived, &sharing, &hidden, &unregisteredAt,
		&profileLastUpdate, &pGiven, &pFamily, &pAbout,
		&pEmoji, &pAvatar, &pAccess, &pCapabilities,
		&storageRecord)
	if err != nil {
		return nil, err
	}

	rec := &model.Recipient{
		ID: model.RecipientID(id),
		Address: model.RecipientAddress{
			AccountID: account.UUID,
			PseudoID:  pseudo.UUID,
			Number:    number.String,
			Username:  username.String,
		},
		ProfileKey:    model.ProfileKey(profileKey),
		Credential:    model.ProfileKeyCredential(credential),
		StorageRecord: storageRecord,
	}

	isContact := given.Valid || family.Valid || nick.Valid || color.Valid ||
		expiration > 0 || sharing || blocked || archived || unregisteredAt.Valid
	if isContact {
		rec.Contact = &model.Contact{
			GivenName:      given.String,
			FamilyName:     family.String,
			NickName:       nick.String,
			Color:          color.String,
			ExpirationTime: expiration,
			MuteUntil:      muteUntil,
			HideStory:      hideStory,
			Blocked:        blocked,
			Archived:       archived,
			ProfileSharing: sharing,
			Hidden:         hidden,
			UnregisteredAt: unregisteredAt.Int64,
		}
	}

	// Capabilities mark profile presence: SetProfile always writes the column.
	if pCapabilities.Valid {
		var caps []string
		if pCapabilities.String != "" {
			caps = strings.Split(pCapabilities.String, ",")
		}
		rec.Profile = &model.Profile{
			LastUpdatedAt: uint64(profileLastUpdate),
			GivenName:     pGiven.String,
			FamilyName:    pFamily.String,
			About:         pAbout.String,
			AboutEmoji:    pEmoji.String,
			AvatarURLPath: pAvatar.String,
			AccessMode:    model.AccessModeOrUnknown(pAccess.String),
			Capabilities:  caps,
		}
	}
	return rec, nil
}

func nullUUID(u uuid.UUID) any {
	if u == uuid.Nil {
		return nil
	}
	return u
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
