// Package postgres is the durable PostgreSQL-backed Store: database/sql
// over github.com/lib/pq, every error wrapped with github.com/pkg/errors,
// explicit Begin/Commit-or-Rollback transactions around every multi-row
// write.
package postgres

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pep-project/pepengine-go/identity"
	"github.com/pep-project/pepengine-go/status"
	"github.com/pep-project/pepengine-go/store"
)

// schemaVersion is the version this build of the store knows how to
// speak. Bump alongside adding a step to upgradeFrom.
const schemaVersion = 1

type pgStore struct {
	db *sql.DB
}

var _ store.Store = (*pgStore)(nil)

// Dial opens a PostgreSQL-backed Store at the given database URL.
func Dial(url string) (store.Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return New(db)
}

// New wraps an existing *sql.DB as a Store, creating and upgrading the
// schema as needed.
func New(db *sql.DB) (store.Store, error) {
	st := &pgStore{db: db}
	if err := st.migrate(); err != nil {
		return nil, errors.Wrap(err, "failed to migrate schema")
	}
	return st, nil
}

var createTableSQL = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS person (
		user_id TEXT NOT NULL PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		default_fingerprint TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		is_peer_protocol_user BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS identity (
		address TEXT NOT NULL,
		user_id TEXT NOT NULL REFERENCES person(user_id),
		username TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL DEFAULT '',
		comm_type INTEGER NOT NULL DEFAULT 0,
		lang TEXT NOT NULL DEFAULT '',
		flags BIGINT NOT NULL DEFAULT 0,
		version_major INTEGER NOT NULL DEFAULT 0,
		version_minor INTEGER NOT NULL DEFAULT 0,
		ctime TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
		echo_challenge BYTEA,
		PRIMARY KEY (address, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS pgp_keypair (
		fingerprint TEXT NOT NULL PRIMARY KEY,
		ctime TIMESTAMP WITH TIME ZONE,
		expires TIMESTAMP WITH TIME ZONE,
		revoked BOOLEAN NOT NULL DEFAULT FALSE,
		has_private BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS trust (
		user_id TEXT NOT NULL REFERENCES person(user_id),
		fingerprint TEXT NOT NULL REFERENCES pgp_keypair(fingerprint),
		comm_type INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, fingerprint)
	)`,
	`CREATE TABLE IF NOT EXISTS alternate_user_id (
		alternate_user_id TEXT NOT NULL PRIMARY KEY,
		canonical_user_id TEXT NOT NULL REFERENCES person(user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS mistrusted_keys (
		fingerprint TEXT NOT NULL PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS blacklist_keys (
		fingerprint TEXT NOT NULL PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS revoked_keys (
		revoked_fpr TEXT NOT NULL PRIMARY KEY,
		replacement_fpr TEXT NOT NULL,
		epoch TIMESTAMP WITH TIME ZONE NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS revocation_contact_list (
		revoked_fpr TEXT NOT NULL,
		own_address TEXT NOT NULL,
		contact_user_id TEXT NOT NULL,
		PRIMARY KEY (revoked_fpr, own_address, contact_user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS social_graph (
		own_user_id TEXT NOT NULL,
		own_address TEXT NOT NULL,
		contact_user_id TEXT NOT NULL,
		PRIMARY KEY (own_user_id, own_address, contact_user_id)
	)`,
}

// migrate creates the schema if absent and brings an existing one up to
// schemaVersion, tolerating a database that was left mid-upgrade by a
// previous, killed process.
func (st *pgStore) migrate() error {
	for _, stmt := range createTableSQL {
		if _, err := st.db.Exec(stmt); err != nil {
			return errors.WithStack(err)
		}
	}

	current, err := st.readSchemaVersion()
	if err != nil {
		return err
	}
	if current > schemaVersion {
		return status.New(status.DbDowngradeViolation)
	}
	if current == 0 {
		if _, err := st.db.Exec(`INSERT INTO schema_version (version) VALUES ($1)`, schemaVersion); err != nil {
			return errors.WithStack(err)
		}
		return nil
	}
	for v := current; v < schemaVersion; v++ {
		if err := st.upgradeFrom(v); err != nil {
			return errors.Wrapf(err, "upgrading schema from version %d", v)
		}
	}
	if current != schemaVersion {
		if _, err := st.db.Exec(`UPDATE schema_version SET version = $1`, schemaVersion); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (st *pgStore) readSchemaVersion() (int, error) {
	row := st.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, errors.WithStack(err)
	}
	return v, nil
}

// upgradeFrom applies the single migration step from version v to v+1.
// There is exactly one version today, so this has nothing to do yet; it
// exists so that adding version 2 means adding one case here, following
// the idempotent, column-presence-gated style the original source uses
// in upgrade_add_echo_challange_field.
func (st *pgStore) upgradeFrom(v int) error {
	switch v {
	default:
		return errors.Errorf("no migration known from schema version %d", v)
	}
}

func (st *pgStore) SchemaVersion() (int, error) {
	return st.readSchemaVersion()
}

func (st *pgStore) Close() error {
	return errors.WithStack(st.db.Close())
}

func (st *pgStore) GetIdentity(address string, userID identity.UserId) (*identity.Identity, error) {
	row := st.db.QueryRow(`SELECT address, user_id, username, fingerprint, comm_type, lang, flags,
		version_major, version_minor, ctime, echo_challenge
		FROM identity WHERE address = $1 AND user_id = $2`, address, string(userID))
	id, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, status.New(status.CannotFindIdentity)
	} else if err != nil {
		return nil, errors.WithStack(err)
	}
	return id, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIdentity(row rowScanner) (*identity.Identity, error) {
	var id identity.Identity
	var userID, fpr string
	var ctime time.Time
	var echoChallenge []byte
	err := row.Scan(&id.Address, &userID, &id.Username, &fpr, &id.CommType, &id.Language, &id.Flags,
		&id.Version.Major, &id.Version.Minor, &ctime, &echoChallenge)
	if err != nil {
		return nil, err
	}
	id.UserId = identity.UserId(userID)
	id.Fingerprint = identity.Fingerprint(fpr)
	id.Created = ctime
	id.EchoChallenge = echoChallenge
	return &id, nil
}

func (st *pgStore) FindIdentitiesByAddress(address string) ([]*identity.Identity, error) {
	rows, err := st.db.Query(`SELECT address, user_id, username, fingerprint, comm_type, lang, flags,
		version_major, version_minor, ctime, echo_challenge
		FROM identity WHERE address = $1 ORDER BY ctime DESC`, address)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var result []*identity.Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		result = append(result, id)
	}
	return result, errors.WithStack(rows.Err())
}

// SetIdentity transactionally upserts Person + Identity, plus Trust when
// a fingerprint is present.
func (st *pgStore) SetIdentity(ident *identity.Identity) (retErr error) {
	tx, err := st.db.Begin()
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if retErr != nil {
			tx.Rollback()
		} else {
			retErr = tx.Commit()
		}
	}()

	if _, err := tx.Exec(`INSERT INTO person (user_id, username, language)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO NOTHING`,
		string(ident.UserId), ident.Username, ident.Language); err != nil {
		return errors.WithStack(err)
	}

	if _, err := tx.Exec(`INSERT INTO identity (address, user_id, username, fingerprint, comm_type, lang,
			flags, version_major, version_minor, ctime, echo_challenge)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (address, user_id) DO UPDATE SET
			username = EXCLUDED.username,
			fingerprint = EXCLUDED.fingerprint,
			comm_type = EXCLUDED.comm_type,
			lang = EXCLUDED.lang,
			flags = EXCLUDED.flags,
			version_major = EXCLUDED.version_major,
			version_minor = EXCLUDED.version_minor,
			echo_challenge = EXCLUDED.echo_challenge`,
		ident.Address, string(ident.UserId), ident.Username, string(ident.Fingerprint), ident.CommType,
		ident.Language, ident.Flags, ident.Version.Major, ident.Version.Minor, timeOrNow(ident.Created),
		ident.EchoChallenge); err != nil {
		return errors.WithStack(err)
	}

	if ident.Fingerprint != "" {
		if _, err := tx.Exec(`INSERT INTO pgp_keypair (fingerprint) VALUES ($1)
			ON CONFLICT (fingerprint) DO NOTHING`, string(ident.Fingerprint)); err != nil {
			return errors.WithStack(err)
		}
		if _, err := tx.Exec(`INSERT INTO trust (user_id, fingerprint, comm_type)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id, fingerprint) DO UPDATE SET comm_type = EXCLUDED.comm_type`,
			string(ident.UserId), string(ident.Fingerprint), ident.CommType); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

// RenameIdentityUserID cascades a TOFU -> real UserId rewrite across
// identity, trust and social_graph rows in one transaction.
func (st *pgStore) RenameIdentityUserID(address string, from, to identity.UserId) (retErr error) {
	tx, err := st.db.Begin()
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if retErr != nil {
			tx.Rollback()
		} else {
			retErr = tx.Commit()
		}
	}()

	if _, err := tx.Exec(`INSERT INTO person (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, string(to)); err != nil {
		return errors.WithStack(err)
	}
	if _, err := tx.Exec(`UPDATE identity SET user_id = $1 WHERE address = $2 AND user_id = $3`,
		string(to), address, string(from)); err != nil {
		return errors.WithStack(err)
	}
	if _, err := tx.Exec(`UPDATE trust SET user_id = $1 WHERE user_id = $2`, string(to), string(from)); err != nil {
		return errors.WithStack(err)
	}
	if _, err := tx.Exec(`UPDATE social_graph SET contact_user_id = $1 WHERE contact_user_id = $2`,
		string(to), string(from)); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (st *pgStore) GetPerson(userID identity.UserId) (*identity.Person, error) {
	row := st.db.QueryRow(`SELECT user_id, username, default_fingerprint, language, is_peer_protocol_user
		FROM person WHERE user_id = $1`, string(userID))
	var p identity.Person
	var uid, fpr string
	if err := row.Scan(&uid, &p.Username, &fpr, &p.Language, &p.IsPeerProtocolUser); err != nil {
		if err == sql.ErrNoRows {
			return nil, status.New(status.CannotFindIdentity)
		}
		return nil, errors.WithStack(err)
	}
	p.UserId = identity.UserId(uid)
	p.DefaultFingerprint = identity.Fingerprint(fpr)
	return &p, nil
}

func (st *pgStore) SetPerson(p *identity.Person) error {
	_, err := st.db.Exec(`INSERT INTO person (user_id, username, default_fingerprint, language, is_peer_protocol_user)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			username = EXCLUDED.username,
			default_fingerprint = EXCLUDED.default_fingerprint,
			language = EXCLUDED.language,
			is_peer_protocol_user = EXCLUDED.is_peer_protocol_user`,
		string(p.UserId), p.Username, string(p.DefaultFingerprint), p.Language, p.IsPeerProtocolUser)
	return errors.WithStack(err)
}

func (st *pgStore) GetTrust(userID identity.UserId, fpr identity.Fingerprint) (*identity.Trust, error) {
	row := st.db.QueryRow(`SELECT user_id, fingerprint, comm_type FROM trust WHERE user_id = $1 AND fingerprint = $2`,
		string(userID), string(fpr))
	var t identity.Trust
	var uid, f string
	if err := row.Scan(&uid, &f, &t.CommType); err != nil {
		if err == sql.ErrNoRows {
			return nil, status.New(status.CannotFindIdentity)
		}
		return nil, errors.WithStack(err)
	}
	t.UserId = identity.UserId(uid)
	t.Fingerprint = identity.Fingerprint(f)
	return &t, nil
}

func (st *pgStore) SetTrust(t *identity.Trust) error {
	if _, err := st.db.Exec(`INSERT INTO pgp_keypair (fingerprint) VALUES ($1) ON CONFLICT (fingerprint) DO NOTHING`,
		string(t.Fingerprint)); err != nil {
		return errors.WithStack(err)
	}
	_, err := st.db.Exec(`INSERT INTO trust (user_id, fingerprint, comm_type) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, fingerprint) DO UPDATE SET comm_type = EXCLUDED.comm_type`,
		string(t.UserId), string(t.Fingerprint), t.CommType)
	return errors.WithStack(err)
}

func (st *pgStore) DeleteTrust(userID identity.UserId, fpr identity.Fingerprint) error {
	_, err := st.db.Exec(`DELETE FROM trust WHERE user_id = $1 AND fingerprint = $2`, string(userID), string(fpr))
	return errors.WithStack(err)
}

func (st *pgStore) SetTrustCommTypeForFingerprint(fpr identity.Fingerprint, ct identity.CommType) error {
	_, err := st.db.Exec(`UPDATE trust SET comm_type = $1 WHERE fingerprint = $2`, ct, string(fpr))
	return errors.WithStack(err)
}

func (st *pgStore) GetKey(fpr identity.Fingerprint) (*identity.Key, error) {
	row := st.db.QueryRow(`SELECT fingerprint, ctime, expires, revoked, has_private FROM pgp_keypair WHERE fingerprint = $1`,
		string(fpr))
	var k identity.Key
	var f string
	var ctime, expires sql.NullTime
	if err := row.Scan(&f, &ctime, &expires, &k.Revoked, &k.HasPrivate); err != nil {
		if err == sql.ErrNoRows {
			return nil, status.New(status.KeyNotFound)
		}
		return nil, errors.WithStack(err)
	}
	k.Fingerprint = identity.Fingerprint(f)
	k.Created = ctime.Time
	k.Expires = expires.Time
	return &k, nil
}

func (st *pgStore) SetKey(k *identity.Key) error {
	_, err := st.db.Exec(`INSERT INTO pgp_keypair (fingerprint, ctime, expires, revoked, has_private)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fingerprint) DO UPDATE SET
			ctime = EXCLUDED.ctime, expires = EXCLUDED.expires,
			revoked = EXCLUDED.revoked, has_private = EXCLUDED.has_private`,
		string(k.Fingerprint), nullTime(k.Created), nullTime(k.Expires), k.Revoked, k.HasPrivate)
	return errors.WithStack(err)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// ClearDefaultFingerprint clears fpr as a default from every identity and
// person row in one transaction.
func (st *pgStore) ClearDefaultFingerprint(fpr identity.Fingerprint) (retErr error) {
	tx, err := st.db.Begin()
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		if retErr != nil {
			tx.Rollback()
		} else {
			retErr = tx.Commit()
		}
	}()

	if _, err := tx.Exec(`UPDATE identity SET fingerprint = '' WHERE fingerprint = $1`, string(fpr)); err != nil {
		return errors.WithStack(err)
	}
	if _, err := tx.Exec(`UPDATE person SET default_fingerprint = '' WHERE default_fingerprint = $1`, string(fpr)); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (st *pgStore) SetUserIDAlias(alt, canonical identity.UserId) error {
	_, err := st.db.Exec(`INSERT INTO alternate_user_id (alternate_user_id, canonical_user_id)
		VALUES ($1, $2)
		ON CONFLICT (alternate_user_id) DO UPDATE SET canonical_user_id = EXCLUDED.canonical_user_id`,
		string(alt), string(canonical))
	return errors.WithStack(err)
}

func (st *pgStore) ResolveAlias(userID identity.UserId) (identity.UserId, error) {
	row := st.db.QueryRow(`SELECT canonical_user_id FROM alternate_user_id WHERE alternate_user_id = $1`, string(userID))
	var canonical string
	err := row.Scan(&canonical)
	if err == sql.ErrNoRows {
		return userID, nil
	} else if err != nil {
		return "", errors.WithStack(err)
	}
	return identity.UserId(canonical), nil
}

func (st *pgStore) SetRevocation(rev identity.Revocation) error {
	_, err := st.db.Exec(`INSERT INTO revoked_keys (revoked_fpr, replacement_fpr, epoch)
		VALUES ($1, $2, $3)
		ON CONFLICT (revoked_fpr) DO NOTHING`,
		string(rev.RevokedFpr), string(rev.ReplacementFpr), rev.Epoch.UTC())
	return errors.WithStack(err)
}

func (st *pgStore) GetRevocation(revokedFpr identity.Fingerprint) (*identity.Revocation, error) {
	row := st.db.QueryRow(`SELECT revoked_fpr, replacement_fpr, epoch FROM revoked_keys WHERE revoked_fpr = $1`,
		string(revokedFpr))
	var rev identity.Revocation
	var revoked, replacement string
	if err := row.Scan(&revoked, &replacement, &rev.Epoch); err != nil {
		if err == sql.ErrNoRows {
			return nil, status.New(status.RecordNotFound)
		}
		return nil, errors.WithStack(err)
	}
	rev.RevokedFpr = identity.Fingerprint(revoked)
	rev.ReplacementFpr = identity.Fingerprint(replacement)
	return &rev, nil
}

func (st *pgStore) GetRevocationByReplacement(newFpr identity.Fingerprint) (*identity.Revocation, error) {
	row := st.db.QueryRow(`SELECT revoked_fpr, replacement_fpr, epoch FROM revoked_keys WHERE replacement_fpr = $1`,
		string(newFpr))
	var rev identity.Revocation
	var revoked, replacement string
	if err := row.Scan(&revoked, &replacement, &rev.Epoch); err != nil {
		if err == sql.ErrNoRows {
			return nil, status.New(status.RecordNotFound)
		}
		return nil, errors.WithStack(err)
	}
	rev.RevokedFpr = identity.Fingerprint(revoked)
	rev.ReplacementFpr = identity.Fingerprint(replacement)
	return &rev, nil
}

func (st *pgStore) HasRevocationNotification(revokedFpr identity.Fingerprint, ownAddress string, contactUserID identity.UserId) (bool, error) {
	row := st.db.QueryRow(`SELECT 1 FROM revocation_contact_list
		WHERE revoked_fpr = $1 AND own_address = $2 AND contact_user_id = $3`,
		string(revokedFpr), ownAddress, string(contactUserID))
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}

func (st *pgStore) SetRevocationNotification(n identity.RevocationNotification) error {
	_, err := st.db.Exec(`INSERT INTO revocation_contact_list (revoked_fpr, own_address, contact_user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (revoked_fpr, own_address, contact_user_id) DO NOTHING`,
		string(n.RevokedFpr), n.OwnAddress, string(n.ContactUserId))
	return errors.WithStack(err)
}

func (st *pgStore) IsBlacklisted(fpr identity.Fingerprint) (bool, error) {
	return st.existsIn("blacklist_keys", fpr)
}

func (st *pgStore) AddBlacklist(fpr identity.Fingerprint) error {
	_, err := st.db.Exec(`INSERT INTO blacklist_keys (fingerprint) VALUES ($1) ON CONFLICT DO NOTHING`, string(fpr))
	return errors.WithStack(err)
}

func (st *pgStore) RemoveBlacklist(fpr identity.Fingerprint) error {
	_, err := st.db.Exec(`DELETE FROM blacklist_keys WHERE fingerprint = $1`, string(fpr))
	return errors.WithStack(err)
}

func (st *pgStore) IsMistrusted(fpr identity.Fingerprint) (bool, error) {
	return st.existsIn("mistrusted_keys", fpr)
}

func (st *pgStore) AddMistrusted(fpr identity.Fingerprint) error {
	_, err := st.db.Exec(`INSERT INTO mistrusted_keys (fingerprint) VALUES ($1) ON CONFLICT DO NOTHING`, string(fpr))
	return errors.WithStack(err)
}

func (st *pgStore) RemoveMistrusted(fpr identity.Fingerprint) error {
	_, err := st.db.Exec(`DELETE FROM mistrusted_keys WHERE fingerprint = $1`, string(fpr))
	return errors.WithStack(err)
}

func (st *pgStore) existsIn(table string, fpr identity.Fingerprint) (bool, error) {
	sqlStr := fmt.Sprintf(`SELECT 1 FROM %s WHERE fingerprint = $1`, table)
	row := st.db.QueryRow(sqlStr, string(fpr))
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}

func (st *pgStore) AddSocialGraphEdge(edge identity.SocialGraphEdge) error {
	_, err := st.db.Exec(`INSERT INTO social_graph (own_user_id, own_address, contact_user_id)
		VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		string(edge.OwnUserId), edge.OwnAddress, string(edge.ContactUserId))
	return errors.WithStack(err)
}

func (st *pgStore) ListContacts(ownUserID identity.UserId, ownAddress string) ([]identity.SocialGraphEdge, error) {
	rows, err := st.db.Query(`SELECT own_user_id, own_address, contact_user_id FROM social_graph
		WHERE own_user_id = $1 AND own_address = $2`, string(ownUserID), ownAddress)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var result []identity.SocialGraphEdge
	for rows.Next() {
		var e identity.SocialGraphEdge
		var own, addr, contact string
		if err := rows.Scan(&own, &addr, &contact); err != nil {
			return nil, errors.WithStack(err)
		}
		e.OwnUserId = identity.UserId(own)
		e.OwnAddress = addr
		e.ContactUserId = identity.UserId(contact)
		result = append(result, e)
	}
	return result, errors.WithStack(rows.Err())
}

func (st *pgStore) GetEchoChallenge(address string, userID identity.UserId) ([]byte, error) {
	row := st.db.QueryRow(`SELECT echo_challenge FROM identity WHERE address = $1 AND user_id = $2`,
		address, string(userID))
	var challenge []byte
	if err := row.Scan(&challenge); err != nil {
		if err == sql.ErrNoRows {
			return nil, status.New(status.CannotFindIdentity)
		}
		return nil, errors.WithStack(err)
	}
	return challenge, nil
}

func (st *pgStore) SetEchoChallenge(address string, userID identity.UserId, challenge []byte) error {
	res, err := st.db.Exec(`UPDATE identity SET echo_challenge = $1 WHERE address = $2 AND user_id = $3`,
		challenge, address, string(userID))
	if err != nil {
		return errors.WithStack(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		log.Debugf("SetEchoChallenge: no identity row for %s/%s yet", address, userID)
	}
	return nil
}
