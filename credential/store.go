package credential

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailpulse/mailpulse/errors"
)

// Resolution errors. Channels turn them into job setup failures.
var (
	ErrNotFound      = errors.New("credential not found")
	ErrUndecryptable = errors.New("credential could not be decrypted")
	ErrWrongChannel  = errors.New("credential has the wrong channel")
)

// Store persists credentials, encrypting the secret part with the server secret
type Store struct {
	db     *sql.DB
	secret string
}

// NewStore creates a credential store. secret is credentials.secret from config.
func NewStore(db *sql.DB, secret string) *Store {
	return &Store{db: db, secret: secret}
}

// Create encrypts cfg and stores it as a new credential
func (s *Store) Create(ctx context.Context, ownerID, channel, name string, cfg Config) (*Credential, error) {
	if ownerID == "" {
		return nil, errors.NewInvalidRequestError("owner id is required")
	}
	if !validProvider(channel, cfg.Provider) {
		return nil, errors.NewInvalidRequestError("provider %q is not valid for channel %q (want one of %s)",
			cfg.Provider, channel, strings.Join(ProvidersFor(channel), ", "))
	}

	plaintext, err := cfg.encode()
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode credential")
	}
	sealed, err := Encrypt(plaintext, s.secret)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encrypt credential")
	}

	cred := &Credential{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Channel:   channel,
		Provider:  cfg.Provider,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, owner_id, channel, provider, name, secret, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cred.ID, cred.OwnerID, cred.Channel, cred.Provider, cred.Name, sealed, cred.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert credential")
	}
	return cred, nil
}

// List returns an owner's credentials, optionally for one channel, oldest first
func (s *Store) List(ctx context.Context, ownerID, channel string) ([]*Credential, error) {
	query := `SELECT id, owner_id, channel, provider, name, created_at FROM credentials WHERE owner_id = ?`
	args := []interface{}{ownerID}
	if channel != "" {
		query += ` AND channel = ?`
		args = append(args, channel)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list credentials")
	}
	defer rows.Close()

	var creds []*Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Channel, &c.Provider, &c.Name, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan credential")
		}
		creds = append(creds, &c)
	}
	return creds, errors.Wrap(rows.Err(), "error iterating credentials")
}

// Delete removes a credential owned by ownerID
func (s *Store) Delete(ctx context.Context, id, ownerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return errors.Wrap(err, "failed to delete credential")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n == 0 {
		return errors.Mark(errors.NewNotFoundError("credential not found: %s", id), ErrNotFound)
	}
	return nil
}

// Resolve loads and decrypts the owner's credential and checks it belongs to channel
func (s *Store) Resolve(ctx context.Context, ownerID, credentialID, channel string) (*Config, error) {
	var credChannel, provider, sealed string
	err := s.db.QueryRowContext(ctx, `
		SELECT channel, provider, secret FROM credentials WHERE id = ? AND owner_id = ?`,
		credentialID, ownerID).Scan(&credChannel, &provider, &sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load credential")
	}

	if credChannel != channel {
		return nil, errors.Mark(errors.Newf("credential is not a %s credential", channel), ErrWrongChannel)
	}

	plaintext, err := Decrypt(sealed, s.secret)
	if err != nil {
		return nil, errors.Mark(errors.WithDetail(errors.New("credential could not be decrypted"), err.Error()), ErrUndecryptable)
	}
	var cfg Config
	if err := json.Unmarshal([]byte(plaintext), &cfg); err != nil {
		return nil, errors.Mark(errors.WithDetail(errors.New("credential could not be decrypted"), err.Error()), ErrUndecryptable)
	}
	if cfg.Provider == "" {
		cfg.Provider = provider
	}
	return &cfg, nil
}
