package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// Account is a mail-hosting tenant. Credentials are not exposed here; use
// GetAccountWithCredentials when a resolved bundle is needed.
type Account struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	SMTPHost          string  `json:"smtp_host"`
	SMTPPort          int     `json:"smtp_port"`
	IMAPHost          string  `json:"imap_host"`
	IMAPPort          int     `json:"imap_port"`
	Username          string  `json:"username"`
	SMTPUsername      *string `json:"smtp_username,omitempty"`
	IMAPUsername      *string `json:"imap_username,omitempty"`
	DisplayName       *string `json:"display_name,omitempty"`
	ApprovalRequired  bool    `json:"approval_required"`
	AutoSendThreshold float64 `json:"auto_send_threshold"`
	ReviewThreshold   float64 `json:"review_threshold"`
	RateLimitPerHour  *int    `json:"rate_limit_per_hour,omitempty"`
	CreatedAt         string  `json:"created_at"`
	VerifiedAt        *string `json:"verified_at,omitempty"`
}

// AccountCredentials is the resolved per-account bundle the transport layer
// consumes: protocol-specific overrides fall back to the primary pair.
type AccountCredentials struct {
	Account
	Password              string
	EffectiveSMTPUsername string
	EffectiveSMTPPassword string
	EffectiveIMAPUsername string
	EffectiveIMAPPassword string
}

// NewAccount carries the onboarding parameters for CreateAccount.
type NewAccount struct {
	Name              string
	SMTPHost          string
	SMTPPort          int
	IMAPHost          string
	IMAPPort          int
	Username          string
	Password          string
	SMTPUsername      *string
	SMTPPassword      *string
	IMAPUsername      *string
	IMAPPassword      *string
	DisplayName       *string
	ApprovalRequired  bool
	AutoSendThreshold float64
	ReviewThreshold   float64
	RateLimitPerHour  *int
}

const accountColumns = `id, name, smtp_host, smtp_port, imap_host, imap_port,
	username, smtp_username, imap_username, display_name,
	approval_required, auto_send_threshold, review_threshold,
	rate_limit_per_hour, created_at, verified_at`

// CreateAccount inserts an account, encrypting every supplied password.
func (s *Store) CreateAccount(n NewAccount) (*Account, error) {
	id := uuid.NewString()
	now := nowISO()

	if n.AutoSendThreshold == 0 {
		n.AutoSendThreshold = 0.85
	}
	if n.ReviewThreshold == 0 {
		n.ReviewThreshold = 0.50
	}

	encPassword, err := s.box.Encrypt(n.Password)
	if err != nil {
		return nil, fmt.Errorf("store: encrypt password: %w", err)
	}
	encSMTP, err := s.encryptOptional(n.SMTPPassword)
	if err != nil {
		return nil, err
	}
	encIMAP, err := s.encryptOptional(n.IMAPPassword)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`INSERT INTO accounts
		(id, name, smtp_host, smtp_port, imap_host, imap_port,
		 username, encrypted_password, smtp_username, encrypted_smtp_password,
		 imap_username, encrypted_imap_password, display_name,
		 approval_required, auto_send_threshold, review_threshold,
		 rate_limit_per_hour, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, n.Name, n.SMTPHost, n.SMTPPort, n.IMAPHost, n.IMAPPort,
		n.Username, encPassword, nullStringPtr(n.SMTPUsername), encSMTP,
		nullStringPtr(n.IMAPUsername), encIMAP, nullStringPtr(n.DisplayName),
		boolToInt(n.ApprovalRequired), n.AutoSendThreshold, n.ReviewThreshold,
		nullIntPtr(n.RateLimitPerHour), now)
	if err != nil {
		return nil, fmt.Errorf("store: create account: %w", err)
	}
	return s.GetAccount(id)
}

func (s *Store) encryptOptional(p *string) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	enc, err := s.box.Encrypt(*p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("store: encrypt password: %w", err)
	}
	return sql.NullString{String: enc, Valid: true}, nil
}

// ListAccounts returns all accounts, newest first.
func (s *Store) ListAccounts() ([]*Account, error) {
	rows, err := s.db.Query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAccount returns a single account without credentials.
func (s *Store) GetAccount(id string) (*Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// GetAccountByName returns a single account by its unique name.
func (s *Store) GetAccountByName(name string) (*Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE name = ?`, name)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// GetAccountWithCredentials resolves the credential bundle: decrypted
// primary password plus effective SMTP/IMAP pairs (override or primary).
func (s *Store) GetAccountWithCredentials(id string) (*AccountCredentials, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+`,
		encrypted_password, encrypted_smtp_password, encrypted_imap_password
		FROM accounts WHERE id = ?`, id)

	var a Account
	var approvalRequired int
	var smtpUser, imapUser, displayName, verifiedAt sql.NullString
	var rateLimit sql.NullInt64
	var encPassword string
	var encSMTP, encIMAP sql.NullString

	err := row.Scan(&a.ID, &a.Name, &a.SMTPHost, &a.SMTPPort, &a.IMAPHost, &a.IMAPPort,
		&a.Username, &smtpUser, &imapUser, &displayName,
		&approvalRequired, &a.AutoSendThreshold, &a.ReviewThreshold,
		&rateLimit, &a.CreatedAt, &verifiedAt,
		&encPassword, &encSMTP, &encIMAP)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get account credentials: %w", err)
	}
	a.SMTPUsername = strPtr(smtpUser)
	a.IMAPUsername = strPtr(imapUser)
	a.DisplayName = strPtr(displayName)
	a.VerifiedAt = strPtr(verifiedAt)
	a.RateLimitPerHour = intPtr(rateLimit)
	a.ApprovalRequired = approvalRequired != 0

	password, err := s.box.Decrypt(encPassword)
	if err != nil {
		return nil, fmt.Errorf("store: decrypt password for %s: %w", id, err)
	}

	creds := &AccountCredentials{
		Account:               a,
		Password:              password,
		EffectiveSMTPUsername: a.Username,
		EffectiveSMTPPassword: password,
		EffectiveIMAPUsername: a.Username,
		EffectiveIMAPPassword: password,
	}
	if a.SMTPUsername != nil {
		creds.EffectiveSMTPUsername = *a.SMTPUsername
	}
	if encSMTP.Valid {
		if creds.EffectiveSMTPPassword, err = s.box.Decrypt(encSMTP.String); err != nil {
			return nil, fmt.Errorf("store: decrypt smtp password for %s: %w", id, err)
		}
	}
	if a.IMAPUsername != nil {
		creds.EffectiveIMAPUsername = *a.IMAPUsername
	}
	if encIMAP.Valid {
		if creds.EffectiveIMAPPassword, err = s.box.Decrypt(encIMAP.String); err != nil {
			return nil, fmt.Errorf("store: decrypt imap password for %s: %w", id, err)
		}
	}
	return creds, nil
}

// AccountUpdate holds the mutable account fields.
type AccountUpdate struct {
	DisplayName       *string
	AutoSendThreshold *float64
	ReviewThreshold   *float64
	RateLimitPerHour  *int
}

// UpdateAccount applies the non-nil fields and returns the updated row.
func (s *Store) UpdateAccount(id string, u AccountUpdate) (*Account, error) {
	sets := []string{}
	args := []any{}
	if u.DisplayName != nil {
		sets = append(sets, "display_name = ?")
		args = append(args, *u.DisplayName)
	}
	if u.AutoSendThreshold != nil {
		sets = append(sets, "auto_send_threshold = ?")
		args = append(args, *u.AutoSendThreshold)
	}
	if u.ReviewThreshold != nil {
		sets = append(sets, "review_threshold = ?")
		args = append(args, *u.ReviewThreshold)
	}
	if u.RateLimitPerHour != nil {
		sets = append(sets, "rate_limit_per_hour = ?")
		args = append(args, *u.RateLimitPerHour)
	}
	if len(sets) == 0 {
		return s.GetAccount(id)
	}
	args = append(args, id)
	res, err := s.db.Exec("UPDATE accounts SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, fmt.Errorf("store: update account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetAccount(id)
}

// DeleteAccount removes an account. The caller must invalidate any pooled
// connections for the id.
func (s *Store) DeleteAccount(id string) error {
	res, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAccountVerified stamps verified_at with the current time.
func (s *Store) MarkAccountVerified(id string) error {
	_, err := s.db.Exec(`UPDATE accounts SET verified_at = ? WHERE id = ?`, nowISO(), id)
	if err != nil {
		return fmt.Errorf("store: mark verified: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	var a Account
	var approvalRequired int
	var smtpUser, imapUser, displayName, verifiedAt sql.NullString
	var rateLimit sql.NullInt64

	err := row.Scan(&a.ID, &a.Name, &a.SMTPHost, &a.SMTPPort, &a.IMAPHost, &a.IMAPPort,
		&a.Username, &smtpUser, &imapUser, &displayName,
		&approvalRequired, &a.AutoSendThreshold, &a.ReviewThreshold,
		&rateLimit, &a.CreatedAt, &verifiedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("store: scan account: %w", err)
	}
	a.SMTPUsername = strPtr(smtpUser)
	a.IMAPUsername = strPtr(imapUser)
	a.DisplayName = strPtr(displayName)
	a.VerifiedAt = strPtr(verifiedAt)
	a.RateLimitPerHour = intPtr(rateLimit)
	a.ApprovalRequired = approvalRequired != 0
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIntPtr(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

