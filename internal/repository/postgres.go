package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iago/directory-api/internal/domain"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	TracingEnabled  bool
}

// PostgresStore persists enrolments through a pgx pool. Statements are built with squirrel and
// executed on pgx directly so arrays and jsonb use the native codecs.
type PostgresStore struct {
	pool *pgxpool.Pool
	psql sq.StatementBuilderType
}

func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.TracingEnabled {
		poolConfig.ConnConfig.Tracer = otelpgx.NewTracer()
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
		poolConfig.MaxConnLifetimeJitter = cfg.MaxConnLifetime / 10
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if cfg.TracingEnabled {
		if err := otelpgx.RecordStats(pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("record pool stats: %w", err)
		}
	}

	return &PostgresStore{
		pool: pool,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &postgresTx{tx: tx, psql: s.psql}, nil
}

func (s *PostgresStore) GetEnrolmentByMessageID(ctx context.Context, messageID string) (*domain.Enrolment, error) {
	query, args, err := s.psql.
		Select("id", "message_id", "schema_version", "data", "created_at").
		From("enrolments").
		Where(sq.Eq{"message_id": messageID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build enrolment query: %w", err)
	}

	var (
		enrolment domain.Enrolment
		version   string
		data      []byte
	)
	err = s.pool.QueryRow(ctx, query, args...).Scan(
		&enrolment.ID,
		&enrolment.MessageID,
		&version,
		&data,
		&enrolment.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query enrolment: %w", err)
	}
	enrolment.SchemaVersion = domain.SchemaVersion(version)
	enrolment.Data = json.RawMessage(data)
	return &enrolment, nil
}

func (s *PostgresStore) GetCompanyByNumber(ctx context.Context, number string) (*domain.Company, error) {
	query, args, err := s.psql.
		Select(
			"id", "number", "name", "export_status", "date_of_creation", "contact_details", "aims",
			"verification_code", "is_verification_letter_sent", "date_verification_letter_sent",
			"verified_with_code", "is_published", "created_at", "updated_at",
		).
		From("companies").
		Where(sq.Eq{"number": number}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build company query: %w", err)
	}

	var (
		company        domain.Company
		contactDetails []byte
	)
	err = s.pool.QueryRow(ctx, query, args...).Scan(
		&company.ID,
		&company.Number,
		&company.Name,
		&company.ExportStatus,
		&company.DateOfCreation,
		&contactDetails,
		&company.Aims,
		&company.VerificationCode,
		&company.IsVerificationLetterSent,
		&company.DateVerificationLetterSent,
		&company.VerifiedWithCode,
		&company.IsPublished,
		&company.CreatedAt,
		&company.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query company: %w", err)
	}
	if len(contactDetails) > 0 {
		company.ContactDetails = new(domain.ContactDetails)
		if err := json.Unmarshal(contactDetails, company.ContactDetails); err != nil {
			return nil, fmt.Errorf("decode contact details: %w", err)
		}
	}
	return &company, nil
}

func (s *PostgresStore) GetSupplierByEmail(ctx context.Context, email string) (*domain.Supplier, error) {
	query, args, err := s.psql.
		Select(supplierColumns...).
		From("suppliers s").
		Where(sq.Eq{"s.company_email": email}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build supplier query: %w", err)
	}

	supplier, err := scanSupplier(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query supplier: %w", err)
	}
	return supplier, nil
}

var supplierColumns = []string{
	"s.id", "s.company_id", "COALESCE(s.sso_id, '')", "s.company_email", "s.name", "s.referrer", "s.password_hash",
	"COALESCE(s.mobile_number, '')", "s.confirmation_code", "s.is_company_email_confirmed", "s.unsubscribed",
	"s.created_at", "s.updated_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSupplier(row rowScanner) (*domain.Supplier, error) {
	var supplier domain.Supplier
	err := row.Scan(
		&supplier.ID,
		&supplier.CompanyID,
		&supplier.SSOID,
		&supplier.CompanyEmail,
		&supplier.Name,
		&supplier.Referrer,
		&supplier.PasswordHash,
		&supplier.MobileNumber,
		&supplier.ConfirmationCode,
		&supplier.IsCompanyEmailConfirmed,
		&supplier.Unsubscribed,
		&supplier.CreatedAt,
		&supplier.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &supplier, nil
}

func (s *PostgresStore) SuppliersJoinedBetween(ctx context.Context, start, end time.Time, category domain.NotificationCategory) ([]domain.Supplier, error) {
	return s.selectSuppliers(ctx, category, sq.And{
		sq.GtOrEq{"s.created_at": start},
		sq.Lt{"s.created_at": end},
	})
}

func (s *PostgresStore) SuppliersAwaitingVerification(ctx context.Context, start, end time.Time, category domain.NotificationCategory) ([]domain.Supplier, error) {
	return s.selectSuppliers(ctx, category, sq.And{
		sq.Eq{"c.verified_with_code": false},
		sq.GtOrEq{"c.date_verification_letter_sent": start},
		sq.Lt{"c.date_verification_letter_sent": end},
	})
}

func (s *PostgresStore) selectSuppliers(ctx context.Context, category domain.NotificationCategory, match sq.Sqlizer) ([]domain.Supplier, error) {
	query, args, err := s.psql.
		Select(supplierColumns...).
		From("suppliers s").
		Join("companies c ON c.id = s.company_id").
		Where(sq.Eq{"s.unsubscribed": false}).
		Where(match).
		Where(sq.Expr(
			"NOT EXISTS (SELECT 1 FROM supplier_email_notifications n WHERE n.supplier_id = s.id AND n.category = ?)",
			string(category),
		)).
		OrderBy("s.created_at", "s.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build %s selection: %w", category, err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select suppliers for %s: %w", category, err)
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0)
	for rows.Next() {
		supplier, err := scanSupplier(rows)
		if err != nil {
			return nil, fmt.Errorf("scan supplier: %w", err)
		}
		suppliers = append(suppliers, *supplier)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select suppliers for %s: %w", category, err)
	}
	return suppliers, nil
}

func (s *PostgresStore) RecordNotification(ctx context.Context, notification *domain.SupplierNotification) error {
	query, args, err := s.psql.
		Insert("supplier_email_notifications").
		Columns("id", "supplier_id", "category", "date_sent").
		Values(notification.ID, notification.SupplierID, string(notification.Category), notification.DateSent).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert notification: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return mapPgError("insert notification", err)
	}
	return nil
}

// MarkVerificationLetterSent keeps the first recorded date when the letter is reported twice.
func (s *PostgresStore) MarkVerificationLetterSent(ctx context.Context, number string, at time.Time) error {
	query, args, err := s.psql.
		Update("companies").
		Set("is_verification_letter_sent", true).
		Set("date_verification_letter_sent", sq.Expr("COALESCE(date_verification_letter_sent, ?)", at)).
		Set("updated_at", at).
		Where(sq.Eq{"number": number}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build letter update: %w", err)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark verification letter sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Unsubscribe(ctx context.Context, email string, at time.Time) (*domain.Supplier, error) {
	query, args, err := s.psql.
		Update("suppliers s").
		Set("unsubscribed", true).
		Set("updated_at", at).
		Where(sq.Eq{"s.company_email": email}).
		Suffix("RETURNING " + strings.Join(supplierColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build unsubscribe: %w", err)
	}
	supplier, err := scanSupplier(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("unsubscribe supplier: %w", err)
	}
	return supplier, nil
}

func (s *PostgresStore) Counts(ctx context.Context) (Counts, error) {
	var counts Counts
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM enrolments),
			(SELECT COUNT(*) FROM companies),
			(SELECT COUNT(*) FROM suppliers)
	`).Scan(&counts.Enrolments, &counts.Companies, &counts.Suppliers)
	if err != nil {
		return Counts{}, fmt.Errorf("count rows: %w", err)
	}
	return counts, nil
}

type postgresTx struct {
	tx   pgx.Tx
	psql sq.StatementBuilderType
}

func (t *postgresTx) InsertEnrolment(ctx context.Context, enrolment *domain.Enrolment) error {
	return t.exec(ctx, "insert enrolment", t.psql.
		Insert("enrolments").
		Columns("id", "message_id", "schema_version", "data", "created_at").
		Values(enrolment.ID, enrolment.MessageID, string(enrolment.SchemaVersion), []byte(enrolment.Data), enrolment.CreatedAt))
}

func (t *postgresTx) InsertSupplier(ctx context.Context, supplier *domain.Supplier) error {
	return t.exec(ctx, "insert supplier", t.psql.
		Insert("suppliers").
		Columns(
			"id", "company_id", "sso_id", "company_email", "name", "referrer", "password_hash",
			"mobile_number", "confirmation_code", "is_company_email_confirmed", "unsubscribed",
			"created_at", "updated_at",
		).
		Values(
			supplier.ID,
			supplier.CompanyID,
			nullIfEmpty(supplier.SSOID),
			supplier.CompanyEmail,
			supplier.Name,
			supplier.Referrer,
			supplier.PasswordHash,
			nullIfEmpty(supplier.MobileNumber),
			supplier.ConfirmationCode,
			supplier.IsCompanyEmailConfirmed,
			supplier.Unsubscribed,
			supplier.CreatedAt,
			supplier.UpdatedAt,
		))
}

func (t *postgresTx) InsertCompany(ctx context.Context, company *domain.Company) error {
	var contactDetails []byte
	if company.ContactDetails != nil {
		encoded, err := json.Marshal(company.ContactDetails)
		if err != nil {
			return fmt.Errorf("encode contact details: %w", err)
		}
		contactDetails = encoded
	}
	aims := company.Aims
	if aims == nil {
		aims = []string{}
	}

	return t.exec(ctx, "insert company", t.psql.
		Insert("companies").
		Columns(
			"id", "number", "name", "export_status", "date_of_creation", "contact_details", "aims",
			"verification_code", "is_verification_letter_sent", "date_verification_letter_sent",
			"verified_with_code", "is_published", "created_at", "updated_at",
		).
		Values(
			company.ID,
			company.Number,
			company.Name,
			company.ExportStatus,
			company.DateOfCreation,
			contactDetails,
			aims,
			company.VerificationCode,
			company.IsVerificationLetterSent,
			company.DateVerificationLetterSent,
			company.VerifiedWithCode,
			company.IsPublished,
			company.CreatedAt,
			company.UpdatedAt,
		))
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrTxDone
		}
		return mapPgError("commit transaction", err)
	}
	return nil
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil {
		if errors.Is(err, pgx.ErrTxClosed) {
			return ErrTxDone
		}
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

func (t *postgresTx) exec(ctx context.Context, action string, builder sq.InsertBuilder) error {
	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build %s: %w", action, err)
	}
	if _, err := t.tx.Exec(ctx, query, args...); err != nil {
		return mapPgError(action, err)
	}
	return nil
}

// mapPgError turns unique and foreign key violations into ConstraintError; everything else is wrapped.
func mapPgError(action string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return newConstraintError(pgErr.ConstraintName, ErrDuplicateKey)
		case pgForeignKeyViolation:
			return newConstraintError(pgErr.ConstraintName, ErrForeignKey)
		}
	}
	return fmt.Errorf("%s: %w", action, err)
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
