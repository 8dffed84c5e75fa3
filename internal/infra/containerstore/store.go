package containerstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aegis-sign/signflow/internal/app/container"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SchemaVersion 记录当前表结构版本。
const SchemaVersion = 1

// RevocationChecker 查询签名证书的吊销状态。
type RevocationChecker interface {
	Check(ctx context.Context, cert *x509.Certificate) (container.ValidatorStatus, error)
}

// Config 控制 Store。
type Config struct {
	// Path 为 SQLite 文件路径，空值或 ":memory:" 使用内存库。
	Path       string
	Revocation RevocationChecker
	Logger     *slog.Logger
	Clock      func() time.Time
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return cfg
}

// FileContent 是写入容器的数据文件。
type FileContent struct {
	Name    string
	Content []byte
}

// Store 以 SQLite 实现签名容器，单个事务内完成绑定与回滚。
type Store struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
}

var _ container.Container = (*Store)(nil)

// Open 打开或创建容器库。
func Open(cfg Config) (*Store, error) {
	normalized := cfg.normalize()
	dsn := normalized.Path
	if dsn != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 内存库每个连接各自独立，必须固定为单连接；文件库也只允许一个写者。
	db.SetMaxOpenConns(1)
	s := &Store{db: db, cfg: normalized, logger: normalized.Logger}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close 关闭数据库。
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	query := `
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS containers (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		schema_version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS data_files (
		container_id TEXT NOT NULL REFERENCES containers(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		name TEXT NOT NULL,
		digest BLOB NOT NULL,
		size INTEGER NOT NULL,
		PRIMARY KEY (container_id, seq)
	);

	CREATE TABLE IF NOT EXISTS signatures (
		id TEXT PRIMARY KEY,
		container_id TEXT NOT NULL REFERENCES containers(id) ON DELETE CASCADE,
		cert BLOB NOT NULL,
		role_json TEXT,
		data_to_sign BLOB NOT NULL,
		value BLOB,
		status TEXT NOT NULL,
		pending INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		signed_at INTEGER
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_pending ON signatures(container_id) WHERE pending = 1;
	CREATE INDEX IF NOT EXISTS idx_signatures_container ON signatures(container_id, created_at);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// CreateContainer 新建容器并写入数据文件。
func (s *Store) CreateContainer(ctx context.Context, id string, files []FileContent) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("container id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO containers (id, created_at, schema_version) VALUES (?, ?, ?)`,
		id, s.cfg.Clock().UnixNano(), SchemaVersion); err != nil {
		return fmt.Errorf("insert container: %w", err)
	}
	for i, f := range files {
		sum := sha256.Sum256(f.Content)
		if _, err := tx.ExecContext(ctx, `INSERT INTO data_files (container_id, seq, name, digest, size) VALUES (?, ?, ?, ?, ?)`,
			id, i, f.Name, sum[:], len(f.Content)); err != nil {
			return fmt.Errorf("insert data file %q: %w", f.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("container created", slog.String("container", id), slog.Int("files", len(files)))
	return nil
}

// ContainerIDs 返回全部容器 ID。
func (s *Store) ContainerIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM containers ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DataFiles 实现 container.Container。
func (s *Store) DataFiles(ctx context.Context, containerID string) ([]container.DataFile, error) {
	if err := s.ensureContainer(ctx, s.db, containerID); err != nil {
		return nil, err
	}
	return queryDataFiles(ctx, s.db, containerID)
}

// Signatures 实现 container.Container。
func (s *Store) Signatures(ctx context.Context, containerID string) ([]container.SignatureRecord, error) {
	if err := s.ensureContainer(ctx, s.db, containerID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, cert, role_json, status, pending, created_at, signed_at
	FROM signatures WHERE container_id = ? ORDER BY created_at, id`, containerID)
	if err != nil {
		return nil, fmt.Errorf("query signatures: %w", err)
	}
	defer rows.Close()
	var out []container.SignatureRecord
	for rows.Next() {
		var (
			rec       container.SignatureRecord
			certDER   []byte
			roleJSON  sql.NullString
			status    string
			pending   int
			createdAt int64
			signedAt  sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &certDER, &roleJSON, &status, &pending, &createdAt, &signedAt); err != nil {
			return nil, fmt.Errorf("scan signature: %w", err)
		}
		cert, err := x509.ParseCertificate(certDER)
		if err != nil {
			return nil, fmt.Errorf("parse stored certificate: %w", err)
		}
		rec.SignerCertificate = cert
		rec.Status = container.ValidatorStatus(status)
		rec.Pending = pending == 1
		rec.CreatedAt = time.Unix(0, createdAt)
		if signedAt.Valid {
			rec.SignedAt = time.Unix(0, signedAt.Int64)
		}
		if roleJSON.Valid && roleJSON.String != "" {
			var role container.RoleData
			if err := json.Unmarshal([]byte(roleJSON.String), &role); err != nil {
				return nil, fmt.Errorf("decode role: %w", err)
			}
			rec.Role = &role
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PrepareSignature 以 doc.Digest 创建待定签名并返回待签字节；数据文件已变化时拒绝。
func (s *Store) PrepareSignature(ctx context.Context, doc *container.Document, cert *x509.Certificate, role *container.RoleData) ([]byte, error) {
	if doc == nil || len(doc.Digest) == 0 {
		return nil, errors.New("prepared document is required")
	}
	if cert == nil {
		return nil, errors.New("signer certificate is required")
	}
	containerID := doc.ContainerID
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := s.ensureContainer(ctx, tx, containerID); err != nil {
		return nil, err
	}
	var pending int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM signatures WHERE container_id = ? AND pending = 1`, containerID).Scan(&pending); err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	if pending > 0 {
		return nil, container.ErrContainerAlreadyPending
	}
	files, err := queryDataFiles(ctx, tx, containerID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, container.ErrContainerEmpty
	}
	if !bytes.Equal(container.CanonicalDigest(files), doc.Digest) {
		return nil, container.ErrDocumentChanged
	}
	now := s.cfg.Clock()
	var roleJSON []byte
	if !role.Empty() {
		if roleJSON, err = json.Marshal(role); err != nil {
			return nil, fmt.Errorf("encode role: %w", err)
		}
	}
	dataToSign, err := encodeSignedAttributes(cert, doc.Digest, roleJSON, now)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
	INSERT INTO signatures (id, container_id, cert, role_json, data_to_sign, status, pending, created_at)
	VALUES (?, ?, ?, ?, ?, ?, 1, ?)`,
		id, containerID, cert.Raw, nullableString(roleJSON), dataToSign, string(container.StatusUnknown), now.UnixNano()); err != nil {
		return nil, fmt.Errorf("insert pending signature: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("pending signature created", slog.String("container", containerID), slog.String("signature", id))
	return dataToSign, nil
}

// FinalizeSignature 校验签名值与证书状态，全部通过后在同一事务内提交。
func (s *Store) FinalizeSignature(ctx context.Context, containerID string, value []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	var (
		id         string
		certDER    []byte
		dataToSign []byte
	)
	err = tx.QueryRowContext(ctx, `SELECT id, cert, data_to_sign FROM signatures WHERE container_id = ? AND pending = 1`, containerID).
		Scan(&id, &certDER, &dataToSign)
	if errors.Is(err, sql.ErrNoRows) {
		return container.ErrNoPendingSignature
	}
	if err != nil {
		return fmt.Errorf("load pending signature: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse signer certificate: %w", err)
	}
	if err := verifySignature(cert, dataToSign, value); err != nil {
		return err
	}
	status, err := s.validate(ctx, cert)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE signatures SET value = ?, status = ?, pending = 0, signed_at = ? WHERE id = ?`,
		value, string(status), s.cfg.Clock().UnixNano(), id); err != nil {
		return fmt.Errorf("commit signature: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("signature finalized", slog.String("container", containerID), slog.String("signature", id), slog.String("status", string(status)))
	return nil
}

// RemovePendingSignature 删除待定签名，不存在时直接返回。
func (s *Store) RemovePendingSignature(ctx context.Context, containerID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM signatures WHERE container_id = ? AND pending = 1`, containerID)
	if err != nil {
		return fmt.Errorf("remove pending signature: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("pending signature removed", slog.String("container", containerID))
	}
	return nil
}

// RemoveSignature 删除指定签名。
func (s *Store) RemoveSignature(ctx context.Context, containerID, signatureID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM signatures WHERE container_id = ? AND id = ?`, containerID, signatureID)
	if err != nil {
		return fmt.Errorf("remove signature: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return container.ErrSignatureNotFound
	}
	return nil
}

func (s *Store) validate(ctx context.Context, cert *x509.Certificate) (container.ValidatorStatus, error) {
	now := s.cfg.Clock()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return container.StatusInvalid, nil
	}
	status := container.StatusValid
	if cert.KeyUsage&x509.KeyUsageContentCommitment == 0 {
		status = container.StatusWarning
	}
	if s.cfg.Revocation == nil {
		return status, nil
	}
	revocation, err := s.cfg.Revocation.Check(ctx, cert)
	if err != nil {
		if errors.Is(err, container.ErrCertificateRevoked) || errors.Is(err, container.ErrRevocationUnavailable) {
			return container.StatusInvalid, err
		}
		s.logger.Warn("revocation check inconclusive", slog.Any("err", err))
		return container.StatusUnknown, nil
	}
	if revocation != container.StatusValid {
		return revocation, nil
	}
	return status, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) ensureContainer(ctx context.Context, q queryer, containerID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM containers WHERE id = ?`, containerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", container.ErrContainerNotFound, containerID)
	}
	if err != nil {
		return fmt.Errorf("lookup container: %w", err)
	}
	return nil
}

func queryDataFiles(ctx context.Context, q queryer, containerID string) ([]container.DataFile, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, digest, size FROM data_files WHERE container_id = ? ORDER BY seq`, containerID)
	if err != nil {
		return nil, fmt.Errorf("query data files: %w", err)
	}
	defer rows.Close()
	var files []container.DataFile
	for rows.Next() {
		var f container.DataFile
		if err := rows.Scan(&f.Name, &f.Digest, &f.Size); err != nil {
			return nil, fmt.Errorf("scan data file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
