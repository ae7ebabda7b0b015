package replay

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "IntentHub/internal/errors"
	"IntentHub/internal/intent"
	mysqlstore "IntentHub/internal/storage/mysql"
)

const recordColumns = `id, action, status, summary, error_code, created_at, updated_at`

// MySQLStore 使用 MySQL 的主键约束实现原子预留，多个实例可以共享同一张表。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 打开连接池并执行迁移。
func NewMySQLStore(ctx context.Context, cfg mysqlstore.Config) (*MySQLStore, error) {
	db, err := mysqlstore.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 replay MySQL 存储失败")
	}
	return NewMySQLStoreWithDB(db), nil
}

// NewMySQLStoreWithDB 基于已有连接创建存储，调用方负责表结构。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// Reserve 通过 INSERT 抢占主键，重复键（1062）即视为重放。
func (s *MySQLStore) Reserve(ctx context.Context, id string, action intent.Action) error {
	if err := validateReserve(id, action); err != nil {
		return err
	}
	now := s.now().Unix()
	const stmt = `INSERT INTO replay_records (` + recordColumns + `) VALUES (?, ?, ?, '', '', ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, id, string(action), string(StatusPending), now, now); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			current := StatusPending
			if existing, getErr := s.Get(ctx, id); getErr == nil {
				current = existing.Status
			}
			return duplicateError(id, current)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "预留执行记录失败",
			xerrors.WithRetryable(true))
	}
	return nil
}

// Finalize 仅在记录仍为 pending 时更新，否则 panic。
func (s *MySQLStore) Finalize(ctx context.Context, id string, completion Completion) error {
	checkCompletion(id, completion)
	const stmt = `UPDATE replay_records SET status = ?, summary = ?, error_code = ?, updated_at = ?
        WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		string(completion.Status),
		completion.Summary,
		string(completion.ErrorCode),
		s.now().Unix(),
		id,
		string(StatusPending),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "终结执行记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 1 {
		return nil
	}
	record, getErr := s.Get(ctx, id)
	if getErr != nil {
		if stdErrors.Is(getErr, ErrRecordNotFound) {
			violate(id, "", completion.Status)
		}
		return getErr
	}
	violate(id, record.Status, completion.Status)
	return nil
}

// Get 查询单条记录。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM replay_records WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	return record, nil
}

// List 返回符合过滤条件的记录。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	query := `SELECT ` + recordColumns + ` FROM replay_records`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录列表失败")
	}
	defer rows.Close()

	records := make([]*Record, 0, opts.Limit)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return records, nil
}

// Stats 返回聚合统计。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM replay_records`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusPending), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录统计失败")
	}
	return stats, nil
}

// ExpirePending 逐条使用条件更新，与并发 Finalize 竞争时只有一方生效。
func (s *MySQLStore) ExpirePending(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM replay_records WHERE status = ? AND created_at < ? ORDER BY created_at ASC LIMIT 500`,
		string(StatusPending), cutoff.Unix())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询超时记录失败")
	}
	var candidates []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析超时记录失败")
		}
		candidates = append(candidates, record)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历超时记录失败")
	}
	rows.Close()

	completion := timeoutCompletion()
	const stmt = `UPDATE replay_records SET status = ?, summary = ?, error_code = ?, updated_at = ?
        WHERE id = ? AND status = ?`
	expired := make([]*Record, 0, len(candidates))
	for _, record := range candidates {
		now := s.now().Unix()
		res, err := s.db.ExecContext(ctx, stmt,
			string(completion.Status),
			completion.Summary,
			string(completion.ErrorCode),
			now,
			record.ID,
			string(StatusPending),
		)
		if err != nil {
			return expired, xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记超时记录失败")
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			continue
		}
		record.Status = completion.Status
		record.Summary = completion.Summary
		record.ErrorCode = string(completion.ErrorCode)
		record.UpdatedAt = now
		expired = append(expired, record)
	}
	return expired, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var record Record
	var action, status string
	var summary sql.NullString
	if err := row.Scan(
		&record.ID,
		&action,
		&status,
		&summary,
		&record.ErrorCode,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.Action = intent.Action(action)
	record.Status = Status(status)
	record.Summary = summary.String
	return &record, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(opts.Actions) > 0 {
		placeholders := make([]string, 0, len(opts.Actions))
		for _, action := range opts.Actions {
			placeholders = append(placeholders, "?")
			args = append(args, string(action))
		}
		conditions = append(conditions, fmt.Sprintf("action IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR summary LIKE ? OR error_code LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
