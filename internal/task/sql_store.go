package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// SQL 方言。
const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite"
)

// SQLConfig 描述 SQL 存储的连接参数。
type SQLConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLStorage 基于 database/sql 持久化 AI 任务，支持 MySQL 与 SQLite。
type SQLStorage struct {
	db      *sql.DB
	dialect string
}

// NewSQLStorage 打开数据库并执行迁移。
func NewSQLStorage(ctx context.Context, cfg SQLConfig) (*SQLStorage, error) {
	dialect := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if dialect != DialectMySQL && dialect != DialectSQLite {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "不支持的 SQL 驱动 %q", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQL DSN 不能为空")
	}
	db, err := sql.Open(dialect, cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开数据库失败")
	}
	switch {
	case dialect == DialectSQLite:
		// SQLite 只允许单个写连接。
		db.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	default:
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接数据库")
	}
	s := &SQLStorage{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

type migration struct {
	version string
	mysql   []string
	sqlite  []string
}

var migrations = []migration{
	{
		version: "0001_ai_tasks",
		mysql: []string{
			`CREATE TABLE IF NOT EXISTS ai_tasks (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	prompt TEXT NOT NULL,
	user_id VARCHAR(128) NOT NULL DEFAULT '',
	priority INT NOT NULL DEFAULT 0,
	status VARCHAR(16) NOT NULL,
	current_step_id VARCHAR(64) NOT NULL DEFAULT '',
	error TEXT,
	metadata TEXT,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	INDEX idx_ai_tasks_created (created_at),
	INDEX idx_ai_tasks_status (status)
)`,
			`CREATE TABLE IF NOT EXISTS ai_task_steps (
	task_id VARCHAR(64) NOT NULL,
	step_id VARCHAR(64) NOT NULL,
	seq INT NOT NULL,
	description TEXT,
	tool VARCHAR(128) NOT NULL,
	arguments TEXT,
	status VARCHAR(16) NOT NULL,
	result MEDIUMTEXT,
	error TEXT,
	started_at BIGINT NOT NULL DEFAULT 0,
	ended_at BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (task_id, step_id)
)`,
		},
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS ai_tasks (
	id TEXT NOT NULL PRIMARY KEY,
	prompt TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	current_step_id TEXT NOT NULL DEFAULT '',
	error TEXT,
	metadata TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`,
			`CREATE INDEX IF NOT EXISTS idx_ai_tasks_created ON ai_tasks (created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_ai_tasks_status ON ai_tasks (status)`,
			`CREATE TABLE IF NOT EXISTS ai_task_steps (
	task_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	description TEXT,
	tool TEXT NOT NULL,
	arguments TEXT,
	status TEXT NOT NULL,
	result TEXT,
	error TEXT,
	started_at INTEGER NOT NULL DEFAULT 0,
	ended_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (task_id, step_id)
)`,
		},
	},
}

func (s *SQLStorage) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
	version VARCHAR(32) NOT NULL PRIMARY KEY,
	applied_at BIGINT NOT NULL
)`); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}
	applied := make(map[string]struct{})
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = struct{}{}
	}
	rows.Close()

	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		statements := m.mysql
		if s.dialect == DialectSQLite {
			statements = m.sqlite
		}
		if err := s.inTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("执行迁移 %s 失败: %w", m.version, err)
				}
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, m.version, time.Now().Unix())
			return err
		}); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "数据库迁移失败")
		}
	}
	return nil
}

func (s *SQLStorage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStorage) upsertTaskSQL() string {
	const insert = `INSERT INTO ai_tasks (id, prompt, user_id, priority, status, current_step_id, error, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if s.dialect == DialectSQLite {
		return insert + ` ON CONFLICT(id) DO UPDATE SET prompt = excluded.prompt, user_id = excluded.user_id,
priority = excluded.priority, status = excluded.status, current_step_id = excluded.current_step_id,
error = excluded.error, metadata = excluded.metadata, updated_at = excluded.updated_at`
	}
	return insert + ` ON DUPLICATE KEY UPDATE prompt = VALUES(prompt), user_id = VALUES(user_id),
priority = VALUES(priority), status = VALUES(status), current_step_id = VALUES(current_step_id),
error = VALUES(error), metadata = VALUES(metadata), updated_at = VALUES(updated_at)`
}

// SaveTask 在一个事务中写入任务及其全部步骤。
func (s *SQLStorage) SaveTask(ctx context.Context, task *AITask) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	metadata, err := encodeJSON(task.Metadata)
	if err != nil {
		return err
	}
	updated := task.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.upsertTaskSQL(),
			task.ID, task.Prompt, task.UserID, int(task.Priority), string(task.Status), task.CurrentStepID,
			task.Error, metadata, toMillis(task.CreatedAt), toMillis(updated),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM ai_task_steps WHERE task_id = ?`, task.ID); err != nil {
			return err
		}
		for i, step := range task.Steps {
			args, err := encodeJSON(step.Arguments)
			if err != nil {
				return err
			}
			result, err := encodeJSON(step.Result)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO ai_task_steps
(task_id, step_id, seq, description, tool, arguments, status, result, error, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				task.ID, step.ID, i, step.Description, step.Tool, args, string(step.Status), result,
				step.Error, toMillis(step.StartedAt), toMillis(step.EndedAt),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("保存任务 %s 失败", task.ID))
	}
	return nil
}

// GetTask 读取任务及其步骤。
func (s *SQLStorage) GetTask(ctx context.Context, id string) (*AITask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, prompt, user_id, priority, status, current_step_id, error, metadata, created_at, updated_at
FROM ai_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("查询任务 %s 失败", id))
	}
	if err := s.loadSteps(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateTaskStatus 更新任务状态，终态时清空当前步骤。
func (s *SQLStorage) UpdateTaskStatus(ctx context.Context, id string, status AIStatus, errMsg string) error {
	terminal := 0
	if status.IsTerminal() {
		terminal = 1
	}
	res, err := s.db.ExecContext(ctx, `UPDATE ai_tasks SET status = ?, error = ?,
current_step_id = CASE WHEN ? = 1 THEN '' ELSE current_step_id END, updated_at = ? WHERE id = ?`,
		string(status), errMsg, terminal, toMillis(time.Now()), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("更新任务 %s 状态失败", id))
	}
	return ensureAffected(ctx, s.db, res, `SELECT COUNT(*) FROM ai_tasks WHERE id = ?`, id)
}

// UpdateStepStatus 更新步骤的状态字段，运行中的步骤同时成为任务的当前步骤。
func (s *SQLStorage) UpdateStepStatus(ctx context.Context, taskID string, step TaskStep) error {
	result, err := encodeJSON(step.Result)
	if err != nil {
		return err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE ai_task_steps SET status = ?, result = ?, error = ?, started_at = ?, ended_at = ?
WHERE task_id = ? AND step_id = ?`,
			string(step.Status), result, step.Error, toMillis(step.StartedAt), toMillis(step.EndedAt), taskID, step.ID)
		if err != nil {
			return err
		}
		if err := ensureAffected(ctx, tx, res, `SELECT COUNT(*) FROM ai_task_steps WHERE task_id = ? AND step_id = ?`, taskID, step.ID); err != nil {
			return err
		}
		if step.Status == AIStatusRunning {
			_, err = tx.ExecContext(ctx, `UPDATE ai_tasks SET current_step_id = ?, updated_at = ? WHERE id = ?`,
				step.ID, toMillis(time.Now()), taskID)
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE ai_tasks SET updated_at = ? WHERE id = ?`, toMillis(time.Now()), taskID)
		}
		return err
	})
	if err != nil {
		if IsTaskError(err, CodeTaskNotFound) {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("更新任务 %s 步骤 %s 失败", taskID, step.ID))
	}
	return nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ensureAffected 在 UPDATE 未影响任何行时确认目标是否存在。
// MySQL 对值未变化的行返回 0，因此需要额外查询。
func ensureAffected(ctx context.Context, q rowQuerier, res sql.Result, query string, args ...any) error {
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	var count int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "确认记录是否存在失败")
	}
	if count == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ListTasks 按过滤条件分页返回任务。
func (s *SQLStorage) ListTasks(ctx context.Context, opts ListOptions) ([]*AITask, error) {
	opts.applyDefaults()
	var (
		where []string
		args  []any
	)
	if len(opts.Statuses) > 0 {
		holders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			holders[i] = "?"
			args = append(args, string(status))
		}
		where = append(where, "status IN ("+strings.Join(holders, ", ")+")")
	}
	if opts.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if !opts.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toMillis(opts.Since))
	}
	if !opts.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, toMillis(opts.Until))
	}
	if opts.Tool != "" {
		where = append(where, "id IN (SELECT task_id FROM ai_task_steps WHERE tool = ?)")
		args = append(args, opts.Tool)
	}
	if opts.Query != "" {
		where = append(where, "LOWER(prompt) LIKE ?")
		args = append(args, "%"+strings.ToLower(opts.Query)+"%")
	}
	query := `SELECT id, prompt, user_id, priority, status, current_step_id, error, metadata, created_at, updated_at FROM ai_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if opts.Order == SortByCreatedAsc {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	var tasks []*AITask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务失败")
		}
		tasks = append(tasks, task)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务列表失败")
	}
	for _, task := range tasks {
		if err := s.loadSteps(ctx, task); err != nil {
			return nil, err
		}
	}
	if tasks == nil {
		tasks = []*AITask{}
	}
	return tasks, nil
}

// Close 关闭数据库连接。
func (s *SQLStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*AITask, error) {
	var (
		task              AITask
		priority          int
		status            string
		errText, metadata sql.NullString
		created, updated  int64
	)
	if err := row.Scan(&task.ID, &task.Prompt, &task.UserID, &priority, &status, &task.CurrentStepID,
		&errText, &metadata, &created, &updated); err != nil {
		return nil, err
	}
	task.Priority = Priority(priority)
	task.Status = AIStatus(status)
	task.Error = errText.String
	task.CreatedAt = fromMillis(created)
	task.UpdatedAt = fromMillis(updated)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &task.Metadata); err != nil {
			return nil, err
		}
	}
	return &task, nil
}

func (s *SQLStorage) loadSteps(ctx context.Context, task *AITask) error {
	rows, err := s.db.QueryContext(ctx, `SELECT step_id, description, tool, arguments, status, result, error, started_at, ended_at
FROM ai_task_steps WHERE task_id = ? ORDER BY seq ASC`, task.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("查询任务 %s 步骤失败", task.ID))
	}
	defer rows.Close()
	task.Steps = make([]TaskStep, 0)
	for rows.Next() {
		var (
			step                        TaskStep
			status                      string
			desc, args, result, errText sql.NullString
			started, ended              int64
		)
		if err := rows.Scan(&step.ID, &desc, &step.Tool, &args, &status, &result, &errText, &started, &ended); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务步骤失败")
		}
		step.Description = desc.String
		step.Status = AIStatus(status)
		step.Error = errText.String
		step.StartedAt = fromMillis(started)
		step.EndedAt = fromMillis(ended)
		if args.Valid && args.String != "" {
			if err := json.Unmarshal([]byte(args.String), &step.Arguments); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析步骤参数失败")
			}
		}
		if result.Valid && result.String != "" {
			if err := json.Unmarshal([]byte(result.String), &step.Result); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析步骤结果失败")
			}
		}
		task.Steps = append(task.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务步骤失败")
	}
	return nil
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化字段失败")
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

var _ TaskStorage = (*SQLStorage)(nil)
