package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"stepflow/internal/agent"
	"stepflow/internal/workflow"
)

// SQL is a Store backed by sqlite or postgres.
type SQL struct {
	db      *sql.DB
	dialect string
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_runs (
    id VARCHAR(64) PRIMARY KEY,
    project_id VARCHAR(255) NOT NULL,
    name TEXT NOT NULL,
    template VARCHAR(255) NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_runs_project ON workflow_runs(project_id)`,
	`CREATE TABLE IF NOT EXISTS workflow_steps (
    id VARCHAR(64) PRIMARY KEY,
    run_id VARCHAR(64) NOT NULL REFERENCES workflow_runs(id),
    step_number INTEGER NOT NULL,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status VARCHAR(32) NOT NULL,
    assigned_agent_ids TEXT NOT NULL,
    has_activity BOOLEAN NOT NULL DEFAULT FALSE,
    conversation_count INTEGER NOT NULL DEFAULT 0,
    task_count INTEGER NOT NULL DEFAULT 0,
    started BOOLEAN NOT NULL DEFAULT FALSE,
    task_plan TEXT NOT NULL,
    comments TEXT NOT NULL DEFAULT '',
    reviewed_by VARCHAR(255) NOT NULL DEFAULT '',
    reviewed_at TIMESTAMP NULL,
    version INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (run_id, step_number)
)`,
	`CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(64) PRIMARY KEY,
    seq INTEGER NOT NULL,
    run_id VARCHAR(64) NOT NULL,
    step_id VARCHAR(64) NOT NULL REFERENCES workflow_steps(id),
    title TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    type VARCHAR(64) NOT NULL DEFAULT '',
    priority VARCHAR(16) NOT NULL,
    status VARCHAR(32) NOT NULL,
    progress INTEGER NOT NULL DEFAULT 0,
    assigned_agent_id VARCHAR(255) NOT NULL DEFAULT '',
    is_collaborative BOOLEAN NOT NULL DEFAULT FALSE,
    result TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_step ON tasks(step_id)`,
	`CREATE TABLE IF NOT EXISTS collaborative_tasks (
    task_id VARCHAR(64) PRIMARY KEY REFERENCES tasks(id),
    agent_chain TEXT NOT NULL,
    current_agent_index INTEGER NOT NULL,
    overall_progress DOUBLE PRECISION NOT NULL,
    collaboration_status VARCHAR(32) NOT NULL,
    version INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS step_messages (
    id VARCHAR(64) PRIMARY KEY,
    seq INTEGER NOT NULL,
    run_id VARCHAR(64) NOT NULL,
    step_id VARCHAR(64) NOT NULL REFERENCES workflow_steps(id),
    author_type VARCHAR(16) NOT NULL,
    author_id VARCHAR(255) NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_step_messages_step ON step_messages(step_id)`,
}

// NewSQL wraps an open database. dialect is "sqlite" or "postgres".
func NewSQL(ctx context.Context, db *sql.DB, dialect string) (*SQL, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if dialect == "sqlite3" {
		dialect = "sqlite"
	}
	switch dialect {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, sqlite)", dialect)
	}

	s := &SQL{db: db, dialect: dialect}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQL) initSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// View implements Store.
func (s *SQL) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	return fn(&sqlTx{ctx: ctx, tx: tx, dialect: s.dialect, readOnly: true})
}

// Update implements Store.
func (s *SQL) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&sqlTx{ctx: ctx, tx: tx, dialect: s.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn("Rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQL) Close() error {
	return s.db.Close()
}

type sqlTx struct {
	ctx      context.Context
	tx       *sql.Tx
	dialect  string
	readOnly bool
}

// rebind rewrites ? placeholders as $n for postgres.
func (tx *sqlTx) rebind(query string) string {
	if tx.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (tx *sqlTx) exec(query string, args ...any) (sql.Result, error) {
	if tx.readOnly {
		return nil, errReadOnly
	}
	return tx.tx.ExecContext(tx.ctx, tx.rebind(query), args...)
}

func (tx *sqlTx) queryRow(query string, args ...any) *sql.Row {
	return tx.tx.QueryRowContext(tx.ctx, tx.rebind(query), args...)
}

func (tx *sqlTx) query(query string, args ...any) (*sql.Rows, error) {
	return tx.tx.QueryContext(tx.ctx, tx.rebind(query), args...)
}

// exists reports whether a row with the given key exists in table.
func (tx *sqlTx) exists(table, column, id string) (bool, error) {
	var one int
	err := tx.queryRow("SELECT 1 FROM "+table+" WHERE "+column+" = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// casResult maps a compare-and-swap UPDATE result to a store error.
func (tx *sqlTx) casResult(res sql.Result, table, column, kind, id string, version int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	ok, err := tx.exists(table, column, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return fmt.Errorf("%s %s changed since version %d: %w", kind, id, version, ErrConcurrentModification)
}

func (tx *sqlTx) nextSeq(table string) (int64, error) {
	var seq int64
	err := tx.queryRow("SELECT COALESCE(MAX(seq), 0) + 1 FROM " + table).Scan(&seq)
	return seq, err
}

func (tx *sqlTx) CreateRun(run *workflow.Run) error {
	if ok, err := tx.exists("workflow_runs", "id", run.ID); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrAlreadyExists)
	}
	_, err := tx.exec(`INSERT INTO workflow_runs (id, project_id, name, template, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`, run.ID, run.ProjectID, run.Name, run.Template, run.CreatedAt.UTC(), run.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (tx *sqlTx) GetRun(id string) (*workflow.Run, error) {
	var r workflow.Run
	err := tx.queryRow(`SELECT id, project_id, name, template, created_at, updated_at FROM workflow_runs WHERE id = ?`, id).
		Scan(&r.ID, &r.ProjectID, &r.Name, &r.Template, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select run: %w", err)
	}
	return &r, nil
}

const stepColumns = `id, run_id, step_number, name, description, status, assigned_agent_ids, has_activity,
conversation_count, task_count, started, task_plan, comments, reviewed_by, reviewed_at, version, created_at, updated_at`

func (tx *sqlTx) CreateStep(step *workflow.Step) error {
	if ok, err := tx.exists("workflow_runs", "id", step.RunID); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("run %s: %w", step.RunID, ErrNotFound)
	}
	if ok, err := tx.exists("workflow_steps", "id", step.ID); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("step %s: %w", step.ID, ErrAlreadyExists)
	}
	if step.Version == 0 {
		step.Version = 1
	}
	agents, plan, err := encodeStepJSON(step)
	if err != nil {
		return err
	}
	_, err = tx.exec(`INSERT INTO workflow_steps (`+stepColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.StepNumber, step.Name, step.Description, string(step.Status), agents,
		step.HasActivity, step.ConversationCount, step.TaskCount, step.Started, plan, step.Comments,
		step.ReviewedBy, nullTime(step.ReviewedAt), step.Version, step.CreatedAt.UTC(), step.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func (tx *sqlTx) GetStep(id string) (*workflow.Step, error) {
	step, err := scanStep(tx.queryRow(`SELECT `+stepColumns+` FROM workflow_steps WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("step %s: %w", id, ErrNotFound)
	}
	return step, err
}

func (tx *sqlTx) ListSteps(runID string) ([]*workflow.Step, error) {
	rows, err := tx.query(`SELECT `+stepColumns+` FROM workflow_steps WHERE run_id = ? ORDER BY step_number`, runID)
	if err != nil {
		return nil, fmt.Errorf("select steps: %w", err)
	}
	defer rows.Close()

	var steps []*workflow.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (tx *sqlTx) UpdateStep(step *workflow.Step) error {
	agents, plan, err := encodeStepJSON(step)
	if err != nil {
		return err
	}
	res, err := tx.exec(`UPDATE workflow_steps SET
    name = ?, description = ?, status = ?, assigned_agent_ids = ?, has_activity = ?,
    conversation_count = ?, task_count = ?, started = ?, task_plan = ?, comments = ?,
    reviewed_by = ?, reviewed_at = ?, updated_at = ?, version = version + 1
WHERE id = ? AND version = ?`,
		step.Name, step.Description, string(step.Status), agents, step.HasActivity,
		step.ConversationCount, step.TaskCount, step.Started, plan, step.Comments,
		step.ReviewedBy, nullTime(step.ReviewedAt), step.UpdatedAt.UTC(), step.ID, step.Version)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if err := tx.casResult(res, "workflow_steps", "id", "step", step.ID, step.Version); err != nil {
		return err
	}
	step.Version++
	return nil
}

const taskColumns = `id, run_id, step_id, title, description, type, priority, status, progress,
assigned_agent_id, is_collaborative, result, version, created_at, updated_at, completed_at`

func (tx *sqlTx) CreateTask(task *agent.Task) error {
	if ok, err := tx.exists("tasks", "id", task.ID); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("task %s: %w", task.ID, ErrAlreadyExists)
	}
	seq, err := tx.nextSeq("tasks")
	if err != nil {
		return err
	}
	if task.Version == 0 {
		task.Version = 1
	}
	_, err = tx.exec(`INSERT INTO tasks (seq, `+taskColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seq, task.ID, task.RunID, task.StepID, task.Title, task.Description, task.Type,
		string(task.Priority), string(task.Status), task.Progress, task.AssignedAgentID,
		task.IsCollaborative, task.Result, task.Version, task.CreatedAt.UTC(), task.UpdatedAt.UTC(),
		nullTime(task.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (tx *sqlTx) GetTask(id string) (*agent.Task, error) {
	task, err := scanTask(tx.queryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return task, err
}

func (tx *sqlTx) ListTasks(stepID string) ([]*agent.Task, error) {
	rows, err := tx.query(`SELECT `+taskColumns+` FROM tasks WHERE step_id = ? ORDER BY seq`, stepID)
	if err != nil {
		return nil, fmt.Errorf("select tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*agent.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (tx *sqlTx) UpdateTask(task *agent.Task) error {
	res, err := tx.exec(`UPDATE tasks SET
    title = ?, description = ?, type = ?, priority = ?, status = ?, progress = ?,
    assigned_agent_id = ?, is_collaborative = ?, result = ?, updated_at = ?, completed_at = ?,
    version = version + 1
WHERE id = ? AND version = ?`,
		task.Title, task.Description, task.Type, string(task.Priority), string(task.Status), task.Progress,
		task.AssignedAgentID, task.IsCollaborative, task.Result, task.UpdatedAt.UTC(), nullTime(task.CompletedAt),
		task.ID, task.Version)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if err := tx.casResult(res, "tasks", "id", "task", task.ID, task.Version); err != nil {
		return err
	}
	task.Version++
	return nil
}

func (tx *sqlTx) CreateChain(chain *agent.CollaborativeTask) error {
	if ok, err := tx.exists("tasks", "id", chain.TaskID); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("task %s: %w", chain.TaskID, ErrNotFound)
	}
	if ok, err := tx.exists("collaborative_tasks", "task_id", chain.TaskID); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("chain %s: %w", chain.TaskID, ErrAlreadyExists)
	}
	if chain.Version == 0 {
		chain.Version = 1
	}
	links, err := json.Marshal(chain.AgentChain)
	if err != nil {
		return fmt.Errorf("encode chain: %w", err)
	}
	_, err = tx.exec(`INSERT INTO collaborative_tasks
(task_id, agent_chain, current_agent_index, overall_progress, collaboration_status, version, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		chain.TaskID, string(links), chain.CurrentAgentIndex, chain.OverallProgress,
		string(chain.CollaborationStatus), chain.Version, chain.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert chain: %w", err)
	}
	return nil
}

func (tx *sqlTx) GetChain(taskID string) (*agent.CollaborativeTask, error) {
	var (
		c      agent.CollaborativeTask
		links  string
		status string
	)
	err := tx.queryRow(`SELECT task_id, agent_chain, current_agent_index, overall_progress, collaboration_status, version, updated_at
FROM collaborative_tasks WHERE task_id = ?`, taskID).
		Scan(&c.TaskID, &links, &c.CurrentAgentIndex, &c.OverallProgress, &status, &c.Version, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chain %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("select chain: %w", err)
	}
	c.CollaborationStatus = agent.CollaborationStatus(status)
	if err := json.Unmarshal([]byte(links), &c.AgentChain); err != nil {
		return nil, fmt.Errorf("decode chain %s: %w", taskID, err)
	}
	return &c, nil
}

func (tx *sqlTx) UpdateChain(chain *agent.CollaborativeTask) error {
	links, err := json.Marshal(chain.AgentChain)
	if err != nil {
		return fmt.Errorf("encode chain: %w", err)
	}
	res, err := tx.exec(`UPDATE collaborative_tasks SET
    agent_chain = ?, current_agent_index = ?, overall_progress = ?, collaboration_status = ?,
    updated_at = ?, version = version + 1
WHERE task_id = ? AND version = ?`,
		string(links), chain.CurrentAgentIndex, chain.OverallProgress, string(chain.CollaborationStatus),
		chain.UpdatedAt.UTC(), chain.TaskID, chain.Version)
	if err != nil {
		return fmt.Errorf("update chain: %w", err)
	}
	if err := tx.casResult(res, "collaborative_tasks", "task_id", "chain", chain.TaskID, chain.Version); err != nil {
		return err
	}
	chain.Version++
	return nil
}

func (tx *sqlTx) AppendMessage(msg *workflow.Message) error {
	if ok, err := tx.exists("workflow_steps", "id", msg.StepID); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("step %s: %w", msg.StepID, ErrNotFound)
	}
	seq, err := tx.nextSeq("step_messages")
	if err != nil {
		return err
	}
	_, err = tx.exec(`INSERT INTO step_messages (id, seq, run_id, step_id, author_type, author_id, content, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, seq, msg.RunID, msg.StepID, string(msg.AuthorType), msg.AuthorID, msg.Content, msg.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (tx *sqlTx) ListMessages(stepID string) ([]*workflow.Message, error) {
	rows, err := tx.query(`SELECT id, run_id, step_id, author_type, author_id, content, created_at
FROM step_messages WHERE step_id = ? ORDER BY seq`, stepID)
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Message
	for rows.Next() {
		var (
			m      workflow.Message
			author string
		)
		if err := rows.Scan(&m.ID, &m.RunID, &m.StepID, &author, &m.AuthorID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.AuthorType = workflow.AuthorType(author)
		out = append(out, &m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStep(row scanner) (*workflow.Step, error) {
	var (
		s          workflow.Step
		status     string
		agents     string
		plan       string
		reviewedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.RunID, &s.StepNumber, &s.Name, &s.Description, &status, &agents, &s.HasActivity,
		&s.ConversationCount, &s.TaskCount, &s.Started, &plan, &s.Comments, &s.ReviewedBy, &reviewedAt,
		&s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = workflow.StepStatus(status)
	if reviewedAt.Valid {
		t := reviewedAt.Time
		s.ReviewedAt = &t
	}
	if err := json.Unmarshal([]byte(agents), &s.AssignedAgentIDs); err != nil {
		return nil, fmt.Errorf("decode agents of step %s: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(plan), &s.TaskPlan); err != nil {
		return nil, fmt.Errorf("decode task plan of step %s: %w", s.ID, err)
	}
	return &s, nil
}

func scanTask(row scanner) (*agent.Task, error) {
	var (
		t           agent.Task
		priority    string
		status      string
		completedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.RunID, &t.StepID, &t.Title, &t.Description, &t.Type, &priority, &status,
		&t.Progress, &t.AssignedAgentID, &t.IsCollaborative, &t.Result, &t.Version, &t.CreatedAt, &t.UpdatedAt,
		&completedAt)
	if err != nil {
		return nil, err
	}
	t.Priority = agent.TaskPriority(priority)
	t.Status = agent.TaskStatus(status)
	if completedAt.Valid {
		ct := completedAt.Time
		t.CompletedAt = &ct
	}
	return &t, nil
}

func encodeStepJSON(step *workflow.Step) (agents, plan string, err error) {
	ids := step.AssignedAgentIDs
	if ids == nil {
		ids = []string{}
	}
	a, err := json.Marshal(ids)
	if err != nil {
		return "", "", fmt.Errorf("encode agents: %w", err)
	}
	tp := step.TaskPlan
	if tp == nil {
		tp = []workflow.TaskSpec{}
	}
	p, err := json.Marshal(tp)
	if err != nil {
		return "", "", fmt.Errorf("encode task plan: %w", err)
	}
	return string(a), string(p), nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
