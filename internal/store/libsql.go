package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/conduct/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// --- Plan executions ---

const planColumns = `uuid, status, pipeline_execution_id, started_at, ended_at, created_at, updated_at`

func (s *LibSQLStore) CreatePlanExecution(ctx context.Context, plan *PlanExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plan_executions (uuid, status, pipeline_execution_id, started_at, ended_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		plan.UUID, string(plan.Status), nullStr(plan.PipelineExecutionID),
		nullTime(plan.StartedAt), nullTime(plan.EndedAt),
		timeOrNow(plan.CreatedAt), timeOrNow(plan.UpdatedAt),
	)
	return err
}

func scanPlan(row interface{ Scan(...any) error }) (*PlanExecution, error) {
	p := &PlanExecution{}
	var (
		status             string
		pipelineID         sql.NullString
		startedAt, endedAt sql.NullTime
	)
	if err := row.Scan(&p.UUID, &status, &pipelineID, &startedAt, &endedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = schema.ExecutionStatus(status)
	p.PipelineExecutionID = pipelineID.String
	if startedAt.Valid {
		p.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		p.EndedAt = &endedAt.Time
	}
	return p, nil
}

func getPlanExecution(ctx context.Context, q querier, id string) (*PlanExecution, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM plan_executions WHERE uuid = ?`, id)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("plan execution", id)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *LibSQLStore) GetPlanExecution(ctx context.Context, id string) (*PlanExecution, error) {
	return getPlanExecution(ctx, s.db, id)
}

func (s *LibSQLStore) ListPlanExecutions(ctx context.Context, filter PlanExecutionFilter) ([]*PlanExecution, error) {
	var where []string
	var args []any

	if filter.PipelineExecutionID != "" {
		where = append(where, "pipeline_execution_id = ?")
		args = append(args, filter.PipelineExecutionID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.EndedBefore != nil {
		where = append(where, "ended_at IS NOT NULL AND ended_at < ?")
		args = append(args, *filter.EndedBefore)
	}

	query := `SELECT ` + planColumns + ` FROM plan_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*PlanExecution
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// UpdatePlanStatusGuarded applies the new status only if the current status is
// in the allowed set (empty set = no restriction). Returns (nil, nil) when the
// guard fails but the plan exists.
func (s *LibSQLStore) UpdatePlanStatusGuarded(ctx context.Context, id string, newStatus schema.ExecutionStatus, allowed []schema.ExecutionStatus) (*PlanExecution, error) {
	query := `UPDATE plan_executions SET status = ?, updated_at = CURRENT_TIMESTAMP`
	args := []any{string(newStatus)}
	if schema.IsFinalStatus(newStatus) {
		query += `, ended_at = CURRENT_TIMESTAMP`
	}
	query += ` WHERE uuid = ?`
	args = append(args, id)
	if len(allowed) > 0 {
		query += ` AND status IN (` + placeholders(len(allowed)) + `)`
		for _, st := range allowed {
			args = append(args, string(st))
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Distinguish guard failure from a missing plan.
		if _, gerr := getPlanExecution(ctx, s.db, id); gerr != nil {
			return nil, gerr
		}
		return nil, nil
	}
	return getPlanExecution(ctx, s.db, id)
}

func (s *LibSQLStore) DeletePlanExecution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plan_executions WHERE uuid = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "plan execution", id)
}

// --- Node executions ---

const nodeColumns = `uuid, plan_execution_id, ambiance, name, identifier, step_type, node_group, status,
	failure_info, step_parameters, retry_count, retried_node_id, retried, started_at, ended_at, created_at, updated_at`

func (s *LibSQLStore) CreateNodeExecution(ctx context.Context, node *NodeExecution) error {
	ambiance, err := json.Marshal(node.Ambiance)
	if err != nil {
		return fmt.Errorf("marshal ambiance: %w", err)
	}
	var failureInfo any
	if node.FailureInfo != nil {
		b, merr := json.Marshal(node.FailureInfo)
		if merr != nil {
			return fmt.Errorf("marshal failure_info: %w", merr)
		}
		failureInfo = string(b)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_executions (uuid, plan_execution_id, ambiance, name, identifier, step_type, node_group, status,
		  failure_info, step_parameters, retry_count, retried_node_id, retried, started_at, ended_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.UUID, node.PlanExecutionID, string(ambiance), nullStr(node.Name), node.Identifier,
		nullStr(node.StepType), string(node.Group), string(node.Status),
		failureInfo, nullRaw(node.StepParameters), node.RetryCount,
		nullStr(node.RetriedNodeID), boolToInt(node.Retried),
		nullTime(node.StartedAt), nullTime(node.EndedAt),
		timeOrNow(node.CreatedAt), timeOrNow(node.UpdatedAt),
	)
	return err
}

func scanNode(row interface{ Scan(...any) error }) (*NodeExecution, error) {
	n := &NodeExecution{}
	var (
		ambianceJSON                        string
		name, stepType, retriedID           sql.NullString
		failureJSON, paramsJSON             sql.NullString
		group, status                       string
		retried                             int
		startedAt, endedAt                  sql.NullTime
	)
	if err := row.Scan(&n.UUID, &n.PlanExecutionID, &ambianceJSON, &name, &n.Identifier,
		&stepType, &group, &status, &failureJSON, &paramsJSON, &n.RetryCount,
		&retriedID, &retried, &startedAt, &endedAt, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ambianceJSON), &n.Ambiance); err != nil {
		return nil, fmt.Errorf("unmarshal ambiance: %w", err)
	}
	n.Name = name.String
	n.StepType = stepType.String
	n.Group = schema.LevelGroup(group)
	n.Status = schema.ExecutionStatus(status)
	n.RetriedNodeID = retriedID.String
	n.Retried = retried != 0
	if failureJSON.Valid && failureJSON.String != "" {
		n.FailureInfo = &schema.FailureInfo{}
		if err := json.Unmarshal([]byte(failureJSON.String), n.FailureInfo); err != nil {
			return nil, fmt.Errorf("unmarshal failure_info: %w", err)
		}
	}
	n.StepParameters = rawOrNil(paramsJSON)
	if startedAt.Valid {
		n.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		n.EndedAt = &endedAt.Time
	}
	return n, nil
}

func getNodeExecution(ctx context.Context, q querier, id string) (*NodeExecution, error) {
	row := q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM node_executions WHERE uuid = ?`, id)
	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node execution", id)
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *LibSQLStore) GetNodeExecution(ctx context.Context, id string) (*NodeExecution, error) {
	return getNodeExecution(ctx, s.db, id)
}

func (s *LibSQLStore) ListNodeExecutions(ctx context.Context, filter NodeExecutionFilter) ([]*NodeExecution, error) {
	var where []string
	var args []any

	if filter.PlanExecutionID != "" {
		where = append(where, "plan_execution_id = ?")
		args = append(args, filter.PlanExecutionID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.Group != "" {
		where = append(where, "node_group = ?")
		args = append(args, string(filter.Group))
	}
	if filter.StepType != "" {
		where = append(where, "step_type = ?")
		args = append(args, filter.StepType)
	}
	if !filter.IncludeRetried {
		where = append(where, "retried = 0")
	}

	query := `SELECT ` + nodeColumns + ` FROM node_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeExecution
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// UpdateNodeStatusGuarded atomically checks the current status is in the
// allowed set (empty set = no restriction), applies the new status plus any
// extra ops in a single transaction, and returns the post-update document.
// Returns (nil, nil) when the guard fails: the caller must treat that as
// "could not apply, already moved on", not as an error.
func (s *LibSQLStore) UpdateNodeStatusGuarded(ctx context.Context, id string, newStatus schema.ExecutionStatus, allowed []schema.ExecutionStatus, ops *NodeUpdateOps) (*NodeExecution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin guarded update: %w", err)
	}
	defer tx.Rollback()

	sets := []string{"status = ?", "updated_at = CURRENT_TIMESTAMP"}
	args := []any{string(newStatus)}

	if ops != nil {
		if ops.SetFailureInfo != nil {
			fi, merr := json.Marshal(ops.SetFailureInfo)
			if merr != nil {
				return nil, fmt.Errorf("marshal failure_info: %w", merr)
			}
			sets = append(sets, "failure_info = ?")
			args = append(args, string(fi))
		}
		if ops.SetStartedAt != nil {
			sets = append(sets, "started_at = ?")
			args = append(args, *ops.SetStartedAt)
		}
		if ops.SetEndedAt != nil {
			sets = append(sets, "ended_at = ?")
			args = append(args, *ops.SetEndedAt)
		}
		if ops.IncrementRetry {
			sets = append(sets, "retry_count = retry_count + 1")
		}
		if ops.MarkRetried {
			sets = append(sets, "retried = 1")
		}
		if ops.SetRetriedNode != "" {
			sets = append(sets, "retried_node_id = ?")
			args = append(args, ops.SetRetriedNode)
		}
	}

	query := `UPDATE node_executions SET ` + strings.Join(sets, ", ") + ` WHERE uuid = ?`
	args = append(args, id)
	if len(allowed) > 0 {
		query += ` AND status IN (` + placeholders(len(allowed)) + `)`
		for _, st := range allowed {
			args = append(args, string(st))
		}
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Distinguish guard failure from a missing node.
		if _, gerr := getNodeExecution(ctx, tx, id); gerr != nil {
			return nil, gerr
		}
		return nil, nil
	}

	if ops != nil && ops.AppendEffect != nil {
		if err := appendEffect(ctx, tx, ops.AppendEffect, id, true); err != nil {
			return nil, err
		}
	}

	node, err := getNodeExecution(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit guarded update: %w", err)
	}
	return node, nil
}

func (s *LibSQLStore) DeleteNodeExecutions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Effects are embedded records of the node; they go with it.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM interrupt_effects WHERE node_execution_id IN (`+placeholders(len(ids))+`)`, args...); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM node_executions WHERE uuid IN (`+placeholders(len(ids))+`)`, args...); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Interrupts ---

const interruptColumns = `uuid, type, state, plan_execution_id, node_execution_id, config, created_by, created_at, updated_at`

func (s *LibSQLStore) CreateInterrupt(ctx context.Context, interrupt *Interrupt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interrupts (uuid, type, state, plan_execution_id, node_execution_id, config, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		interrupt.UUID, string(interrupt.Type), string(interrupt.State),
		interrupt.PlanExecutionID, nullStr(interrupt.NodeExecutionID),
		string(interrupt.Config.Marshal()), nullStr(interrupt.CreatedBy),
		timeOrNow(interrupt.CreatedAt), timeOrNow(interrupt.UpdatedAt),
	)
	return err
}

func scanInterrupt(row interface{ Scan(...any) error }) (*Interrupt, error) {
	i := &Interrupt{}
	var (
		typ, state          string
		nodeID, createdBy   sql.NullString
		configJSON          sql.NullString
	)
	if err := row.Scan(&i.UUID, &typ, &state, &i.PlanExecutionID, &nodeID, &configJSON, &createdBy, &i.CreatedAt, &i.UpdatedAt); err != nil {
		return nil, err
	}
	i.Type = schema.InterruptType(typ)
	i.State = schema.InterruptState(state)
	i.NodeExecutionID = nodeID.String
	i.CreatedBy = createdBy.String
	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &i.Config); err != nil {
			return nil, fmt.Errorf("unmarshal interrupt config: %w", err)
		}
	}
	return i, nil
}

func (s *LibSQLStore) GetInterrupt(ctx context.Context, id string) (*Interrupt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+interruptColumns+` FROM interrupts WHERE uuid = ?`, id)
	i, err := scanInterrupt(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("interrupt", id)
	}
	if err != nil {
		return nil, err
	}
	return i, nil
}

func (s *LibSQLStore) ListInterrupts(ctx context.Context, filter InterruptFilter) ([]*Interrupt, error) {
	var where []string
	var args []any

	if filter.PlanExecutionID != "" {
		where = append(where, "plan_execution_id = ?")
		args = append(args, filter.PlanExecutionID)
	}
	if filter.NodeExecutionID != "" {
		where = append(where, "node_execution_id = ?")
		args = append(args, filter.NodeExecutionID)
	}
	if filter.PlanWideOnly {
		where = append(where, "node_execution_id IS NULL")
	}
	if len(filter.Types) > 0 {
		where = append(where, "type IN ("+placeholders(len(filter.Types))+")")
		for _, t := range filter.Types {
			args = append(args, string(t))
		}
	}
	if len(filter.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(filter.States))+")")
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + interruptColumns + ` FROM interrupts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var interrupts []*Interrupt
	for rows.Next() {
		i, err := scanInterrupt(rows)
		if err != nil {
			return nil, err
		}
		interrupts = append(interrupts, i)
	}
	return interrupts, rows.Err()
}

// UpdateInterruptState moves an interrupt to the given state. Terminal states
// are immutable: an update against a terminal interrupt affects zero rows and
// surfaces as NotFound.
func (s *LibSQLStore) UpdateInterruptState(ctx context.Context, id string, state schema.InterruptState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE interrupts SET state = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE uuid = ? AND state IN (?, ?)`,
		string(state), id, string(schema.InterruptRegistered), string(schema.InterruptProcessing),
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "interrupt", id)
}

func (s *LibSQLStore) DeleteInterruptsForNodes(ctx context.Context, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	args := make([]any, len(nodeIDs))
	for i, id := range nodeIDs {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM interrupts WHERE node_execution_id IN (`+placeholders(len(nodeIDs))+`)`, args...)
	return err
}

// --- Interrupt effects ---

// appendEffect inserts an effect with the next per-node sequence inside the
// given transaction.
func appendEffect(ctx context.Context, tx *sql.Tx, effect *InterruptEffect, nodeID string, tookEffect bool) error {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM interrupt_effects WHERE node_execution_id = ?`, nodeID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next effect sequence: %w", err)
	}
	effect.NodeExecutionID = nodeID
	effect.Sequence = seq
	effect.TookEffect = tookEffect
	if effect.Timestamp.IsZero() {
		effect.Timestamp = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO interrupt_effects (node_execution_id, interrupt_id, interrupt_type, config, took_effect, sequence, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		effect.NodeExecutionID, effect.InterruptID, string(effect.InterruptType),
		nullRaw(effect.Config), boolToInt(tookEffect), seq, effect.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert interrupt effect: %w", err)
	}
	return nil
}

// AppendInterruptEffect records an interrupt attempt outside a guarded update,
// e.g. an interrupt that lost the underlying status race. The effect log
// records every interrupt that was attempted, not only the one that won.
func (s *LibSQLStore) AppendInterruptEffect(ctx context.Context, effect *InterruptEffect) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin effect append: %w", err)
	}
	defer tx.Rollback()

	if err := appendEffect(ctx, tx, effect, effect.NodeExecutionID, effect.TookEffect); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListInterruptEffects(ctx context.Context, nodeExecutionID string) ([]*InterruptEffect, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, node_execution_id, interrupt_id, interrupt_type, config, took_effect, sequence, timestamp
		 FROM interrupt_effects WHERE node_execution_id = ? ORDER BY sequence ASC`, nodeExecutionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var effects []*InterruptEffect
	for rows.Next() {
		e := &InterruptEffect{}
		var typ string
		var configJSON sql.NullString
		var tookEffect int
		if err := rows.Scan(&e.ID, &e.NodeExecutionID, &e.InterruptID, &typ, &configJSON, &tookEffect, &e.Sequence, &e.Timestamp); err != nil {
			return nil, err
		}
		e.InterruptType = schema.InterruptType(typ)
		e.Config = rawOrNil(configJSON)
		e.TookEffect = tookEffect != 0
		effects = append(effects, e)
	}
	return effects, rows.Err()
}

// --- Wait instances ---

func (s *LibSQLStore) CreateWaitInstance(ctx context.Context, wi *WaitInstance) error {
	corr, err := json.Marshal(wi.CorrelationIDs)
	if err != nil {
		return fmt.Errorf("marshal correlation ids: %w", err)
	}
	pending := wi.PendingIDs
	if pending == nil {
		pending = wi.CorrelationIDs
	}
	pend, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("marshal pending ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO wait_instances (uuid, publisher_name, node_execution_id, correlation_ids, pending_ids, responses, callback_type, callback_payload, done, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wi.UUID, wi.PublisherName, nullStr(wi.NodeExecutionID),
		string(corr), string(pend), nullRaw(wi.Responses),
		wi.Callback.Type, nullRaw(wi.Callback.Payload),
		boolToInt(wi.Done), timeOrNow(wi.CreatedAt), timeOrNow(wi.UpdatedAt),
	)
	return err
}

const waitColumns = `uuid, publisher_name, node_execution_id, correlation_ids, pending_ids, responses, callback_type, callback_payload, done, created_at, updated_at`

func scanWaitInstance(row interface{ Scan(...any) error }) (*WaitInstance, error) {
	wi := &WaitInstance{}
	var (
		nodeID                    sql.NullString
		corrJSON, pendJSON        string
		responses, cbPayload      sql.NullString
		done                      int
	)
	if err := row.Scan(&wi.UUID, &wi.PublisherName, &nodeID, &corrJSON, &pendJSON,
		&responses, &wi.Callback.Type, &cbPayload, &done, &wi.CreatedAt, &wi.UpdatedAt); err != nil {
		return nil, err
	}
	wi.NodeExecutionID = nodeID.String
	if err := json.Unmarshal([]byte(corrJSON), &wi.CorrelationIDs); err != nil {
		return nil, fmt.Errorf("unmarshal correlation ids: %w", err)
	}
	if err := json.Unmarshal([]byte(pendJSON), &wi.PendingIDs); err != nil {
		return nil, fmt.Errorf("unmarshal pending ids: %w", err)
	}
	wi.Responses = rawOrNil(responses)
	wi.Callback.Payload = rawOrNil(cbPayload)
	wi.Done = done != 0
	return wi, nil
}

func (s *LibSQLStore) GetWaitInstance(ctx context.Context, id string) (*WaitInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+waitColumns+` FROM wait_instances WHERE uuid = ?`, id)
	wi, err := scanWaitInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("wait instance", id)
	}
	if err != nil {
		return nil, err
	}
	return wi, nil
}

// MarkCorrelationDone removes the correlation id from every waiting
// instance's pending set, folding the response into its response map, and
// returns the instances whose pending set became empty (now done).
func (s *LibSQLStore) MarkCorrelationDone(ctx context.Context, correlationID string, response json.RawMessage) ([]*WaitInstance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin notify: %w", err)
	}
	defer tx.Rollback()

	// pending_ids is a JSON array of strings; the LIKE match narrows the scan,
	// the exact membership check happens after unmarshalling.
	rows, err := tx.QueryContext(ctx,
		`SELECT `+waitColumns+` FROM wait_instances WHERE done = 0 AND pending_ids LIKE ?`,
		`%"`+correlationID+`"%`)
	if err != nil {
		return nil, err
	}
	var matched []*WaitInstance
	for rows.Next() {
		wi, serr := scanWaitInstance(rows)
		if serr != nil {
			rows.Close()
			return nil, serr
		}
		matched = append(matched, wi)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var completed []*WaitInstance
	for _, wi := range matched {
		var remaining []string
		found := false
		for _, p := range wi.PendingIDs {
			if p == correlationID {
				found = true
				continue
			}
			remaining = append(remaining, p)
		}
		if !found {
			continue
		}

		responses := map[string]json.RawMessage{}
		if len(wi.Responses) > 0 {
			if uerr := json.Unmarshal(wi.Responses, &responses); uerr != nil {
				return nil, fmt.Errorf("unmarshal responses: %w", uerr)
			}
		}
		responses[correlationID] = response
		respJSON, merr := json.Marshal(responses)
		if merr != nil {
			return nil, fmt.Errorf("marshal responses: %w", merr)
		}

		if remaining == nil {
			remaining = []string{}
		}
		pendJSON, merr := json.Marshal(remaining)
		if merr != nil {
			return nil, fmt.Errorf("marshal pending ids: %w", merr)
		}

		done := len(remaining) == 0
		if _, uerr := tx.ExecContext(ctx,
			`UPDATE wait_instances SET pending_ids = ?, responses = ?, done = ?, updated_at = CURRENT_TIMESTAMP WHERE uuid = ?`,
			string(pendJSON), string(respJSON), boolToInt(done), wi.UUID,
		); uerr != nil {
			return nil, uerr
		}
		if done {
			wi.PendingIDs = remaining
			wi.Responses = respJSON
			wi.Done = true
			completed = append(completed, wi)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit notify: %w", err)
	}
	return completed, nil
}

func (s *LibSQLStore) DeleteWaitInstancesForNodes(ctx context.Context, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	args := make([]any, len(nodeIDs))
	for i, id := range nodeIDs {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM wait_instances WHERE node_execution_id IN (`+placeholders(len(nodeIDs))+`)`, args...)
	return err
}

// --- Execution input instances ---

func (s *LibSQLStore) CreateExecutionInput(ctx context.Context, in *ExecutionInputInstance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_input_instances (uuid, node_execution_id, template, submitted, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		in.UUID, in.NodeExecutionID, string(in.Template), nullRaw(in.Submitted), timeOrNow(in.CreatedAt),
	)
	return err
}

// GetExecutionInputByNode returns the node's open input instance when one
// exists, falling back to the newest. A node that re-enters INPUT_WAITING
// accumulates instances; submissions must always land on the open one.
func (s *LibSQLStore) GetExecutionInputByNode(ctx context.Context, nodeExecutionID string) (*ExecutionInputInstance, error) {
	in := &ExecutionInputInstance{}
	var template string
	var submitted sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT uuid, node_execution_id, template, submitted, created_at
		 FROM execution_input_instances WHERE node_execution_id = ?
		 ORDER BY (submitted IS NULL) DESC, created_at DESC LIMIT 1`, nodeExecutionID,
	).Scan(&in.UUID, &in.NodeExecutionID, &template, &submitted, &in.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution input instance", nodeExecutionID)
	}
	if err != nil {
		return nil, err
	}
	in.Template = json.RawMessage(template)
	in.Submitted = rawOrNil(submitted)
	return in, nil
}

func (s *LibSQLStore) SetExecutionInputSubmitted(ctx context.Context, id string, submitted json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_input_instances SET submitted = ? WHERE uuid = ?`,
		string(submitted), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution input instance", id)
}

func (s *LibSQLStore) DeleteExecutionInputsForNodes(ctx context.Context, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	args := make([]any, len(nodeIDs))
	for i, id := range nodeIDs {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM execution_input_instances WHERE node_execution_id IN (`+placeholders(len(nodeIDs))+`)`, args...)
	return err
}

// --- Timeout instances ---

func (s *LibSQLStore) CreateTimeoutInstance(ctx context.Context, ti *TimeoutInstance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timeout_instances (uuid, plan_execution_id, node_execution_id, action, config, expires_at, fired, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ti.UUID, ti.PlanExecutionID, ti.NodeExecutionID, string(ti.Action),
		string(ti.Config.Marshal()), ti.ExpiresAt, boolToInt(ti.Fired), timeOrNow(ti.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListExpiredTimeouts(ctx context.Context, now time.Time) ([]*TimeoutInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid, plan_execution_id, node_execution_id, action, config, expires_at, fired, created_at
		 FROM timeout_instances WHERE fired = 0 AND expires_at <= ? ORDER BY expires_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*TimeoutInstance
	for rows.Next() {
		ti := &TimeoutInstance{}
		var action string
		var configJSON sql.NullString
		var fired int
		if err := rows.Scan(&ti.UUID, &ti.PlanExecutionID, &ti.NodeExecutionID, &action, &configJSON, &ti.ExpiresAt, &fired, &ti.CreatedAt); err != nil {
			return nil, err
		}
		ti.Action = schema.InterruptType(action)
		ti.Fired = fired != 0
		if configJSON.Valid && configJSON.String != "" {
			if err := json.Unmarshal([]byte(configJSON.String), &ti.Config); err != nil {
				return nil, fmt.Errorf("unmarshal timeout config: %w", err)
			}
		}
		instances = append(instances, ti)
	}
	return instances, rows.Err()
}

// MarkTimeoutFired claims an expired timeout. Affecting zero rows means
// another worker already fired it; surfaced as NotFound so the sweeper skips.
func (s *LibSQLStore) MarkTimeoutFired(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE timeout_instances SET fired = 1 WHERE uuid = ? AND fired = 0`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "timeout instance", id)
}

func (s *LibSQLStore) DeleteTimeoutsForNodes(ctx context.Context, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	args := make([]any, len(nodeIDs))
	for i, id := range nodeIDs {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM timeout_instances WHERE node_execution_id IN (`+placeholders(len(nodeIDs))+`)`, args...)
	return err
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.ConductError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
