package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/relay/internal/backup"
	"github.com/ShayCichocki/relay/pkg/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found in ledger")

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Status    models.TaskStatus
	AgentType string
	Limit     int
}

// RecordTask inserts or replaces a task row.
func (db *DB) RecordTask(t *models.Task) error {
	var ctxJSON sql.NullString
	if len(t.Context) > 0 {
		data, err := json.Marshal(t.Context)
		if err != nil {
			return fmt.Errorf("marshal task context: %w", err)
		}
		ctxJSON = sql.NullString{String: string(data), Valid: true}
	}

	_, err := db.Exec(`
		INSERT INTO tasks (
			id, parent_id, agent_type, assigned_agent, description, priority, critical_path,
			status, backup_agent_used, deployment_id, requires_manual_intervention, reason,
			result, context, created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			assigned_agent = excluded.assigned_agent,
			status = excluded.status,
			backup_agent_used = excluded.backup_agent_used,
			deployment_id = excluded.deployment_id,
			requires_manual_intervention = excluded.requires_manual_intervention,
			reason = excluded.reason,
			result = excluded.result,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`,
		t.ID, nullString(t.ParentID), t.AgentType, nullString(t.AssignedAgent), t.Description,
		string(t.Priority), boolToInt(t.CriticalPath), string(t.Status), boolToInt(t.BackupAgentUsed),
		nullString(t.DeploymentID), boolToInt(t.RequiresManualIntervention), nullString(t.Reason),
		nullString(t.Result), ctxJSON, formatTime(t.CreatedAt),
		formatNullableTime(t.StartedAt), formatNullableTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("record task %s: %w", t.ID, err)
	}
	return nil
}

const taskColumns = `id, parent_id, agent_type, assigned_agent, description, priority, critical_path,
	status, backup_agent_used, deployment_id, requires_manual_intervention, reason,
	result, context, created_at, started_at, completed_at`

// GetTask loads one task row.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns task rows newest first.
func (db *DB) ListTasks(f TaskFilter) ([]models.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.AgentType != "" {
		where = append(where, "agent_type = ?")
		args = append(args, f.AgentType)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*models.Task, error) {
	var (
		t                                                models.Task
		parentID, assigned, deploymentID, reason, result sql.NullString
		ctxJSON, startedAt, completedAt                  sql.NullString
		priority, status, createdAt                      string
		critical, backupUsed, manual                     int
	)
	err := s.Scan(&t.ID, &parentID, &t.AgentType, &assigned, &t.Description, &priority, &critical,
		&status, &backupUsed, &deploymentID, &manual, &reason, &result, &ctxJSON,
		&createdAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.ParentID = parentID.String
	t.AssignedAgent = assigned.String
	t.DeploymentID = deploymentID.String
	t.Reason = reason.String
	t.Result = result.String
	t.Priority = models.Priority(priority)
	t.Status = models.TaskStatus(status)
	t.CriticalPath = critical != 0
	t.BackupAgentUsed = backupUsed != 0
	t.RequiresManualIntervention = manual != 0
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	if ctxJSON.Valid {
		if err := json.Unmarshal([]byte(ctxJSON.String), &t.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return &t, nil
}

// RecordDeployment inserts or replaces a deployment row.
func (db *DB) RecordDeployment(d backup.Deployment) error {
	_, err := db.Exec(`
		INSERT INTO deployments (
			id, task_id, failed_agent, backup_agent, criticality, status,
			deployed_at, completed_at, result_summary, failure_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			result_summary = excluded.result_summary,
			failure_reason = excluded.failure_reason
	`,
		d.ID, d.TaskID, d.FailedAgent, d.BackupAgent, nullString(d.Criticality), string(d.Status),
		formatTime(d.DeployedAt), formatNullableTime(d.CompletedAt),
		nullString(d.ResultSummary), nullString(d.FailureReason),
	)
	if err != nil {
		return fmt.Errorf("record deployment %s: %w", d.ID, err)
	}
	return nil
}

// ListDeployments returns deployments for taskID, or all when taskID is empty,
// oldest first.
func (db *DB) ListDeployments(taskID string) ([]backup.Deployment, error) {
	query := `SELECT id, task_id, failed_agent, backup_agent, criticality, status,
		deployed_at, completed_at, result_summary, failure_reason FROM deployments`
	var args []any
	if taskID != "" {
		query += " WHERE task_id = ?"
		args = append(args, taskID)
	}
	query += " ORDER BY deployed_at ASC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []backup.Deployment
	for rows.Next() {
		var (
			d                             backup.Deployment
			criticality, summary, failure sql.NullString
			completedAt                   sql.NullString
			status, deployedAt            string
		)
		if err := rows.Scan(&d.ID, &d.TaskID, &d.FailedAgent, &d.BackupAgent, &criticality, &status,
			&deployedAt, &completedAt, &summary, &failure); err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		d.Criticality = criticality.String
		d.Status = backup.DeploymentStatus(status)
		d.ResultSummary = summary.String
		d.FailureReason = failure.String
		if d.DeployedAt, err = parseTime(deployedAt); err != nil {
			return nil, fmt.Errorf("parse deployed_at: %w", err)
		}
		d.CompletedAt = parseNullableTime(completedAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
