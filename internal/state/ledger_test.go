package state

import (
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/relay/internal/backup"
	"github.com/ShayCichocki/relay/pkg/models"
)

func newTask(id string, created time.Time) *models.Task {
	return &models.Task{
		ID:          id,
		AgentType:   "code-analyzer",
		Description: "analyze " + id,
		Priority:    models.PriorityMedium,
		Status:      models.TaskStatusQueued,
		CreatedAt:   created,
	}
}

func TestRecordTask_RoundTrip(t *testing.T) {
	db := setupTestDB(t)

	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	started := created.Add(time.Second)
	completed := started.Add(time.Minute)
	task := newTask("t-1", created)
	task.ParentID = "parent"
	task.AssignedAgent = "general-purpose"
	task.CriticalPath = true
	task.Status = models.TaskStatusCompleted
	task.BackupAgentUsed = true
	task.DeploymentID = "d-1"
	task.Result = "done"
	task.Context = map[string]any{"repo": "relay"}
	task.StartedAt = &started
	task.CompletedAt = &completed

	if err := db.RecordTask(task); err != nil {
		t.Fatalf("RecordTask: %v", err)
	}

	got, err := db.GetTask("t-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.ParentID != "parent" || got.AssignedAgent != "general-purpose" {
		t.Errorf("parent/assigned = %q/%q", got.ParentID, got.AssignedAgent)
	}
	if !got.CriticalPath || !got.BackupAgentUsed || got.RequiresManualIntervention {
		t.Errorf("flags = critical %v backup %v manual %v", got.CriticalPath, got.BackupAgentUsed, got.RequiresManualIntervention)
	}
	if got.Status != models.TaskStatusCompleted || got.Result != "done" {
		t.Errorf("status/result = %s/%q", got.Status, got.Result)
	}
	if got.Context["repo"] != "relay" {
		t.Errorf("context = %v", got.Context)
	}
	if !got.CreatedAt.Equal(created) || got.StartedAt == nil || !got.CompletedAt.Equal(completed) {
		t.Errorf("timestamps = %v %v %v", got.CreatedAt, got.StartedAt, got.CompletedAt)
	}
	if got.Duration() != time.Minute {
		t.Errorf("Duration() = %v, want 1m", got.Duration())
	}
}

func TestRecordTask_Upsert(t *testing.T) {
	db := setupTestDB(t)

	task := newTask("t-1", time.Now())
	if err := db.RecordTask(task); err != nil {
		t.Fatalf("RecordTask: %v", err)
	}
	task.Status = models.TaskStatusFailed
	task.Reason = "agent crashed"
	if err := db.RecordTask(task); err != nil {
		t.Fatalf("RecordTask update: %v", err)
	}

	got, err := db.GetTask("t-1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != models.TaskStatusFailed || got.Reason != "agent crashed" {
		t.Errorf("got %s/%q after update", got.Status, got.Reason)
	}

	all, err := db.ListTasks(TaskFilter{})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ListTasks returned %d rows, want 1", len(all))
	}
}

func TestGetTask_NotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.GetTask("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListTasks_Filter(t *testing.T) {
	db := setupTestDB(t)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	specs := []struct {
		id        string
		agentType string
		status    models.TaskStatus
	}{
		{"a", "code-analyzer", models.TaskStatusCompleted},
		{"b", "code-analyzer", models.TaskStatusFailed},
		{"c", "security-fixer", models.TaskStatusCompleted},
		{"d", "code-analyzer", models.TaskStatusCompleted},
	}
	for i, s := range specs {
		task := newTask(s.id, base.Add(time.Duration(i)*time.Minute))
		task.AgentType = s.agentType
		task.Status = s.status
		if err := db.RecordTask(task); err != nil {
			t.Fatalf("RecordTask(%s): %v", s.id, err)
		}
	}

	tests := []struct {
		name   string
		filter TaskFilter
		want   []string
	}{
		{"all newest first", TaskFilter{}, []string{"d", "c", "b", "a"}},
		{"by status", TaskFilter{Status: models.TaskStatusCompleted}, []string{"d", "c", "a"}},
		{"by agent type", TaskFilter{AgentType: "code-analyzer"}, []string{"d", "b", "a"}},
		{"combined", TaskFilter{AgentType: "code-analyzer", Status: models.TaskStatusFailed}, []string{"b"}},
		{"limit", TaskFilter{Limit: 2}, []string{"d", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListTasks(tt.filter)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d tasks, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("task[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestDeployments(t *testing.T) {
	db := setupTestDB(t)

	deployed := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	d := backup.Deployment{
		ID:          "d-1",
		TaskID:      "t-1",
		FailedAgent: "precision-editor",
		BackupAgent: "code-analyzer",
		Criticality: "high",
		Status:      backup.DeploymentDeployed,
		DeployedAt:  deployed,
	}
	if err := db.RecordDeployment(d); err != nil {
		t.Fatalf("RecordDeployment: %v", err)
	}

	done := deployed.Add(2 * time.Minute)
	d.Status = backup.DeploymentCompleted
	d.CompletedAt = &done
	d.ResultSummary = "fixed"
	if err := db.RecordDeployment(d); err != nil {
		t.Fatalf("RecordDeployment update: %v", err)
	}

	other := d
	other.ID = "d-2"
	other.TaskID = "t-2"
	other.DeployedAt = deployed.Add(time.Hour)
	other.CompletedAt = nil
	other.Status = backup.DeploymentFailed
	other.FailureReason = "backup failed"
	if err := db.RecordDeployment(other); err != nil {
		t.Fatalf("RecordDeployment: %v", err)
	}

	forTask, err := db.ListDeployments("t-1")
	if err != nil {
		t.Fatalf("ListDeployments: %v", err)
	}
	if len(forTask) != 1 {
		t.Fatalf("ListDeployments(t-1) = %d rows, want 1", len(forTask))
	}
	got := forTask[0]
	if got.Status != backup.DeploymentCompleted || got.ResultSummary != "fixed" {
		t.Errorf("got %s/%q", got.Status, got.ResultSummary)
	}
	if got.Duration() != 2*time.Minute {
		t.Errorf("Duration() = %v, want 2m", got.Duration())
	}

	all, err := db.ListDeployments("")
	if err != nil {
		t.Fatalf("ListDeployments(all): %v", err)
	}
	if len(all) != 2 || all[0].ID != "d-1" || all[1].FailureReason != "backup failed" {
		t.Errorf("ListDeployments(all) = %+v", all)
	}
}
