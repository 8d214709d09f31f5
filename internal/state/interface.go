package state

import (
	"io"

	"github.com/ShayCichocki/relay/internal/backup"
	"github.com/ShayCichocki/relay/pkg/models"
)

// TaskStore persists terminal task records.
type TaskStore interface {
	RecordTask(t *models.Task) error
	GetTask(id string) (*models.Task, error)
	ListTasks(f TaskFilter) ([]models.Task, error)
}

// DeploymentStore persists finished backup deployments.
type DeploymentStore interface {
	RecordDeployment(d backup.Deployment) error
	ListDeployments(taskID string) ([]backup.Deployment, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	Migrate() error
}

// Ledger is everything the orchestrator writes after a run.
type Ledger interface {
	io.Closer
	Migrator
	TaskStore
	DeploymentStore
}

var (
	_ Ledger          = (*DB)(nil)
	_ TaskStore       = (*DB)(nil)
	_ DeploymentStore = (*DB)(nil)
)
