package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/openfroyo/froyomake/pkg/engine"
)

// Run is one batch resolution of a workspace.
type Run struct {
	ID          string            `json:"id"`
	Workspace   string            `json:"workspace"`
	Status      engine.RunStatus  `json:"status"`
	OrderPolicy string            `json:"order_policy"`
	Summary     engine.RunSummary `json:"summary"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       *string           `json:"error,omitempty"`
	Metadata    string            `json:"metadata"` // JSON blob
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// EntityResult is the outcome of one entity within a run.
type EntityResult struct {
	RunID          string           `json:"run_id"`
	Entity         string           `json:"entity"`
	EntityType     string           `json:"entity_type"`
	Status         engine.RunStatus `json:"status"`
	Configurations int              `json:"configurations"`
	ErrorClass     *string          `json:"error_class,omitempty"`
	Error          *string          `json:"error,omitempty"`
}

// ConfigurationRecord is a persisted configuration snapshot.
type ConfigurationRecord struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Entity     string    `json:"entity"`
	Target     string    `json:"target"`
	Fragments  string    `json:"fragments"`  // JSON object
	Properties string    `json:"properties"` // JSON object
	CreatedAt  time.Time `json:"created_at"`
}

// DependencyRecord is one dependency edge of a persisted configuration.
type DependencyRecord struct {
	ID        int64  `json:"id"`
	RunID     string `json:"run_id"`
	Entity    string `json:"entity"`
	Target    string `json:"target"`
	DependsOn string `json:"depends_on"`
	Type      string `json:"type"`
	Settings  string `json:"settings"`
}

// Violation is a policy finding recorded against a run.
type Violation struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Policy    string    `json:"policy"`
	Rule      string    `json:"rule"`
	Severity  string    `json:"severity"`
	Entity    string    `json:"entity"`
	Target    string    `json:"target"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ConfigurationFilter narrows ListConfigurations. Empty fields match all.
type ConfigurationFilter struct {
	RunID  string
	Entity string
	Target string
	Limit  int
	Offset int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	LatestRun(ctx context.Context) (*Run, error)
	CompleteRun(ctx context.Context, id string, result *engine.BatchResult, errMsg *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Entity results
	SaveEntityResults(ctx context.Context, results []*EntityResult) error
	ListEntityResults(ctx context.Context, runID string) ([]*EntityResult, error)

	// Configuration snapshots and their dependency edges
	SaveConfigurations(ctx context.Context, runID string, snapshots []engine.Snapshot) error
	ListConfigurations(ctx context.Context, filter ConfigurationFilter) ([]*ConfigurationRecord, error)
	ListDependencies(ctx context.Context, runID, entity string) ([]*DependencyRecord, error)

	// Policy violations
	SaveViolations(ctx context.Context, violations []*Violation) error
	ListViolations(ctx context.Context, runID string) ([]*Violation, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
