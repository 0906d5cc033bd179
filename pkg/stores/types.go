package stores

import (
	"context"
	"errors"

	"github.com/hostpanel/hostpanel/pkg/billing"
	"github.com/hostpanel/hostpanel/pkg/engine"
	"github.com/hostpanel/hostpanel/pkg/resources"
)

// ErrNotFound is returned when a run or resource does not exist. Missing
// bills return billing.ErrNotFound.
var ErrNotFound = errors.New("not found")

var _ Store = (*SQLiteStore)(nil)

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Ledger
	billing.Repository
	CreateBill(ctx context.Context, b *billing.Bill, numbering billing.Numbering) error
	AddLine(ctx context.Context, billID int64, l *billing.Line) error
	AddTransaction(ctx context.Context, t *billing.Transaction) error
	SetTransactionState(ctx context.Context, id int64, state billing.TransactionState) error
	GetBill(ctx context.Context, id int64) (*billing.Bill, error)
	ListBills(ctx context.Context, f BillFilter) ([]*billing.Bill, error)

	// Applied inventory
	UpsertResource(ctx context.Context, r engine.Resource, runID string) error
	DeleteResource(ctx context.Context, key string) error
	GetResource(ctx context.Context, key string) (*AppliedResource, error)
	ListResources(ctx context.Context, kind string) ([]*AppliedResource, error)
	Applied(ctx context.Context) ([]engine.Resource, error)
	RecordApplied(ctx context.Context, run *engine.Run, desired *resources.Set) error

	// Run log
	engine.RunRecorder
	GetRun(ctx context.Context, id string) (*engine.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error)
	FailedResources(ctx context.Context, runID string) ([]string, error)
	LastScript(ctx context.Context, unit string) (string, error)
}
