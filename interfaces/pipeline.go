package interfaces

import (
	"context"

	"github.com/caravelhq/caravel/models"
)

// StageLogger receives append-only per-stage log lines from stage executors.
type StageLogger interface {
	Logf(format string, args ...any)
}

// Source materializes repository content at a specific reference.
type Source interface {
	// Checkout places the tree at ref into dir. The ref is a commit hash,
	// branch, or tag; failure to resolve it is SourceUnavailableError.
	Checkout(ctx context.Context, ref, dir string, log StageLogger) error
}

// Builder produces one image artifact per buildable service.
type Builder interface {
	// Build creates the image svc.Image from svc.BuildContext resolved
	// under srcDir. A non-zero build result is BuildError.
	Build(ctx context.Context, svc models.Service, srcDir string, log StageLogger) error
}

// Registry pushes built artifacts. Pulling happens on the deploy host via
// Runtime.PullImage.
type Registry interface {
	Push(ctx context.Context, imageRef string, log StageLogger) error
}

// Session is one remote command channel on a deploy host.
type Session interface {
	// Run executes a command and returns its exit code with captured
	// output. A non-zero exit code is not an error at this layer.
	Run(ctx context.Context, command string) (exitCode int, stdout, stderr string, err error)
	Close() error
}

// Dialer opens remote execution sessions on deploy hosts. Connection or
// authentication failure is RemoteConnectError.
type Dialer interface {
	Connect(ctx context.Context, host string) (Session, error)
}

// Store persists PipelineRun history. Append-only: runs are created and
// updated, never deleted.
type Store interface {
	CreateRun(run *models.PipelineRun) error
	UpdateRun(run *models.PipelineRun) error
	GetRun(id string) (*models.PipelineRun, error)
	ListRuns(limit int) ([]*models.PipelineRun, error)
	AppendStageLog(runID string, entry models.StageLog) error
	RunLogs(runID string) ([]models.StageLog, error)
	Close() error
}
