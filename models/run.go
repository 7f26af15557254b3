package models

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunPending   RunStatus = "Pending"
	RunRunning   RunStatus = "Running"
	RunSucceeded RunStatus = "Succeeded"
	RunFailed    RunStatus = "Failed"
	RunCancelled RunStatus = "Cancelled"
)

type StageName string

const (
	StageCheckout StageName = "Checkout"
	StageBuild    StageName = "Build"
	StagePublish  StageName = "Publish"
	StageDeploy   StageName = "Deploy"
)

// StageOrder is the fixed sequence of pipeline stages. No stage starts until
// the previous one has succeeded; none are skipped.
var StageOrder = []StageName{StageCheckout, StageBuild, StagePublish, StageDeploy}

type StageStatus string

const (
	StagePending   StageStatus = "Pending"
	StageRunning   StageStatus = "Running"
	StageSucceeded StageStatus = "Succeeded"
	StageFailed    StageStatus = "Failed"
	StageSkipped   StageStatus = "Skipped"
)

type StageLog struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     StageName `json:"stage"`
	Message   string    `json:"message"`
}

type Stage struct {
	Name       StageName   `json:"name"`
	Status     StageStatus `json:"status"`
	Error      string      `json:"error,omitempty"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// PipelineRun is one trigger's journey through the stage machine. History is
// append-only: a run is created once and updated in place, never deleted.
type PipelineRun struct {
	ID         uuid.UUID  `json:"id"`
	Target     string     `json:"target"`
	TriggerRef string     `json:"trigger_ref"`
	Status     RunStatus  `json:"status"`
	Stages     []Stage    `json:"stages"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func NewPipelineRun(target, triggerRef string) *PipelineRun {
	stages := make([]Stage, 0, len(StageOrder))
	for _, name := range StageOrder {
		stages = append(stages, Stage{Name: name, Status: StagePending})
	}
	return &PipelineRun{
		ID:         uuid.New(),
		Target:     target,
		TriggerRef: triggerRef,
		Status:     RunPending,
		Stages:     stages,
		CreatedAt:  time.Now().UTC(),
	}
}

// Stage returns the run's stage with the given name, or nil.
func (r *PipelineRun) Stage(name StageName) *Stage {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// Terminal reports whether the run has reached a final status.
func (r *PipelineRun) Terminal() bool {
	return r.Status == RunSucceeded || r.Status == RunFailed || r.Status == RunCancelled
}
