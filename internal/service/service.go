// Package service coordinates run execution: it owns the lifecycle of
// concurrent runs, drives the pull loop for each, executes steps through
// the tool executors, and reconciles locally persisted results with the
// orchestrator.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/xiaot623/gogo/agent/internal/backoff"
	"github.com/xiaot623/gogo/agent/internal/config"
	"github.com/xiaot623/gogo/agent/internal/domain"
	"github.com/xiaot623/gogo/agent/internal/store"
	"github.com/xiaot623/gogo/agent/internal/tools"
)

// Orchestrator is the remote control-plane surface the service talks to.
type Orchestrator interface {
	CreateRun(ctx context.Context, req *domain.CreateRunRequest) (*domain.CreateRunResponse, error)
	NextStep(ctx context.Context, runID string) (*domain.NextStepResponse, error)
	ReportResult(ctx context.Context, runID string, stepIndex int, req *domain.ReportResultRequest) (*domain.ReportResultResponse, error)
	GetRun(ctx context.Context, runID string) (*domain.RunSnapshot, error)
}

// NotifierFunc receives lifecycle notifications for the application
// shell. Observational only; a nil notifier is valid.
type NotifierFunc func(domain.Notification)

type Service struct {
	store    *store.SQLiteStore
	orch     Orchestrator
	toolDeps tools.Deps
	config   *config.Config
	notifier NotifierFunc
	backoff  backoff.Policy

	// overridable in tests
	sleep func(d time.Duration)

	mu        sync.Mutex
	active    map[string]context.CancelFunc
	pushQueue map[string]string // result id -> queue id, for push-channel acks
}

func New(st *store.SQLiteStore, orch Orchestrator, toolDeps tools.Deps, cfg *config.Config, notifier NotifierFunc) *Service {
	return &Service{
		store:    st,
		orch:     orch,
		toolDeps: toolDeps,
		config:   cfg,
		notifier: notifier,
		backoff: backoff.Policy{
			Base: cfg.BackoffBase,
			Cap:  cfg.BackoffCap,
		},
		sleep:     time.Sleep,
		active:    make(map[string]context.CancelFunc),
		pushQueue: make(map[string]string),
	}
}

func (s *Service) notify(n domain.Notification) {
	if s.notifier == nil {
		return
	}
	n.Ts = time.Now().UnixMilli()
	s.notifier(n)
}

// Store exposes the underlying state store to the transport layer.
func (s *Service) Store() *store.SQLiteStore {
	return s.store
}
