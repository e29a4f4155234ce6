package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action classifies a grant mutation.
type Action string

const (
	ActionCreate    Action = "create"
	ActionUpdate    Action = "update"
	ActionRevoke    Action = "revoke"
	ActionBootstrap Action = "bootstrap"
)

// Valid reports whether the action is one of the known mutations.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionRevoke, ActionBootstrap:
		return true
	}
	return false
}

// Record is one immutable entry of the grant audit trail. Records are
// appended exactly once per mutation and never modified; this package
// deliberately exposes no update or delete operation.
type Record struct {
	ID             uuid.UUID
	Actor          string
	TargetIdentity string
	Action         Action
	BeforeState    []byte // JSON snapshot of the grant before the mutation, nil on create
	AfterState     []byte // JSON snapshot after the mutation, nil on revoke
	Reason         string
	CreatedAt      time.Time
}

// Filter narrows an audit query. Zero fields match everything.
type Filter struct {
	Actor    string
	Target   string
	Action   Action
	From     time.Time
	To       time.Time
	Page     int
	PageSize int
}

// PagingInfo describes the window a query returned.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result wraps one page of audit records.
type Result struct {
	Records []Record
	Paging  PagingInfo
}

// Repository is the persistence contract of the audit log.
type Repository interface {
	Insert(ctx context.Context, record Record) (uuid.UUID, error)
	Window(ctx context.Context, filter Filter, limit, offset int) ([]Record, error)
	All(ctx context.Context, filter Filter) ([]Record, error)
}

// Service coordinates audit trail access.
type Service struct {
	repo Repository
}

// NewService builds an audit service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Append stores one record and returns its ID. Missing IDs and
// timestamps are filled in; structural problems are rejected before the
// repository is touched.
func (s *Service) Append(ctx context.Context, record Record) (uuid.UUID, error) {
	if s.repo == nil {
		return uuid.Nil, fmt.Errorf("audit: repository not configured")
	}
	if strings.TrimSpace(record.Actor) == "" {
		return uuid.Nil, fmt.Errorf("audit: actor required")
	}
	if strings.TrimSpace(record.TargetIdentity) == "" {
		return uuid.Nil, fmt.Errorf("audit: target identity required")
	}
	if !record.Action.Valid() {
		return uuid.Nil, fmt.Errorf("audit: unknown action %q", record.Action)
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return s.repo.Insert(ctx, record)
}

// Query returns a page of records, newest first.
func (s *Service) Query(ctx context.Context, filter Filter) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize

	// Fetch one extra row to learn whether a next page exists.
	records, err := s.repo.Window(ctx, filter, pageSize+1, offset)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(records) > pageSize
	if hasNext {
		records = records[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Records: records, Paging: paging}, nil
}

// Export returns every matching record without paging, newest first.
func (s *Service) Export(ctx context.Context, filter Filter) ([]Record, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("audit: repository not configured")
	}
	return s.repo.All(ctx, filter)
}
