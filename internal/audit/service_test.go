package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

type stubRepo struct {
	inserted   []Record
	windowRows []Record
	allRows    []Record

	lastFilter Filter
	lastLimit  int
	lastOffset int
}

func (s *stubRepo) Insert(ctx context.Context, record Record) (uuid.UUID, error) {
	s.inserted = append(s.inserted, record)
	return record.ID, nil
}

func (s *stubRepo) Window(ctx context.Context, filter Filter, limit, offset int) ([]Record, error) {
	s.lastFilter = filter
	s.lastLimit = limit
	s.lastOffset = offset
	return s.windowRows, nil
}

func (s *stubRepo) All(ctx context.Context, filter Filter) ([]Record, error) {
	s.lastFilter = filter
	return s.allRows, nil
}

func mockRecord(createdAt string, actor, target string, action Action) Record {
	ts, _ := time.Parse(time.RFC3339, createdAt)
	return Record{
		ID:             uuid.New(),
		Actor:          actor,
		TargetIdentity: target,
		Action:         action,
		CreatedAt:      ts,
	}
}

func TestAppendFillsDefaults(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo)

	id, err := svc.Append(context.Background(), Record{
		Actor:          "root@example.com",
		TargetIdentity: "mod@example.com",
		Action:         ActionCreate,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id == uuid.Nil {
		t.Fatalf("expected generated id")
	}
	if len(repo.inserted) != 1 {
		t.Fatalf("expected one insert")
	}
	if repo.inserted[0].CreatedAt.IsZero() {
		t.Fatalf("expected created_at filled in")
	}
}

func TestAppendRejectsStructuralProblems(t *testing.T) {
	svc := NewService(&stubRepo{})

	cases := []Record{
		{TargetIdentity: "mod@example.com", Action: ActionCreate},
		{Actor: "root@example.com", Action: ActionCreate},
		{Actor: "root@example.com", TargetIdentity: "mod@example.com", Action: "drop"},
	}
	for i, record := range cases {
		if _, err := svc.Append(context.Background(), record); err == nil {
			t.Fatalf("case %d: expected rejection", i)
		}
	}
}

func TestQueryPaging(t *testing.T) {
	repo := &stubRepo{windowRows: []Record{
		mockRecord("2026-08-10T10:00:00Z", "root@example.com", "a@example.com", ActionUpdate),
		mockRecord("2026-08-09T09:00:00Z", "root@example.com", "b@example.com", ActionCreate),
		mockRecord("2026-08-08T08:00:00Z", "root@example.com", "c@example.com", ActionRevoke),
	}}
	svc := NewService(repo)

	result, err := svc.Query(context.Background(), Filter{Page: 1, PageSize: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(result.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(result.Records))
	}
	if !result.Paging.HasNext {
		t.Fatalf("expected hasNext true")
	}
	if result.Paging.NextPage != 2 || result.Paging.PrevPage != 0 {
		t.Fatalf("unexpected paging: %+v", result.Paging)
	}
	if repo.lastLimit != 3 {
		t.Fatalf("expected lookahead limit 3, got %d", repo.lastLimit)
	}
	if repo.lastOffset != 0 {
		t.Fatalf("expected offset 0, got %d", repo.lastOffset)
	}
}

func TestQueryClampsPageSize(t *testing.T) {
	repo := &stubRepo{}
	svc := NewService(repo)

	if _, err := svc.Query(context.Background(), Filter{PageSize: 500}); err != nil {
		t.Fatalf("query: %v", err)
	}
	if repo.lastLimit != 51 {
		t.Fatalf("expected page size clamped to 50, got limit %d", repo.lastLimit)
	}

	if _, err := svc.Query(context.Background(), Filter{}); err != nil {
		t.Fatalf("query: %v", err)
	}
	if repo.lastLimit != 21 {
		t.Fatalf("expected default page size 20, got limit %d", repo.lastLimit)
	}
}

func TestExportReturnsAllRows(t *testing.T) {
	repo := &stubRepo{allRows: []Record{
		mockRecord("2026-08-10T10:00:00Z", "root@example.com", "a@example.com", ActionUpdate),
		mockRecord("2026-08-09T09:00:00Z", "root@example.com", "b@example.com", ActionCreate),
	}}
	svc := NewService(repo)

	records, err := svc.Export(context.Background(), Filter{Actor: "root@example.com"})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if repo.lastFilter.Actor != "root@example.com" {
		t.Fatalf("expected actor filter passed through")
	}
}
