package audit

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/onnwee/limestore/internal/middleware"
)

func TestInMemoryRepository_Append(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	log, err := repo.Append(ctx, Entry{
		ActorID:    "user-1",
		EntityType: EntityOrder,
		EntityID:   "LIME-1",
		Action:     ActionPaymentVerified,
		Outcome:    OutcomeSuccess,
		Channel:    "webhook",
		Provenance: "provider_verified",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if log.ID == "" {
		t.Error("expected generated ID")
	}
	if log.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
	if log.PreviousHash != "" {
		t.Errorf("first entry PreviousHash = %q, want empty", log.PreviousHash)
	}
	if log.Channel != "webhook" || log.Provenance != "provider_verified" {
		t.Errorf("unexpected log: %+v", log)
	}
}

func TestInMemoryRepository_QueryByEntity(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	for _, action := range []string{ActionCheckoutStarted, ActionPaymentRejected, ActionPaymentVerified} {
		if _, err := repo.Append(ctx, Entry{EntityType: EntityOrder, EntityID: "LIME-1", Action: action}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	_, _ = repo.Append(ctx, Entry{EntityType: EntityOrder, EntityID: "LIME-2", Action: ActionCheckoutStarted})

	logs, err := repo.QueryByEntity(ctx, EntityOrder, "LIME-1", 0)
	if err != nil {
		t.Fatalf("QueryByEntity: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(logs))
	}
	if logs[0].Action != ActionPaymentVerified {
		t.Errorf("newest first: got %q", logs[0].Action)
	}

	limited, _ := repo.QueryByEntity(ctx, EntityOrder, "LIME-1", 2)
	if len(limited) != 2 {
		t.Errorf("expected 2 logs with limit, got %d", len(limited))
	}

	none, _ := repo.QueryByEntity(ctx, EntityOrder, "LIME-404", 0)
	if len(none) != 0 {
		t.Errorf("expected no logs, got %d", len(none))
	}
}

func TestInMemoryRepository_QueryByActor(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	_, _ = repo.Append(ctx, Entry{ActorID: "u1", EntityType: EntityOrder, EntityID: "A", Action: ActionOrderViewed})
	_, _ = repo.Append(ctx, Entry{ActorID: "u2", EntityType: EntityOrder, EntityID: "B", Action: ActionOrderViewed})
	_, _ = repo.Append(ctx, Entry{ActorID: "u1", EntityType: EntityOrder, EntityID: "C", Action: ActionOrderViewed})

	logs, _ := repo.QueryByActor(ctx, "u1", 0)
	if len(logs) != 2 || logs[0].EntityID != "C" {
		t.Errorf("unexpected logs: %+v", logs)
	}
}

func TestInMemoryRepository_HashChain(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	first, _ := repo.Append(ctx, Entry{EntityType: EntityOrder, EntityID: "A", Action: ActionCheckoutStarted})
	second, _ := repo.Append(ctx, Entry{EntityType: EntityOrder, EntityID: "A", Action: ActionPaymentVerified})

	if second.PreviousHash != hashEvent(first) {
		t.Error("second entry should link to the first")
	}
	if err := repo.VerifyChain(ctx); err != nil {
		t.Fatalf("VerifyChain on untouched chain: %v", err)
	}

	repo.mu.Lock()
	repo.events[0].Outcome = OutcomeFailure
	repo.mu.Unlock()

	if err := repo.VerifyChain(ctx); !errors.Is(err, ErrChainBroken) {
		t.Errorf("expected ErrChainBroken after tampering, got %v", err)
	}
}

func TestInMemoryRepository_ConcurrentAppends(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = repo.Append(ctx, Entry{EntityType: EntityOrder, EntityID: "A", Action: ActionOrderViewed})
		}()
	}
	wg.Wait()

	if err := repo.VerifyChain(ctx); err != nil {
		t.Errorf("chain should stay valid under concurrency: %v", err)
	}
	logs, _ := repo.QueryByEntity(ctx, EntityOrder, "A", 0)
	if len(logs) != 50 {
		t.Errorf("expected 50 logs, got %d", len(logs))
	}
}

func TestRecord_FillsFromContext(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := middleware.SetUserID(context.Background(), "user-7")
	ctx = middleware.SetRequestID(ctx, "req-123")

	err := Record(ctx, repo, Entry{EntityType: EntityOrder, EntityID: "LIME-1", Action: ActionOrderRecorded})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	logs, _ := repo.QueryByEntity(ctx, EntityOrder, "LIME-1", 0)
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}
	if logs[0].ActorID != "user-7" || logs[0].RequestID != "req-123" || logs[0].Outcome != OutcomeSuccess {
		t.Errorf("unexpected log: %+v", logs[0])
	}
}

func TestRecord_Validation(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryRepository()

	tests := []struct {
		name  string
		entry Entry
		want  error
	}{
		{"empty entity type", Entry{EntityID: "A", Action: ActionOrderViewed}, ErrInvalidEntityType},
		{"unknown entity type", Entry{EntityType: "product", EntityID: "A", Action: ActionOrderViewed}, ErrInvalidEntityType},
		{"empty entity id", Entry{EntityType: EntityOrder, Action: ActionOrderViewed}, ErrInvalidEntityID},
		{"empty action", Entry{EntityType: EntityOrder, EntityID: "A"}, ErrInvalidAction},
		{"unknown action", Entry{EntityType: EntityOrder, EntityID: "A", Action: "delete_everything"}, ErrInvalidAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Record(ctx, repo, tt.entry); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if err := Record(ctx, nil, Entry{}); !errors.Is(err, ErrNilRepository) {
		t.Errorf("expected ErrNilRepository, got %v", err)
	}
}

func TestRecordFromRequest_IPAddress(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr", "192.0.2.1:1234", nil, "192.0.2.1"},
		{"x-forwarded-for", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "203.0.113.5"},
		{"x-forwarded-for with port", "10.0.0.1:1", map[string]string{"X-Forwarded-For": "203.0.113.5:8080"}, "203.0.113.5"},
		{"empty x-forwarded-for", "192.0.2.9:1", map[string]string{"X-Forwarded-For": "  "}, "192.0.2.9"},
		{"x-real-ip", "10.0.0.1:1", map[string]string{"X-Real-IP": "198.51.100.7"}, "198.51.100.7"},
		{"ipv6", "[2001:db8::1]:443", nil, "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewInMemoryRepository()
			req := httptest.NewRequest("GET", "/api/orders/LIME-1", nil)
			req.RemoteAddr = tt.remoteAddr
			req.Header.Set("User-Agent", "test-agent")
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			err := RecordFromRequest(req, repo, Entry{EntityType: EntityOrder, EntityID: "LIME-1", Action: ActionOrderViewed})
			if err != nil {
				t.Fatalf("RecordFromRequest: %v", err)
			}
			logs, _ := repo.QueryByEntity(context.Background(), EntityOrder, "LIME-1", 0)
			if logs[0].IPAddress != tt.want {
				t.Errorf("IPAddress = %q, want %q", logs[0].IPAddress, tt.want)
			}
			if logs[0].UserAgent != "test-agent" {
				t.Errorf("UserAgent = %q", logs[0].UserAgent)
			}
		})
	}
}
