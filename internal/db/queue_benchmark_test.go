package db

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/kimhsiao/caresync/internal/models"
)

// populateQueue creates n entities spread over every type, each with one
// pending create.
func populateQueue(b *testing.B, repo *Repository, n int) {
	b.Helper()
	ctx := context.Background()
	types := models.AllEntityTypes()
	err := repo.WithTx(ctx, func(tx Store) error {
		for i := 0; i < n; i++ {
			e := &models.SyncableEntity{
				LocalID:    models.UUID(uuid.NewString()),
				EntityType: types[i%len(types)],
				ScopeID:    fmt.Sprintf("patient-%d", i%40),
				Fields:     json.RawMessage(`{"patient_id":"p"}`),
				CreatedAt:  int64(1000 + i),
				UpdatedAt:  int64(1000 + i),
			}
			if err := tx.CreateEntity(ctx, e); err != nil {
				return err
			}
			item := &models.SyncQueueItem{
				EntityType: e.EntityType,
				EntityID:   e.LocalID,
				Action:     models.ActionCreate,
				Payload:    e.Fields,
				CreatedAt:  e.CreatedAt,
			}
			if err := tx.EnqueueItem(ctx, item); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.Fatalf("populate queue: %v", err)
	}
}

// BenchmarkDrainQueue1000Items walks a 1,000 item queue in batches of 50 the
// way a push run does.
func BenchmarkDrainQueue1000Items(b *testing.B) {
	_, repo := openTestRepo(b)
	populateQueue(b, repo, 1000)
	ctx := context.Background()

	b.Run("AllTypes", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			var cursor int64
			seen := 0
			for {
				batch, err := repo.ListQueueItems(ctx, QueueFilter{
					Status:  models.QueueStatusPending,
					AfterID: cursor,
					Limit:   50,
				})
				if err != nil {
					b.Fatal(err)
				}
				if len(batch) == 0 {
					break
				}
				seen += len(batch)
				cursor = batch[len(batch)-1].ID
			}
			if seen != 1000 {
				b.Fatalf("drained %d items, want 1000", seen)
			}
		}
	})

	b.Run("OneGroup", func(b *testing.B) {
		types := models.TypesInGroup(models.GroupBilling)
		for i := 0; i < b.N; i++ {
			if _, err := repo.ListQueueItems(ctx, QueueFilter{
				Status: models.QueueStatusPending,
				Types:  types,
				Limit:  50,
			}); err != nil {
				b.Fatal(err)
			}
		}
	})
}

// BenchmarkListEntitiesByScope measures the patient-scoped listing used by
// pull and the records API.
func BenchmarkListEntitiesByScope(b *testing.B) {
	_, repo := openTestRepo(b)
	populateQueue(b, repo, 1000)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := repo.ListEntities(ctx, EntityFilter{EntityType: models.EntityInvoice, ScopeID: "patient-7"}); err != nil {
			b.Fatal(err)
		}
	}
}
