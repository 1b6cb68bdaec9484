package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/caresync/internal/db"
	apperrors "github.com/kimhsiao/caresync/internal/errors"
	"github.com/kimhsiao/caresync/internal/models"
	"github.com/kimhsiao/caresync/internal/sync/breaker"
	"github.com/kimhsiao/caresync/internal/sync/conflict"
	"github.com/kimhsiao/caresync/internal/sync/connectivity"
	"github.com/kimhsiao/caresync/internal/sync/remote"
	"github.com/kimhsiao/caresync/internal/sync/remote/remotetest"
	"github.com/kimhsiao/caresync/internal/sync/retry"
	"github.com/kimhsiao/caresync/internal/testutil"
)

type harness struct {
	engine *Engine
	repo   *db.Repository
	server *remotetest.Server
	api    *remote.Client
	oracle *connectivity.Static
	clock  *testutil.FakeClock
}

func noWait(context.Context, time.Duration) error { return nil }

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithAPI(t, nil, opts...)
}

// newHarnessWithAPI lets wrap decorate the remote client the engine uses.
func newHarnessWithAPI(t *testing.T, wrap func(remote.API) remote.API, opts ...Option) *harness {
	t.Helper()
	srv := remotetest.New()
	srv.Start()
	t.Cleanup(srv.Close)

	h := &harness{
		repo:   testutil.NewStore(t),
		server: srv,
		api:    remote.NewClient(remote.Config{BaseURL: srv.URL(), Timeout: 5 * time.Second}),
		oracle: connectivity.NewStatic(true),
		clock:  testutil.NewFakeClock(time.Unix(1_700_000_000, 0)),
	}

	cfg := DefaultConfig()
	cfg.Retry = retry.Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
	cfg.Breaker = breaker.Config{FailureThreshold: 100, Timeout: time.Minute, HalfOpenSuccesses: 1}

	base := []Option{WithClock(h.clock), WithRetryOptions(retry.WithWait(noWait))}
	var api remote.API = h.api
	if wrap != nil {
		api = wrap(api)
	}
	h.engine = NewEngine(h.repo, api, h.oracle, cfg, append(base, opts...)...)
	return h
}

// newRecord stores a never-pushed entity and queues its create.
func (h *harness) newRecord(t *testing.T, typ models.EntityType, fields string) *models.SyncableEntity {
	t.Helper()
	ctx := context.Background()
	now := h.clock.Now().Unix()
	ent := &models.SyncableEntity{
		LocalID:    models.UUID(uuid.NewString()),
		EntityType: typ,
		ScopeID:    "patient-1",
		Fields:     json.RawMessage(fields),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, h.repo.CreateEntity(ctx, ent))
	_, err := h.engine.QueueForSync(ctx, typ, ent.LocalID, models.ActionCreate, ent.Fields)
	require.NoError(t, err)
	return ent
}

func (h *harness) entity(t *testing.T, id models.UUID) *models.SyncableEntity {
	t.Helper()
	ent, err := h.repo.GetEntity(context.Background(), id)
	require.NoError(t, err)
	return ent
}

func (h *harness) pending(t *testing.T) int {
	t.Helper()
	n, err := h.engine.PendingSyncCount(context.Background())
	require.NoError(t, err)
	return n
}

func (h *harness) push(t *testing.T) *SyncResult {
	t.Helper()
	res, err := h.engine.SyncPending(context.Background())
	require.NoError(t, err)
	return res
}

func TestNewEngine(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, SyncStatusIdle, h.engine.Status())
	assert.Nil(t, h.engine.LastSync())
	assert.NoError(t, h.engine.LastError())
	assert.Equal(t, 0, h.pending(t))
}

func TestSyncPending_offline(t *testing.T) {
	h := newHarness(t)
	h.newRecord(t, models.EntityInvoice, `{"number":"INV-1"}`)
	h.oracle.SetOnline(false)

	res := h.push(t)

	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, string(apperrors.ErrSyncOffline), res.Errors[0].Code)
	assert.Equal(t, 1, h.pending(t))
	assert.Zero(t, h.server.Requests(http.MethodPost, "invoices"))
	assert.Error(t, h.engine.LastError())
}

func TestSyncPending_lifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ent := h.newRecord(t, models.EntityInvoice, `{"number":"INV-1","amount":100}`)

	res := h.push(t)
	require.True(t, res.Success, "%+v", res.Errors)
	assert.Equal(t, 1, res.Synced)

	got := h.entity(t, ent.LocalID)
	require.NotEmpty(t, got.RemoteID)
	assert.True(t, got.IsSynced)
	assert.Equal(t, int64(1), got.Version)
	assert.NotNil(t, got.SyncedAt)
	assert.Equal(t, 0, h.pending(t))
	assert.NotNil(t, h.engine.LastSync())

	_, err := h.engine.QueueForSync(ctx, models.EntityInvoice, ent.LocalID, models.ActionUpdate, json.RawMessage(`{"number":"INV-1","amount":150}`))
	require.NoError(t, err)
	assert.False(t, h.entity(t, ent.LocalID).IsSynced)

	res = h.push(t)
	require.True(t, res.Success, "%+v", res.Errors)
	got = h.entity(t, ent.LocalID)
	assert.Equal(t, int64(2), got.Version)
	srvRec, ok := h.server.Record("invoices", got.RemoteID)
	require.True(t, ok)
	assert.JSONEq(t, `{"number":"INV-1","amount":150}`, string(srvRec.Fields))

	_, err = h.engine.QueueForSync(ctx, models.EntityInvoice, ent.LocalID, models.ActionDelete, nil)
	require.NoError(t, err)
	assert.True(t, h.entity(t, ent.LocalID).IsDeleted)

	res = h.push(t)
	require.True(t, res.Success, "%+v", res.Errors)
	assert.Zero(t, h.server.Count("invoices"))
	_, err = h.repo.GetEntity(ctx, ent.LocalID)
	assert.True(t, db.IsNotFound(err))
}

func TestSyncPending_createIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ent := h.newRecord(t, models.EntityPayment, `{"amount":20}`)

	// an earlier attempt reached the server but its response was lost
	first, err := h.api.Create(ctx, "payments", ent.LocalID.String(), "patient-1", ent.Fields)
	require.NoError(t, err)

	res := h.push(t)
	require.True(t, res.Success, "%+v", res.Errors)
	assert.Equal(t, 1, h.server.Count("payments"))
	assert.Equal(t, first.ID, h.entity(t, ent.LocalID).RemoteID)
}

func TestSyncPending_terminalFailureIsolated(t *testing.T) {
	h := newHarness(t)

	var ents []*models.SyncableEntity
	for i := 1; i <= 50; i++ {
		ents = append(ents, h.newRecord(t, models.EntityInvoice, fmt.Sprintf(`{"number":"INV-%d"}`, i)))
	}
	bad := ents[6]
	h.server.FailKey(bad.LocalID.String(), http.StatusUnprocessableEntity)

	res := h.push(t)

	assert.False(t, res.Success)
	assert.Equal(t, 49, res.Synced)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, bad.LocalID, res.Errors[0].EntityID)
	assert.Equal(t, string(apperrors.ErrSyncFailed), res.Errors[0].Code)
	assert.Equal(t, 49, h.server.Count("invoices"))

	for i, ent := range ents {
		got := h.entity(t, ent.LocalID)
		if ent == bad {
			assert.False(t, got.IsSynced)
			continue
		}
		assert.True(t, got.IsSynced, "item %d", i+1)
	}

	items, err := h.engine.Queue().ForEntity(context.Background(), bad.LocalID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Contains(t, items[0].LastError, "422")
}

func TestSyncPending_deadLetter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ent := h.newRecord(t, models.EntityInvoice, `{"number":"INV-9"}`)
	h.server.FailKey(ent.LocalID.String(), http.StatusBadRequest)

	for i := 0; i < h.engine.Queue().MaxAttempts(); i++ {
		h.push(t)
	}
	assert.Equal(t, 0, h.pending(t))

	dead, err := h.engine.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	// parked items are not retried
	res := h.push(t)
	assert.True(t, res.Success)
	assert.Zero(t, res.Failed)

	h.server.FailKey(ent.LocalID.String(), 0)
	require.NoError(t, h.engine.Requeue(ctx, dead[0].ID))
	res = h.push(t)
	require.True(t, res.Success, "%+v", res.Errors)
	assert.True(t, h.entity(t, ent.LocalID).IsSynced)
}

func TestSyncPending_batchTransportFailure(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.newRecord(t, models.EntityDischargePlan, `{"diagnosis":"flu"}`)
	}
	h.server.SetDown(true)

	res := h.push(t)

	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Failed)
	for _, ie := range res.Errors {
		assert.Equal(t, string(apperrors.ErrSyncRetriesExhausted), ie.Code)
	}

	items, err := h.engine.Queue().DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for _, item := range items {
		assert.Equal(t, 1, item.Attempts)
		assert.Equal(t, models.QueueStatusPending, item.Status)
	}

	h.server.SetDown(false)
	res = h.push(t)
	assert.True(t, res.Success, "%+v", res.Errors)
	assert.Equal(t, 3, res.Synced)
}

// syncedRecord pushes a new record and then lets another client update it on
// the server.
func (h *harness) syncedRecord(t *testing.T) (*models.SyncableEntity, *remote.Record) {
	t.Helper()
	ent := h.newRecord(t, models.EntityInvoice, `{"status":"open"}`)
	require.True(t, h.push(t).Success)
	ent = h.entity(t, ent.LocalID)

	srvRec, err := h.server.ServerUpdate("invoices", ent.RemoteID, json.RawMessage(`{"status":"void"}`))
	require.NoError(t, err)
	require.Equal(t, int64(2), srvRec.Version)
	return ent, srvRec
}

func TestSyncPending_conflictAcceptServer(t *testing.T) {
	h := newHarness(t, WithResolver(conflict.ServerWins{}))
	ctx := context.Background()
	ent, srvRec := h.syncedRecord(t)

	_, err := h.engine.QueueForSync(ctx, models.EntityInvoice, ent.LocalID, models.ActionUpdate, json.RawMessage(`{"status":"paid"}`))
	require.NoError(t, err)
	_, err = h.engine.QueueForSync(ctx, models.EntityInvoice, ent.LocalID, models.ActionUpdate, json.RawMessage(`{"status":"paid","note":"x"}`))
	require.NoError(t, err)

	res := h.push(t)
	require.True(t, res.Success, "%+v", res.Errors)
	assert.Equal(t, 1, res.Conflicts)

	got := h.entity(t, ent.LocalID)
	assert.True(t, got.IsSynced)
	assert.Equal(t, srvRec.Version, got.Version)
	assert.JSONEq(t, `{"status":"void"}`, string(got.Fields))
	assert.Equal(t, 0, h.pending(t))

	logs, err := h.engine.Conflicts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, conflict.AcceptServer.String(), logs[0].Resolution)
	assert.Equal(t, int64(1), logs[0].LocalVersion)
	assert.Equal(t, int64(2), logs[0].ServerVersion)
}

func TestSyncPending_conflictAcceptClient(t *testing.T) {
	h := newHarness(t, WithResolver(conflict.ClientWins{}))
	ctx := context.Background()
	ent, srvRec := h.syncedRecord(t)

	_, err := h.engine.QueueForSync(ctx, models.EntityInvoice, ent.LocalID, models.ActionUpdate, json.RawMessage(`{"status":"paid"}`))
	require.NoError(t, err)

	res := h.push(t)
	require.True(t, res.Success, "%+v", res.Errors)
	assert.Equal(t, 1, res.Conflicts)

	got := h.entity(t, ent.LocalID)
	assert.Greater(t, got.Version, srvRec.Version)
	assert.True(t, got.IsSynced)

	latest, ok := h.server.Record("invoices", ent.RemoteID)
	require.True(t, ok)
	assert.Equal(t, latest.Version, got.Version)
	assert.JSONEq(t, `{"status":"paid"}`, string(latest.Fields))
}

func TestSyncPending_conflictUnresolved(t *testing.T) {
	var h *harness
	racing := conflict.PolicyFunc(func(_ context.Context, c *conflict.Context) (conflict.Outcome, error) {
		// the server moves again before the overriding write lands
		_, err := h.server.ServerUpdate("invoices", c.RemoteID, json.RawMessage(`{"status":"refunded"}`))
		return conflict.AcceptClient, err
	})
	h = newHarness(t, WithResolver(racing))
	ctx := context.Background()
	ent, _ := h.syncedRecord(t)

	_, err := h.engine.QueueForSync(ctx, models.EntityInvoice, ent.LocalID, models.ActionUpdate, json.RawMessage(`{"status":"paid"}`))
	require.NoError(t, err)

	res := h.push(t)

	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, string(apperrors.ErrSyncUnresolvedConflict), res.Errors[0].Code)
	assert.Equal(t, 1, h.pending(t))

	logs, err := h.engine.Conflicts(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, conflict.ResolutionUnresolved, logs[0].Resolution)
}

func TestSyncPending_deleteNeverPushed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now().Unix()
	ent := &models.SyncableEntity{
		LocalID:    models.UUID(uuid.NewString()),
		EntityType: models.EntityPayment,
		ScopeID:    "patient-1",
		Fields:     json.RawMessage(`{}`),
		IsSynced:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, h.repo.CreateEntity(ctx, ent))
	_, err := h.engine.QueueForSync(ctx, models.EntityPayment, ent.LocalID, models.ActionDelete, nil)
	require.NoError(t, err)

	res := h.push(t)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Dropped)
	assert.Zero(t, h.server.Requests(http.MethodDelete, "payments"))
	_, err = h.repo.GetEntity(ctx, ent.LocalID)
	assert.True(t, db.IsNotFound(err))
}

func TestSyncGroup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.newRecord(t, models.EntityInsuranceCard, `{"member_id":"M-1"}`)
	h.newRecord(t, models.EntityInvoice, `{"number":"INV-1"}`)
	h.newRecord(t, models.EntityPayment, `{"amount":5}`)

	res, err := h.engine.SyncBilling(ctx)
	require.NoError(t, err)
	assert.Equal(t, "billing", res.Group)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 1, h.pending(t))
	assert.Zero(t, h.server.Count("insurance-cards"))

	_, err = h.engine.SyncGroup(ctx, "pharmacy")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestQueueForSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ent := h.newRecord(t, models.EntityInvoice, `{"number":"INV-1"}`)

	_, err := h.engine.QueueForSync(ctx, models.EntityPayment, ent.LocalID, models.ActionUpdate, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = h.engine.QueueForSync(ctx, models.EntityInvoice, "missing", models.ActionUpdate, nil)
	assert.True(t, db.IsNotFound(err))

	assert.Equal(t, 1, h.pending(t))
	got := h.entity(t, ent.LocalID)
	assert.False(t, got.IsSynced)
}

func TestPull_insertsAndUpdates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.server.Seed("insurance-cards", remote.Record{ScopeID: "patient-1", Fields: json.RawMessage(`{"member_id":"A"}`)})
	h.server.Seed("insurance-cards", remote.Record{ScopeID: "patient-1", Fields: json.RawMessage(`{"member_id":"B"}`)})
	h.server.Seed("insurance-cards", remote.Record{ScopeID: "patient-2", Fields: json.RawMessage(`{"member_id":"C"}`)})

	scope := Scope{EntityType: models.EntityInsuranceCard, ScopeID: "patient-1"}
	res, err := h.engine.Pull(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)

	local, err := h.repo.GetEntityByRemoteID(ctx, models.EntityInsuranceCard, a.ID)
	require.NoError(t, err)
	assert.True(t, local.IsSynced)
	assert.Equal(t, int64(1), local.Version)

	_, err = h.server.ServerUpdate("insurance-cards", a.ID, json.RawMessage(`{"member_id":"A2"}`))
	require.NoError(t, err)

	res, err = h.engine.Pull(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Unchanged)
	assert.Zero(t, res.Inserted)

	local, err = h.repo.GetEntityByRemoteID(ctx, models.EntityInsuranceCard, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), local.Version)
	assert.JSONEq(t, `{"member_id":"A2"}`, string(local.Fields))
}

func TestPull_keepsUnsyncedEdits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ent := h.newRecord(t, models.EntityInvoice, `{"status":"open"}`)
	require.True(t, h.push(t).Success)
	ent = h.entity(t, ent.LocalID)

	_, err := h.engine.QueueForSync(ctx, models.EntityInvoice, ent.LocalID, models.ActionUpdate, json.RawMessage(`{"status":"paid"}`))
	require.NoError(t, err)
	_, err = h.server.ServerUpdate("invoices", ent.RemoteID, json.RawMessage(`{"status":"void"}`))
	require.NoError(t, err)

	res, err := h.engine.Pull(ctx, Scope{EntityType: models.EntityInvoice, ScopeID: "patient-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	got := h.entity(t, ent.LocalID)
	assert.JSONEq(t, `{"status":"paid"}`, string(got.Fields))
	assert.Equal(t, int64(1), got.Version)
	assert.False(t, got.IsSynced)
}

func TestPull_offlineAndInvalid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Pull(ctx, Scope{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	h.oracle.SetOnline(false)
	_, err = h.engine.Pull(ctx, Scope{EntityType: models.EntityInvoice})
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncOffline))
}

func TestPullAll(t *testing.T) {
	h := newHarness(t)
	h.server.Seed("payments", remote.Record{ScopeID: "patient-1", Fields: json.RawMessage(`{"amount":1}`)})
	h.server.Seed("discharge-plans", remote.Record{ScopeID: "patient-1", Fields: json.RawMessage(`{}`)})

	results, err := h.engine.PullAll(context.Background(), "patient-1")
	require.NoError(t, err)
	require.Len(t, results, len(models.AllEntityTypes()))

	total := 0
	for _, r := range results {
		total += r.Inserted
	}
	assert.Equal(t, 2, total)
}

func TestReport(t *testing.T) {
	h := newHarness(t)
	h.newRecord(t, models.EntityInvoice, `{}`)

	rep, err := h.engine.Report(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Online)
	assert.Equal(t, 1, rep.Pending)
	assert.Zero(t, rep.DeadLetters)
}

// createHook runs after the server has accepted a create and before the
// response reaches the engine.
type createHook struct {
	remote.API
	after func()
	// anonymous hides the creating client's id in listings
	anonymous bool
}

func (c *createHook) Create(ctx context.Context, collection, key, scopeID string, fields json.RawMessage) (*remote.Record, error) {
	rec, err := c.API.Create(ctx, collection, key, scopeID, fields)
	if err == nil && c.after != nil {
		c.after()
	}
	return rec, err
}

func (c *createHook) List(ctx context.Context, collection, scope string) ([]*remote.Record, error) {
	recs, err := c.API.List(ctx, collection, scope)
	if c.anonymous {
		for _, r := range recs {
			r.LocalID = ""
		}
	}
	return recs, err
}

func invoices(t *testing.T, h *harness) []*models.SyncableEntity {
	t.Helper()
	ents, err := h.repo.ListEntities(context.Background(), db.EntityFilter{EntityType: models.EntityInvoice})
	require.NoError(t, err)
	return ents
}

func TestPull_duringCreateMatchesLocalID(t *testing.T) {
	hook := &createHook{}
	h := newHarnessWithAPI(t, func(api remote.API) remote.API {
		hook.API = api
		return hook
	})
	ctx := context.Background()
	ent := h.newRecord(t, models.EntityInvoice, `{"number":"INV-1"}`)

	var during *PullResult
	hook.after = func() {
		var err error
		during, err = h.engine.Pull(ctx, Scope{EntityType: models.EntityInvoice, ScopeID: "patient-1"})
		assert.NoError(t, err)
	}

	res := h.push(t)
	assert.True(t, res.Success)
	require.NotNil(t, during)
	assert.Equal(t, 0, during.Inserted)
	assert.Equal(t, 1, during.Skipped)

	ents := invoices(t, h)
	require.Len(t, ents, 1)
	assert.Equal(t, ent.LocalID, ents[0].LocalID)
	assert.True(t, ents[0].IsSynced)
	assert.NotEmpty(t, ents[0].RemoteID)
	assert.Equal(t, 0, h.pending(t))
	assert.Equal(t, 1, h.server.Count("invoices"))

	hook.after = nil
	again, err := h.engine.Pull(ctx, Scope{EntityType: models.EntityInvoice, ScopeID: "patient-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Unchanged)
}

func TestPull_reusesServerLocalIDForUnknownRecord(t *testing.T) {
	h := newHarness(t)
	origin := uuid.NewString()
	h.server.Seed("invoices", remote.Record{ScopeID: "patient-1", LocalID: origin, Fields: json.RawMessage(`{}`)})

	res, err := h.engine.Pull(context.Background(), Scope{EntityType: models.EntityInvoice})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.True(t, h.entity(t, models.UUID(origin)).IsSynced)
}

func TestSyncPending_foldsDuplicateFromPull(t *testing.T) {
	hook := &createHook{anonymous: true}
	h := newHarnessWithAPI(t, func(api remote.API) remote.API {
		hook.API = api
		return hook
	})
	ctx := context.Background()
	ent := h.newRecord(t, models.EntityInvoice, `{"number":"INV-1"}`)

	hook.after = func() {
		res, err := h.engine.Pull(ctx, Scope{EntityType: models.EntityInvoice, ScopeID: "patient-1"})
		assert.NoError(t, err)
		assert.Equal(t, 1, res.Inserted)
	}

	res := h.push(t)
	assert.True(t, res.Success, "%+v", res.Errors)
	assert.Equal(t, 1, res.Synced)

	ents := invoices(t, h)
	require.Len(t, ents, 1)
	assert.Equal(t, ent.LocalID, ents[0].LocalID)
	assert.True(t, ents[0].IsSynced)
	assert.Equal(t, 1, h.server.Count("invoices"))
	assert.Equal(t, 0, h.pending(t))
}

func TestSyncPending_foldKeepsEditsOnDuplicate(t *testing.T) {
	hook := &createHook{anonymous: true}
	h := newHarnessWithAPI(t, func(api remote.API) remote.API {
		hook.API = api
		return hook
	})
	ctx := context.Background()
	ent := h.newRecord(t, models.EntityInvoice, `{"number":"INV-1"}`)

	edited := json.RawMessage(`{"number":"INV-1","status":"paid"}`)
	hook.after = func() {
		hook.after = nil
		_, err := h.engine.Pull(ctx, Scope{EntityType: models.EntityInvoice, ScopeID: "patient-1"})
		assert.NoError(t, err)
		for _, e := range invoices(t, h) {
			if e.LocalID == ent.LocalID {
				continue
			}
			_, err := h.engine.QueueForSync(ctx, models.EntityInvoice, e.LocalID, models.ActionUpdate, edited)
			assert.NoError(t, err)
		}
	}

	h.push(t)
	h.push(t)

	ents := invoices(t, h)
	require.Len(t, ents, 1)
	got := ents[0]
	assert.Equal(t, ent.LocalID, got.LocalID)
	assert.JSONEq(t, string(edited), string(got.Fields))
	assert.True(t, got.IsSynced)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 0, h.pending(t))

	rec, ok := h.server.Record("invoices", got.RemoteID)
	require.True(t, ok)
	assert.JSONEq(t, string(edited), string(rec.Fields))
	assert.Equal(t, 1, h.server.Count("invoices"))
}
