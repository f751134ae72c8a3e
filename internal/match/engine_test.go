package match

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/emergency-dispatch/internal/auth"
	"github.com/example/emergency-dispatch/internal/dispatch"
	"github.com/example/emergency-dispatch/internal/geo"
	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/session"
	"github.com/example/emergency-dispatch/internal/storage"
)

type fakeConn struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, data)
	return nil
}

func (c *fakeConn) Close() error { return nil }

// events decodes everything the connection has received so far.
func (c *fakeConn) events(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.msgs))
	for _, b := range c.msgs {
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatal(err)
		}
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) waitForType(t *testing.T, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 200; i++ {
		for _, ev := range c.events(t) {
			if ev["type"] == typ {
				return ev
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("event %q never delivered", typ)
	return nil
}

func (c *fakeConn) hasType(t *testing.T, typ string) bool {
	t.Helper()
	for _, ev := range c.events(t) {
		if ev["type"] == typ {
			return true
		}
	}
	return false
}

type fakePush struct {
	mu    sync.Mutex
	sent  [][]string
	fail  bool
	calls int
}

func (f *fakePush) Notify(_ context.Context, tokens []string, _, _ string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return errors.New("push down")
	}
	f.sent = append(f.sent, tokens)
	return nil
}

type harness struct {
	engine *Engine
	reg    *session.Registry
	geo    *geo.Index
	static *auth.Static
	push   *fakePush
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := session.NewRegistry(32, logger, nil)
	g := geo.NewIndex()
	st := auth.NewStatic()
	p := &fakePush{}
	e := &Engine{
		Geo:        g,
		Store:      storage.NewMemoryStore(),
		Dispatcher: dispatch.NewDispatcher(reg, logger),
		Push:       p,
		Directory:  st,
		Pairings:   NewPairingCache(),
		Logger:     logger,
		RadiusKm:   10,
		MaxActive:  1,
	}
	return &harness{engine: e, reg: reg, geo: g, static: st, push: p}
}

func (h *harness) connectDriver(t *testing.T, id, category string) *fakeConn {
	t.Helper()
	actor := models.Actor{ID: id, Name: id, Role: models.RoleDriver, Category: category}
	c := &fakeConn{}
	s := h.reg.Register(c, actor)
	t.Cleanup(func() { h.reg.Unregister(s) })
	return c
}

func (h *harness) connectCustomer(t *testing.T, id string) *fakeConn {
	t.Helper()
	actor := models.Actor{ID: id, Name: id, Role: models.RoleCustomer}
	c := &fakeConn{}
	s := h.reg.Register(c, actor)
	t.Cleanup(func() { h.reg.Unregister(s) })
	return c
}

func TestCreateFansOutToNearbyDriversOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	near := h.connectDriver(t, "near", models.CategoryAmbulance)
	far := h.connectDriver(t, "far", models.CategoryAmbulance)
	_ = h.geo.Upsert(ctx, "near", models.RoleDriver, models.CategoryAmbulance, 10.001, 20.001)
	_ = h.geo.Upsert(ctx, "far", models.RoleDriver, models.CategoryAmbulance, 50.0, 60.0)

	customer := models.Actor{ID: "c1", Name: "alice", Phone: "+1", Role: models.RoleCustomer}
	req, err := h.engine.Create(ctx, customer, CreateInput{Category: models.CategoryAmbulance, Lat: 10.0, Lon: 20.0})
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != models.StatusPending || len(req.Code) != 6 {
		t.Fatalf("bad request: %+v", req)
	}

	ev := near.waitForType(t, dispatch.TypeNewBooking)
	if ev["id"] != req.ID {
		t.Fatalf("wrong request id: %v", ev)
	}
	if far.hasType(t, dispatch.TypeNewBooking) {
		t.Fatal("far driver must not be a candidate")
	}
	maps, _ := h.engine.Store.MappingsFor(ctx, req.ID)
	if len(maps) != 1 || maps[0].DriverID != "near" {
		t.Fatalf("mappings wrong: %v", maps)
	}
}

func TestCreateCategoryTargeting(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.engine.CategoryOnly = true
	amb := h.connectDriver(t, "amb", models.CategoryAmbulance)
	pol := h.connectDriver(t, "pol", models.CategoryPolice)
	_ = h.geo.Upsert(ctx, "amb", models.RoleDriver, models.CategoryAmbulance, 10.0, 20.0)
	_ = h.geo.Upsert(ctx, "pol", models.RoleDriver, models.CategoryPolice, 10.0, 20.0)

	customer := models.Actor{ID: "c1", Role: models.RoleCustomer}
	_, err := h.engine.Create(ctx, customer, CreateInput{Category: models.CategoryPolice, Lat: 10, Lon: 20})
	if err != nil {
		t.Fatal(err)
	}
	pol.waitForType(t, dispatch.TypeNewBooking)
	if amb.hasType(t, dispatch.TypeNewBooking) {
		t.Fatal("ambulance driver targeted for police request")
	}
}

func TestCreateWithNoCandidatesStaysPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	customer := models.Actor{ID: "c1", Role: models.RoleCustomer}
	req, err := h.engine.Create(ctx, customer, CreateInput{Category: models.CategoryFireBrigade, Lat: 10, Lon: 20})
	if err != nil {
		t.Fatal(err)
	}
	got, err := h.engine.Store.Get(ctx, req.ID)
	if err != nil || got.Status != models.StatusPending {
		t.Fatalf("request should remain pending: %v %+v", err, got)
	}
	maps, _ := h.engine.Store.MappingsFor(ctx, req.ID)
	if len(maps) != 0 {
		t.Fatalf("unexpected mappings: %v", maps)
	}
}

func TestCreateQuotaEnforced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	customer := models.Actor{ID: "c1", Role: models.RoleCustomer}
	if _, err := h.engine.Create(ctx, customer, CreateInput{Category: models.CategoryAmbulance, Lat: 1, Lon: 1}); err != nil {
		t.Fatal(err)
	}
	_, err := h.engine.Create(ctx, customer, CreateInput{Category: models.CategoryAmbulance, Lat: 1, Lon: 1})
	if !errors.Is(err, storage.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestAcceptNotifiesCustomerAndLosers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	winner := h.connectDriver(t, "d1", models.CategoryAmbulance)
	loser := h.connectDriver(t, "d2", models.CategoryAmbulance)
	custConn := h.connectCustomer(t, "c1")
	_ = h.geo.Upsert(ctx, "d1", models.RoleDriver, models.CategoryAmbulance, 10.001, 20.001)
	_ = h.geo.Upsert(ctx, "d2", models.RoleDriver, models.CategoryAmbulance, 10.002, 20.002)

	customer := models.Actor{ID: "c1", Name: "alice", Role: models.RoleCustomer}
	req, err := h.engine.Create(ctx, customer, CreateInput{Category: models.CategoryAmbulance, Lat: 10, Lon: 20})
	if err != nil {
		t.Fatal(err)
	}

	driver := models.Actor{ID: "d1", Name: "bob", Phone: "+2", Role: models.RoleDriver, Category: models.CategoryAmbulance}
	got, err := h.engine.Accept(ctx, driver, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusInProgress || got.DriverID != "d1" {
		t.Fatalf("accept result: %+v", got)
	}

	ev := custConn.waitForType(t, dispatch.TypeOrderAccepted)
	if ev["code"] != req.Code {
		t.Fatalf("confirmation code missing: %v", ev)
	}
	if ev["driver"].(map[string]any)["id"] != "d1" {
		t.Fatalf("driver identity missing: %v", ev)
	}
	if ev["driver_location"] == nil {
		t.Fatalf("live location snapshot missing: %v", ev)
	}
	if lost := loser.waitForType(t, dispatch.TypeUpdateBooking); lost["status"] != "ignored" {
		t.Fatalf("loser notice wrong: %v", lost)
	}

	// a driver who was never a candidate is indistinguishable from a
	// race loser
	stranger := models.Actor{ID: "d9", Role: models.RoleDriver}
	if _, err := h.engine.Accept(ctx, stranger, req.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("stranger accept: got %v", err)
	}
	_ = winner

	if c, ok := h.engine.Pairings.CustomerOf("d1"); !ok || c != "c1" {
		t.Fatal("pairing not recorded on accept")
	}
}

func TestCancelPendingEchoesToCustomerOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	custConn := h.connectCustomer(t, "c1")

	customer := models.Actor{ID: "c1", Role: models.RoleCustomer}
	req, err := h.engine.Create(ctx, customer, CreateInput{Category: models.CategoryAmbulance, Lat: 10, Lon: 20})
	if err != nil {
		t.Fatal(err)
	}
	got, err := h.engine.Cancel(ctx, customer, req.ID)
	if err != nil || got.Status != models.StatusCanceled {
		t.Fatalf("cancel: %v %+v", err, got)
	}
	custConn.waitForType(t, dispatch.TypeOrderCanceled)
}

func TestCancelInProgressNotifiesDriverAndUnpairs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	drvConn := h.connectDriver(t, "d1", models.CategoryAmbulance)
	h.connectCustomer(t, "c1")
	_ = h.geo.Upsert(ctx, "d1", models.RoleDriver, models.CategoryAmbulance, 10.0, 20.0)

	customer := models.Actor{ID: "c1", Role: models.RoleCustomer}
	req, _ := h.engine.Create(ctx, customer, CreateInput{Category: models.CategoryAmbulance, Lat: 10, Lon: 20})
	driver := models.Actor{ID: "d1", Role: models.RoleDriver, Category: models.CategoryAmbulance}
	if _, err := h.engine.Accept(ctx, driver, req.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.Cancel(ctx, customer, req.ID); err != nil {
		t.Fatal(err)
	}
	drvConn.waitForType(t, dispatch.TypeOrderCanceled)
	if _, ok := h.engine.Pairings.CustomerOf("d1"); ok {
		t.Fatal("pairing survived cancel")
	}
}

func TestCompleteNotifiesBothAndUnpairs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	drvConn := h.connectDriver(t, "d1", models.CategoryAmbulance)
	custConn := h.connectCustomer(t, "c1")
	_ = h.geo.Upsert(ctx, "d1", models.RoleDriver, models.CategoryAmbulance, 10.0, 20.0)

	customer := models.Actor{ID: "c1", Role: models.RoleCustomer}
	req, _ := h.engine.Create(ctx, customer, CreateInput{Category: models.CategoryAmbulance, Lat: 10, Lon: 20})
	driver := models.Actor{ID: "d1", Role: models.RoleDriver, Category: models.CategoryAmbulance}
	if _, err := h.engine.Accept(ctx, driver, req.ID); err != nil {
		t.Fatal(err)
	}
	got, err := h.engine.Complete(ctx, customer, req.ID)
	if err != nil || got.Status != models.StatusCompleted {
		t.Fatalf("complete: %v %+v", err, got)
	}
	drvConn.waitForType(t, dispatch.TypeOrderCompleted)
	custConn.waitForType(t, dispatch.TypeOrderCompleted)
	if _, ok := h.engine.Pairings.CustomerOf("d1"); ok {
		t.Fatal("pairing survived complete")
	}
}

func TestForwardLocationBetweenPairedParties(t *testing.T) {
	h := newHarness(t)
	drvConn := h.connectDriver(t, "d1", models.CategoryAmbulance)
	custConn := h.connectCustomer(t, "c1")
	h.engine.Pairings.Pair("d1", "c1")

	h.engine.ForwardLocation(models.Actor{ID: "d1", Role: models.RoleDriver}, 1.5, 2.5)
	ev := custConn.waitForType(t, dispatch.TypeLocationUpdate)
	if ev["latitude"].(float64) != 1.5 || ev["actor_id"] != "d1" {
		t.Fatalf("forwarded event wrong: %v", ev)
	}

	h.engine.ForwardLocation(models.Actor{ID: "c1", Role: models.RoleCustomer}, 3.5, 4.5)
	ev = drvConn.waitForType(t, dispatch.TypeLocationUpdate)
	if ev["actor_id"] != "c1" {
		t.Fatalf("customer forward wrong: %v", ev)
	}
}

func TestPushOnlyForTokenHolders(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.connectDriver(t, "plain", models.CategoryAmbulance)
	// device-holding driver, currently offline
	h.static.Add("tok-device", models.Actor{ID: "device", Role: models.RoleDriver, Category: models.CategoryAmbulance, PushToken: "ExpoPush[x]"})
	_ = h.geo.Upsert(ctx, "plain", models.RoleDriver, models.CategoryAmbulance, 10.0, 20.0)
	_ = h.geo.Upsert(ctx, "device", models.RoleDriver, models.CategoryAmbulance, 10.0, 20.0)

	customer := models.Actor{ID: "c1", Role: models.RoleCustomer}
	if _, err := h.engine.Create(ctx, customer, CreateInput{Category: models.CategoryAmbulance, Lat: 10, Lon: 20}); err != nil {
		t.Fatal(err)
	}
	h.push.mu.Lock()
	defer h.push.mu.Unlock()
	if len(h.push.sent) != 1 || h.push.sent[0][0] != "ExpoPush[x]" {
		t.Fatalf("push tokens sent: %v", h.push.sent)
	}
}

func TestPushFailureDoesNotAbortFanout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.push.fail = true
	c1 := h.connectDriver(t, "d1", models.CategoryAmbulance)
	c2 := h.connectDriver(t, "d2", models.CategoryAmbulance)
	h.static.Add("x1", models.Actor{ID: "d1", Role: models.RoleDriver, PushToken: "t1"})
	h.static.Add("x2", models.Actor{ID: "d2", Role: models.RoleDriver, PushToken: "t2"})
	_ = h.geo.Upsert(ctx, "d1", models.RoleDriver, models.CategoryAmbulance, 10.0, 20.0)
	_ = h.geo.Upsert(ctx, "d2", models.RoleDriver, models.CategoryAmbulance, 10.0, 20.0)

	customer := models.Actor{ID: "c1", Role: models.RoleCustomer}
	if _, err := h.engine.Create(ctx, customer, CreateInput{Category: models.CategoryAmbulance, Lat: 10, Lon: 20}); err != nil {
		t.Fatal(err)
	}
	c1.waitForType(t, dispatch.TypeNewBooking)
	c2.waitForType(t, dispatch.TypeNewBooking)
}
