package dispatch

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/example/emergency-dispatch/internal/models"
)

func decode(t *testing.T, e Event) map[string]any {
	t.Helper()
	b, err := e.Encode()
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestNewBookingWireShape(t *testing.T) {
	req := models.ServiceRequest{
		ID:        "r1",
		Category:  models.CategoryAmbulance,
		Status:    models.StatusPending,
		Location:  models.Coord{Lat: 10, Lon: 20},
		Details:   "hurry",
		CreatedAt: time.Date(2026, 3, 9, 11, 23, 0, 0, time.UTC),
	}
	cust := models.Actor{ID: "c1", Name: "alice", Phone: "+100"}

	m := decode(t, NewNewBooking(req, cust))
	if m["type"] != TypeNewBooking || m["event"] != "new" || m["id"] != "r1" {
		t.Fatalf("envelope wrong: %v", m)
	}
	data := m["data"].(map[string]any)
	if data["request_type"] != "Ambulance" {
		t.Fatalf("category not translated: %v", data["request_type"])
	}
	if data["timestamp"] != "2026-03-09 11:23:00" {
		t.Fatalf("timestamp format: %v", data["timestamp"])
	}
	user := data["user"].(map[string]any)
	if user["name"] != "alice" || user["phone"] != "+100" {
		t.Fatalf("user block wrong: %v", user)
	}
}

func TestOrderAcceptedCarriesCodeAndDriver(t *testing.T) {
	req := models.ServiceRequest{ID: "r1", Status: models.StatusInProgress, Code: "482913"}
	drv := models.Actor{ID: "d1", Name: "bob", Phone: "+200"}
	loc := &models.Coord{Lat: 1, Lon: 2}

	m := decode(t, NewOrderAccepted(req, drv, loc))
	if m["type"] != TypeOrderAccepted || m["status"] != "in_progress" || m["code"] != "482913" {
		t.Fatalf("accepted event wrong: %v", m)
	}
	if m["driver"].(map[string]any)["id"] != "d1" {
		t.Fatalf("driver identity missing: %v", m)
	}
	if m["driver_location"] == nil {
		t.Fatalf("location snapshot missing: %v", m)
	}
}

func TestTerminalEvents(t *testing.T) {
	if m := decode(t, NewOrderCanceled("r1")); m["type"] != TypeOrderCanceled || m["status"] != "canceled" {
		t.Fatalf("canceled event wrong: %v", m)
	}
	if m := decode(t, NewOrderCompleted("r1")); m["type"] != TypeOrderCompleted || m["status"] != "completed" {
		t.Fatalf("completed event wrong: %v", m)
	}
	if m := decode(t, NewUpdateBooking("r1", models.MappingIgnored)); m["type"] != TypeUpdateBooking || m["status"] != "ignored" {
		t.Fatalf("update event wrong: %v", m)
	}
}
