package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/roostlabs/roost/internal/signet"
	"github.com/roostlabs/roost/internal/store"
)

func testModule(t *testing.T) *Module {
	t.Helper()
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background(), "roster", migrations()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return &Module{
		logger: zap.NewNop(),
		config: &Config{},
		store:  NewStore(db.DB()),
	}
}

func TestEnrollHandler(t *testing.T) {
	m := testModule(t)

	body := `{"role": "sensor", "site": "barn"}`
	req := httptest.NewRequest(http.MethodPost, "/devices", strings.NewReader(body))
	rr := httptest.NewRecorder()
	m.handleEnroll(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp enrollResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.DeviceID == "" {
		t.Error("no device_id minted")
	}
	if resp.Epoch != 1 {
		t.Errorf("epoch = %d, want 1", resp.Epoch)
	}
	if _, err := signet.ParseKey(resp.Key); err != nil {
		t.Errorf("returned key invalid: %v", err)
	}

	stored, err := m.store.Get(req.Context(), resp.DeviceID)
	if err != nil || stored == nil {
		t.Fatalf("enrolled device not stored: %v", err)
	}
	if stored.ActiveKey != resp.Key {
		t.Error("stored key differs from returned key")
	}
}

func TestEnrollHandlerConflict(t *testing.T) {
	m := testModule(t)

	body := `{"device_id": "dev-1"}`
	req := httptest.NewRequest(http.MethodPost, "/devices", strings.NewReader(body))
	rr := httptest.NewRecorder()
	m.handleEnroll(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("first enroll status = %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/devices", strings.NewReader(body))
	rr = httptest.NewRecorder()
	m.handleEnroll(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("re-enroll status = %d, want 409", rr.Code)
	}
}

func TestListDevicesOmitsKeys(t *testing.T) {
	m := testModule(t)

	req := httptest.NewRequest(http.MethodPost, "/devices", bytes.NewReader([]byte(`{"device_id": "dev-1"}`)))
	m.handleEnroll(httptest.NewRecorder(), req)

	rr := httptest.NewRecorder()
	m.handleListDevices(rr, httptest.NewRequest(http.MethodGet, "/devices", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	// Key material must never appear in list or get responses.
	if strings.Contains(rr.Body.String(), "key") {
		t.Errorf("device listing leaks key material: %s", rr.Body.String())
	}
}

func TestGetDeviceHandler(t *testing.T) {
	m := testModule(t)

	req := httptest.NewRequest(http.MethodPost, "/devices", bytes.NewReader([]byte(`{"device_id": "dev-1"}`)))
	m.handleEnroll(httptest.NewRecorder(), req)

	get := httptest.NewRequest(http.MethodGet, "/devices/dev-1", nil)
	get.SetPathValue("device_id", "dev-1")
	rr := httptest.NewRecorder()
	m.handleGetDevice(rr, get)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	get = httptest.NewRequest(http.MethodGet, "/devices/ghost", nil)
	get.SetPathValue("device_id", "ghost")
	rr = httptest.NewRecorder()
	m.handleGetDevice(rr, get)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown device status = %d, want 404", rr.Code)
	}
}

func TestDeleteDeviceHandler(t *testing.T) {
	m := testModule(t)

	req := httptest.NewRequest(http.MethodPost, "/devices", bytes.NewReader([]byte(`{"device_id": "dev-1"}`)))
	m.handleEnroll(httptest.NewRecorder(), req)

	del := httptest.NewRequest(http.MethodDelete, "/devices/dev-1", nil)
	del.SetPathValue("device_id", "dev-1")
	rr := httptest.NewRecorder()
	m.handleDeleteDevice(rr, del)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}

	rr = httptest.NewRecorder()
	del = httptest.NewRequest(http.MethodDelete, "/devices/dev-1", nil)
	del.SetPathValue("device_id", "dev-1")
	m.handleDeleteDevice(rr, del)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rr.Code)
	}
}
