package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"github.com/usbdii/dcihid-go/core"
	"github.com/usbdii/dcihid-go/memorywriter"
)

// Test the origin validation
func TestOriginValidator(t *testing.T) {
	testcases := []struct {
		origin string
		allow  bool
	}{
		// non-browser clients send no origin
		{"", true},
		// localhost 8xxx and 5xxx allowed for local development
		{"http://localhost:8000", true},
		{"https://localhost:8999", true},
		{"http://localhost:5000", true},
		{"http://127.0.0.1:5999", true},
		// other ports should be denied
		{"http://localhost", false},
		{"http://localhost:1234", false},
		{"http://localhost:21329", false},
		// remote origins should be denied
		{"https://example.com", false},
		{"http://localhost.example.com:8000", false},
		{"null", false},
	}
	validator := corsValidator()
	for _, tc := range testcases {
		allow := validator(tc.origin)
		if allow != tc.allow {
			t.Errorf("Origin %q: expected %v, got %v", tc.origin, tc.allow, allow)
		}
	}
}

type emptyBus struct{}

func (emptyBus) Enumerate() ([]core.DeviceInfo, error) { return nil, nil }
func (emptyBus) Has(path string) bool                  { return false }
func (emptyBus) Connect(path string) (core.Device, error) {
	return nil, errors.New("no devices")
}

func testRouter(t *testing.T) *mux.Router {
	t.Helper()
	mw, err := memorywriter.New(100, 10, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := mux.NewRouter()
	ServeAPI(r, core.New(emptyBus{}, mw), "1.0.0-test", mw)
	return r
}

func TestInfo(t *testing.T) {
	r := testRouter(t)

	req := httptest.NewRequest("POST", "/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Version != "1.0.0-test" {
		t.Errorf("version = %q", body.Version)
	}
}

func TestEnumerateEmpty(t *testing.T) {
	r := testRouter(t)

	req := httptest.NewRequest("POST", "/enumerate", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want empty list", got)
	}
}

func TestOpenFailureIsJSONError(t *testing.T) {
	r := testRouter(t)

	req := httptest.NewRequest("POST", "/open/hid0/3/0", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error == "" {
		t.Error("error message missing")
	}
}

func TestForbiddenOrigin(t *testing.T) {
	r := testRouter(t)

	req := httptest.NewRequest("POST", "/enumerate", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want forbidden", rec.Code)
	}
}

func TestWriteOnBadHandle(t *testing.T) {
	r := testRouter(t)

	req := httptest.NewRequest("POST", "/write/42", strings.NewReader(`{"address":16,"data":1}`))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want bad request", rec.Code)
	}
}
