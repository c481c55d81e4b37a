package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/sllopis/geoquery/internal/config"
	"github.com/sllopis/geoquery/query"
	"github.com/sllopis/geoquery/store/memstore"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	st := memstore.New()
	eng, err := query.New(st)
	if err != nil {
		t.Fatalf("query.New: %v", err)
	}
	return NewRouter(config.Config{LocationKey: "coordinates"}, zerolog.Nop(), st, eng, nil)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	h := newTestRouter(t)
	if rr := do(t, h, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rr.Code)
	}
}

func TestPutQueryDeleteRoundTrip(t *testing.T) {
	h := newTestRouter(t)

	put := `{"coordinates":{"latitude":37.7767,"longitude":-122.4194},"name":"cafe"}`
	if rr := do(t, h, http.MethodPut, "/collections/places/documents/a", put); rr.Code != http.StatusNoContent {
		t.Fatalf("put status = %d: %s", rr.Code, rr.Body.String())
	}

	rr := do(t, h, http.MethodGet, "/collections/places/query?lat=37.7749&lng=-122.4194&radius=1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("query status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Results []struct {
			ID         string         `json:"id"`
			DistanceKm *float64       `json:"distance_km"`
			Data       map[string]any `json:"data"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "a" {
		t.Fatalf("results = %+v", resp.Results)
	}
	if resp.Results[0].DistanceKm == nil || *resp.Results[0].DistanceKm > 1 {
		t.Fatalf("distance = %v", resp.Results[0].DistanceKm)
	}
	if resp.Results[0].Data["name"] != "cafe" {
		t.Fatalf("data = %v", resp.Results[0].Data)
	}

	if rr := do(t, h, http.MethodDelete, "/collections/places/documents/a", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}

	rr = do(t, h, http.MethodGet, "/collections/places/query?lat=37.7749&lng=-122.4194&radius=1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("query status = %d", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Fatalf("results after delete = %+v", resp.Results)
	}
}

func TestQuery_FilterParam(t *testing.T) {
	h := newTestRouter(t)

	_ = do(t, h, http.MethodPut, "/collections/places/documents/cafe",
		`{"coordinates":{"latitude":37.7767,"longitude":-122.4194},"kind":"cafe"}`)
	_ = do(t, h, http.MethodPut, "/collections/places/documents/bar",
		`{"coordinates":{"latitude":37.7768,"longitude":-122.4194},"kind":"bar"}`)

	rr := do(t, h, http.MethodGet,
		"/collections/places/query?lat=37.7749&lng=-122.4194&radius=1&filter=kind:cafe", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("query status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "cafe" {
		t.Fatalf("results = %+v", resp.Results)
	}
}

func TestBadRequests(t *testing.T) {
	h := newTestRouter(t)

	cases := []struct {
		name, method, path, body string
	}{
		{"malformed body", http.MethodPut, "/collections/places/documents/a", `{oops`},
		{"payload without location", http.MethodPut, "/collections/places/documents/a", `{"name":"x"}`},
		{"partial geo params", http.MethodGet, "/collections/places/query?lat=37.7", ""},
		{"bad lat", http.MethodGet, "/collections/places/query?lat=abc&lng=1&radius=1", ""},
		{"negative radius", http.MethodGet, "/collections/places/query?lat=37.7&lng=1&radius=-2", ""},
		{"bad limit", http.MethodGet, "/collections/places/query?limit=x", ""},
		{"bad filter", http.MethodGet, "/collections/places/query?filter=nocolon", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rr := do(t, h, tc.method, tc.path, tc.body); rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rr.Code, rr.Body.String())
			}
		})
	}
}
