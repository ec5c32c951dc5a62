package webapp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nuha.dev/bustracker/internal/fleet"
	"nuha.dev/bustracker/internal/ingest"
	"nuha.dev/bustracker/internal/session"
	"nuha.dev/bustracker/internal/store/impl/memstore"
	"nuha.dev/bustracker/internal/util/geo"
	"nuha.dev/bustracker/internal/waypoint"
)

const (
	trackerKey = "tracker-key"
	adminKey   = "admin-key"
)

func newTestApi(t *testing.T) (*Api, *memstore.MemStore) {
	t.Helper()
	st := memstore.NewStore()
	refs, err := NewRefCodec("test-salt", 6)
	if err != nil {
		t.Fatal(err)
	}
	resolver := session.Static{
		trackerKey: {Label: "Bus 2 phone", Role: session.RoleStaff, CampWeekend: "May 15th-17th"},
		adminKey:   {Label: "Director", Role: session.RoleAdmin},
	}
	agg := fleet.NewAggregator(st, &fleet.FleetConfig{
		Destination: geo.Point{Name: "Idyllwild Pines Camp", Latitude: 33.7456, Longitude: -116.7131},
		Buses:       []fleet.Bus{{Id: "bus-1", Label: "Bus 1"}, {Id: "bus-2", Label: "Bus 2"}},
	})
	api := NewApi(st, ingest.NewGateway(st, nil, &ingest.GatewayConfig{MaxBatch: 100}), agg, refs, resolver, &ApiConfig{})
	return api, st
}

func do(api *Api, method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(session.HeaderName, key)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPostWaypoints(t *testing.T) {
	api, st := newTestApi(t)
	body := `{"busId":"bus-2","busLabel":"Bus 2","latitude":33.75,"longitude":-116.70,"speed":8.5,"clientId":"a","timestamp":"2025-05-15T09:00:00Z"}`

	rec := do(api, http.MethodPost, "/api/bus-waypoints", "", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatal(rec.Code)
	}
	rec = do(api, http.MethodPost, "/api/bus-waypoints", trackerKey, body)
	if rec.Code != http.StatusCreated {
		t.Fatal(rec.Code, rec.Body.String())
	}
	var res ingest.Response
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 1 || len(res.Waypoints) != 1 {
		t.Fatalf("%+v", res)
	}
	w := res.Waypoints[0]
	if w.Ref == "" || w.TrackedBy != "Bus 2 phone" || w.CampWeekend != "May 15th-17th" || w.ReceivedAt.IsZero() {
		t.Errorf("%+v", w)
	}

	rec = do(api, http.MethodPost, "/api/bus-waypoints", trackerKey, `{"waypoints":[`+body+`]}`)
	if rec.Code != http.StatusCreated {
		t.Fatal(rec.Code)
	}
	json.NewDecoder(rec.Body).Decode(&res)
	if res.Duplicates != 1 || res.Waypoints[0].Id != w.Id || st.Len() != 1 {
		t.Errorf("%+v", res)
	}

	if rec := do(api, http.MethodPost, "/api/bus-waypoints", trackerKey, `not json`); rec.Code != http.StatusBadRequest {
		t.Error(rec.Code)
	}
	if rec := do(api, http.MethodPost, "/api/bus-waypoints", trackerKey, `{"waypoints":[]}`); rec.Code != http.StatusCreated {
		t.Error(rec.Code)
	}
}

func TestReadAuthorization(t *testing.T) {
	api, _ := newTestApi(t)
	for _, path := range []string{"/api/bus-waypoints/latest", "/api/bus-waypoints/route/bus-1", "/api/bus-map"} {
		if rec := do(api, http.MethodGet, path, "", ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s anonymous: %d", path, rec.Code)
		}
		if rec := do(api, http.MethodGet, path, trackerKey, ""); rec.Code != http.StatusForbidden {
			t.Errorf("%s staff: %d", path, rec.Code)
		}
		if rec := do(api, http.MethodGet, path, adminKey, ""); rec.Code != http.StatusOK {
			t.Errorf("%s admin: %d", path, rec.Code)
		}
	}
}

func seed(t *testing.T, api *Api) {
	t.Helper()
	// reverse network order for bus-2
	batches := []string{
		`{"waypoints":[{"busId":"bus-2","busLabel":"Bus 2","latitude":33.76,"longitude":-116.70,"clientId":"b","timestamp":"2025-05-15T09:00:30Z"}]}`,
		`{"waypoints":[{"busId":"bus-2","busLabel":"Bus 2","latitude":33.75,"longitude":-116.70,"clientId":"a","timestamp":"2025-05-15T09:00:00Z"},
			{"busId":"bus-1","busLabel":"Bus 1","latitude":33.70,"longitude":-116.60,"clientId":"c","timestamp":"2025-05-15T08:59:00Z","campWeekend":"March 6th-8th"}]}`,
	}
	for _, b := range batches {
		if rec := do(api, http.MethodPost, "/api/bus-waypoints", trackerKey, b); rec.Code != http.StatusCreated {
			t.Fatal(rec.Code, rec.Body.String())
		}
	}
}

func TestLatestAndRoute(t *testing.T) {
	api, _ := newTestApi(t)
	seed(t, api)

	rec := do(api, http.MethodGet, "/api/bus-waypoints/latest", adminKey, "")
	var latest []*waypoint.Waypoint
	json.NewDecoder(rec.Body).Decode(&latest)
	if len(latest) != 2 || latest[1].BusId != "bus-2" || latest[1].ClientId != "b" {
		t.Fatalf("%+v", latest)
	}

	rec = do(api, http.MethodGet, "/api/bus-waypoints/latest?campWeekend=March+6th-8th", adminKey, "")
	latest = nil
	json.NewDecoder(rec.Body).Decode(&latest)
	if len(latest) != 1 || latest[0].BusId != "bus-1" {
		t.Fatalf("%+v", latest)
	}

	rec = do(api, http.MethodGet, "/api/bus-waypoints/route/bus-2", adminKey, "")
	var route []*waypoint.Waypoint
	json.NewDecoder(rec.Body).Decode(&route)
	if len(route) != 2 || route[0].ClientId != "a" || route[1].ClientId != "b" {
		t.Fatalf("%+v", route)
	}

	rec = do(api, http.MethodGet, "/api/bus-waypoints/route/bus-2?from=2025-05-15T09:00:10Z", adminKey, "")
	route = nil
	json.NewDecoder(rec.Body).Decode(&route)
	if len(route) != 1 || route[0].ClientId != "b" {
		t.Fatalf("%+v", route)
	}

	if rec := do(api, http.MethodGet, "/api/bus-waypoints/route/bus-2?from=soon", adminKey, ""); rec.Code != http.StatusBadRequest {
		t.Error(rec.Code)
	}

	rec = do(api, http.MethodGet, "/api/bus-waypoints/ref/"+route[0].Ref, adminKey, "")
	var one waypoint.Waypoint
	if err := json.NewDecoder(rec.Body).Decode(&one); err != nil || one.ClientId != "b" {
		t.Error(one, err)
	}
	if rec := do(api, http.MethodGet, "/api/bus-waypoints/ref/"+api.refs.Encode(9999), adminKey, ""); rec.Code != http.StatusNotFound {
		t.Error(rec.Code)
	}
	if rec := do(api, http.MethodGet, "/api/bus-waypoints/ref/zz", adminKey, ""); rec.Code != http.StatusNotFound {
		t.Error(rec.Code)
	}
}

func TestBoard(t *testing.T) {
	api, _ := newTestApi(t)
	seed(t, api)
	api.now = func() time.Time { return time.Date(2025, 5, 15, 9, 4, 0, 0, time.UTC) }

	rec := do(api, http.MethodGet, "/api/bus-map", adminKey, "")
	var b fleet.Board
	if err := json.NewDecoder(rec.Body).Decode(&b); err != nil {
		t.Fatal(err)
	}
	if len(b.Buses) != 2 || b.Active != 1 || b.Inactive != 1 {
		t.Fatalf("%+v", b)
	}
	if !b.Buses[1].Active || b.Buses[1].Waypoint.Ref == "" {
		t.Errorf("%+v", b.Buses[1])
	}
	if b.Buses[0].Active {
		t.Error("bus-1 reported 5 minutes ago must be inactive")
	}
}

func TestFuncDispatch(t *testing.T) {
	api, _ := newTestApi(t)
	seed(t, api)

	rec := do(api, http.MethodPost, "/func/GetBusRoute", adminKey, `{"busId":"bus-2"}`)
	var res waypointsResponse
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil || len(res.Waypoints) != 2 {
		t.Fatal(rec.Code, err)
	}
	if rec := do(api, http.MethodPost, "/func/GetBusRoute", adminKey, `{}`); rec.Code != http.StatusBadRequest {
		t.Error(rec.Code)
	}
	if rec := do(api, http.MethodPost, "/func/GetBusRoute", adminKey, `{"busId":"bus-2","from":"x"}`); rec.Code != http.StatusBadRequest {
		t.Error(rec.Code)
	}
	if rec := do(api, http.MethodPost, "/func/Nope", adminKey, `{}`); rec.Code != http.StatusNotFound {
		t.Error(rec.Code)
	}
	if rec := do(api, http.MethodPost, "/func/GetBusBoard", trackerKey, `{}`); rec.Code != http.StatusForbidden {
		t.Error(rec.Code)
	}
	rec = do(api, http.MethodPost, "/func/GetLatestWaypoints", adminKey, `{"campWeekend":"May 15th-17th"}`)
	res = waypointsResponse{}
	json.NewDecoder(rec.Body).Decode(&res)
	if len(res.Waypoints) != 1 || res.Waypoints[0].BusId != "bus-2" {
		t.Errorf("%+v", res)
	}
}

func TestHealthz(t *testing.T) {
	api, _ := newTestApi(t)
	if rec := do(api, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Error(rec.Code)
	}
}

func TestRefCodec(t *testing.T) {
	c, _ := NewRefCodec("salt", 8)
	ref := c.Encode(42)
	if len(ref) < 8 {
		t.Error(ref)
	}
	id, err := c.Decode(ref)
	if err != nil || id != 42 {
		t.Error(id, err)
	}
	other, _ := NewRefCodec("pepper", 8)
	if _, err := other.Decode(ref); err == nil {
		t.Error("ref decoded with a different salt")
	}
	if _, err := c.Decode(""); err != ErrBadRef {
		t.Error(err)
	}
}

type fakeCloser struct {
	calls int
	err   error
}

func (f *fakeCloser) Logout(r *http.Request) error {
	f.calls++
	return f.err
}

func TestLogout(t *testing.T) {
	api, _ := newTestApi(t)
	if rec := do(api, http.MethodPost, "/api/logout", "", ""); rec.Code != http.StatusUnauthorized {
		t.Error(rec.Code)
	}
	fc := &fakeCloser{}
	api.SetSessionCloser(fc)
	rec := do(api, http.MethodPost, "/api/logout", adminKey, "")
	if rec.Code != http.StatusNoContent || fc.calls != 1 {
		t.Error(rec.Code, fc.calls)
	}
	if c := rec.Result().Cookies(); len(c) != 1 || c[0].Name != session.CookieName || c[0].Value != "" {
		t.Error(c)
	}
	fc.err = session.ErrNoSession
	if rec := do(api, http.MethodPost, "/api/logout", adminKey, ""); rec.Code != http.StatusBadRequest {
		t.Error(rec.Code)
	}
}
