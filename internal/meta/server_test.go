package meta

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func metaServer(t *testing.T, proxies ...string) *httptest.Server {
	t.Helper()
	s := NewServer("", 0, NewFleet(Config{Proxies: proxies}))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out any) (int, http.Header) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode, resp.Header
}

func TestMetaLoadBalancers(t *testing.T) {
	a := backend(t, []string{"lb1"}, nil)
	b := backend(t, []string{"lb2", "lb1"}, nil)
	srv := metaServer(t, a.URL, b.URL)

	var names []string
	code, _ := getJSON(t, srv.URL+"/api/1.0/loadbalancer/", &names)
	if code != 200 {
		t.Fatalf("status = %d", code)
	}
	if len(names) != 2 || names[0] != "lb1" || names[1] != "lb2" {
		t.Errorf("names = %v", names)
	}
}

func TestMetaProxyFailover(t *testing.T) {
	failing := backend(t, []string{"lb1"}, func(mux *http.ServeMux) {
		mux.HandleFunc("/api/1.0/loadbalancer/lb1/", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		})
	})
	healthy := backend(t, []string{"lb1"}, func(mux *http.ServeMux) {
		mux.HandleFunc("/api/1.0/loadbalancer/lb1/", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"name": "lb1", "type": "AAS"})
		})
	})
	srv := metaServer(t, failing.URL, healthy.URL)

	var lb map[string]string
	code, header := getJSON(t, srv.URL+"/api/1.0/loadbalancer/lb1/", &lb)
	if code != 200 {
		t.Fatalf("status = %d", code)
	}
	if lb["type"] != "AAS" {
		t.Errorf("lb = %v", lb)
	}
	if header.Get("X-QCss-Server") != healthy.URL {
		t.Errorf("X-QCss-Server = %q", header.Get("X-QCss-Server"))
	}
}

func TestMetaProxyAllFailed(t *testing.T) {
	failing := backend(t, []string{"lb1"}, func(mux *http.ServeMux) {
		mux.HandleFunc("/api/1.0/loadbalancer/lb1/", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		})
	})
	srv := metaServer(t, failing.URL)

	code, _ := getJSON(t, srv.URL+"/api/1.0/loadbalancer/lb1/", nil)
	if code != http.StatusGatewayTimeout {
		t.Errorf("status = %d", code)
	}
}

func TestMetaProxyUnknownDevice(t *testing.T) {
	a := backend(t, []string{"lb1"}, nil)
	srv := metaServer(t, a.URL)

	code, _ := getJSON(t, srv.URL+"/api/1.0/loadbalancer/ghost/", nil)
	if code != http.StatusNotFound {
		t.Errorf("status = %d", code)
	}
}

func TestMetaSearchMerge(t *testing.T) {
	a := backend(t, []string{"lb1"}, func(mux *http.ServeMux) {
		mux.HandleFunc("/api/1.0/search/web/", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]string{"/loadbalancer/lb1/virtualserver/v1/"})
		})
	})
	b := backend(t, []string{"lb2"}, func(mux *http.ServeMux) {
		mux.HandleFunc("/api/1.0/search/web/", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]string{"/loadbalancer/lb2/virtualserver/v7/"})
		})
	})
	srv := metaServer(t, a.URL, b.URL)

	var paths []string
	code, _ := getJSON(t, srv.URL+"/api/1.0/search/web/", &paths)
	if code != 200 {
		t.Fatalf("status = %d", code)
	}
	if len(paths) != 2 {
		t.Errorf("paths = %v", paths)
	}
}

func TestMetaStatus(t *testing.T) {
	a := backend(t, []string{"lb1"}, nil)
	b := backend(t, []string{"lb1", "lb2"}, nil)
	srv := metaServer(t, a.URL, b.URL)

	var status map[string][]string
	code, _ := getJSON(t, srv.URL+"/api/1.0/status/", &status)
	if code != 200 {
		t.Fatalf("status = %d", code)
	}
	if got := status["lb1"]; len(got) != 2 || got[0] != a.URL || got[1] != b.URL {
		t.Errorf("lb1 backends = %v", got)
	}
	if got := status["lb2"]; len(got) != 1 || got[0] != b.URL {
		t.Errorf("lb2 backends = %v", got)
	}
}

func TestMetaBadDate(t *testing.T) {
	a := backend(t, []string{"lb1"}, nil)
	srv := metaServer(t, a.URL)

	code, _ := getJSON(t, srv.URL+"/api/1.0/past/bogus/loadbalancer/", nil)
	if code != http.StatusBadRequest {
		t.Errorf("status = %d", code)
	}
}
