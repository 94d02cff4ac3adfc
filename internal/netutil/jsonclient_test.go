package netutil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestJSONClientGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept = %q", got)
		}
		w.Write([]byte(`["a", "b"]`))
	}))
	defer srv.Close()

	c := NewJSONClient(time.Second)
	var names []string
	if err := c.Get(context.Background(), srv.URL, &names); err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("names = %v", names)
	}
}

func TestJSONClientGetStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewJSONClient(time.Second)
	err := c.Get(context.Background(), srv.URL, nil)
	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want HTTPStatusError", err)
	}
	if statusErr.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d", statusErr.StatusCode)
	}
}

func TestJSONClientGetRawKeepsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error": {"code": "NOT_FOUND"}}`))
	}))
	defer srv.Close()

	c := NewJSONClient(time.Second)
	body, status, err := c.GetRaw(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusNotFound {
		t.Errorf("status = %d", status)
	}
	if len(body) == 0 {
		t.Error("body is empty")
	}
}

func TestJSONClientTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewJSONClient(20 * time.Millisecond)
	if err := c.Get(context.Background(), srv.URL, nil); err == nil {
		t.Fatal("slow server did not time out")
	}
}

func TestJSONClientBadURL(t *testing.T) {
	c := NewJSONClient(time.Second)
	_, _, err := c.GetRaw(context.Background(), "http://bad url/")
	var nonRetryable *NonRetryableError
	if !errors.As(err, &nonRetryable) {
		t.Fatalf("err = %v, want NonRetryableError", err)
	}
}
