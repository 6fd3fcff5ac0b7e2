package export

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewS3Sink_RequiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Config{Region: "us-east-1"})
	if err == nil {
		t.Fatal("expected error for missing bucket")
	}
}

func TestS3Sink_Put(t *testing.T) {
	var got struct {
		method      string
		path        string
		contentType string
		body        []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.contentType = r.Header.Get("Content-Type")
		got.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewS3Sink(context.Background(), S3Config{
		Region:          "us-east-1",
		Bucket:          "artifacts",
		Endpoint:        srv.URL,
		PathStyle:       true,
		AccessKeyID:     "test",
		SecretAccessKey: "secret",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := sink.Put(context.Background(), "runs/r1/summary.csv", []byte("a,b\n1,2\n"), "text/csv"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.method != http.MethodPut {
		t.Errorf("expected PUT, got %s", got.method)
	}
	if got.path != "/artifacts/runs/r1/summary.csv" {
		t.Errorf("unexpected object path: %s", got.path)
	}
	if got.contentType != "text/csv" {
		t.Errorf("expected text/csv, got %q", got.contentType)
	}
	if string(got.body) != "a,b\n1,2\n" {
		t.Errorf("unexpected body: %q", got.body)
	}
}
