package server

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/loykin/multiproc/internal/multiproc"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api/", "/api"},
		{" /supervisor/v1/ ", "/supervisor/v1"},
		{"/api /", "/api"},
	}
	for _, c := range cases {
		if got := sanitizeBase(c.in); got != c.want {
			t.Fatalf("sanitizeBase(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestIsSafeNameWorkerNames(t *testing.T) {
	// Names as they appear in config files.
	for _, s := range []string{"echo-1", "io.reader_2", "worker-a", "worker-b", "W9"} {
		if !isSafeName(s) {
			t.Fatalf("expected %q to be accepted", s)
		}
	}
	for _, s := range []string{"", "..", "echo..1", "io/reader", `io\reader`, "echo 1", "echo-1&wait=0", "wörker"} {
		if isSafeName(s) {
			t.Fatalf("expected %q to be rejected", s)
		}
	}
}

func TestWriteJSONExitRecord(t *testing.T) {
	gin.SetMode(gin.TestMode)
	code := -9
	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		writeJSON(c, 200, multiproc.ExitRecord{Name: "ignore-1", ExitCode: &code})
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type: %s", ct)
	}
	var got multiproc.ExitRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c, ok := got.Code(); !ok || c != -9 || got.Name != "ignore-1" {
		t.Fatalf("unexpected record %+v", got)
	}
}
