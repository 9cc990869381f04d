package report

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestGetReportFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/reports/r-42/file" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("format") != "pdf" {
			t.Errorf("format = %s", r.URL.Query().Get("format"))
		}
		if r.Header.Get("X-API-Key") != "secret" {
			t.Errorf("missing api key header")
		}
		w.Write([]byte("%PDF-1.7 fake"))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "secret", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	att, err := c.GetReportFile(context.Background(), "r-42", FormatPDF)
	if err != nil {
		t.Fatalf("GetReportFile: %v", err)
	}
	if att.Filename != "report-r-42.pdf" {
		t.Fatalf("filename = %q", att.Filename)
	}
	if att.ContentType != "application/pdf" {
		t.Fatalf("content type = %q", att.ContentType)
	}
	if string(att.Content) != "%PDF-1.7 fake" {
		t.Fatalf("content = %q", att.Content)
	}
}

func TestGetReportFileServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.GetReportFile(context.Background(), "r-42", FormatCSV); err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestGetReportFileBadFormat(t *testing.T) {
	c, err := NewClient("http://localhost:1", "", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.GetReportFile(context.Background(), "r-42", Format("docx")); err == nil {
		t.Fatal("expected error for unsupported format")
	}
	if _, err := c.GetReportFile(context.Background(), "", FormatPDF); err == nil {
		t.Fatal("expected error for empty report id")
	}
}
