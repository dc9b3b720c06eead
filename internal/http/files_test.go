package http

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/cadence/internal/files"
)

func filesMux(t *testing.T) *http.ServeMux {
	t.Helper()
	store, err := files.NewStore(t.TempDir(), "https://cdn.example.com")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	mux := http.NewServeMux()
	NewFilesHandler(store).RegisterRoutes(mux)
	return mux
}

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := io.WriteString(fw, content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUploadAndFetch(t *testing.T) {
	mux := filesMux(t)

	body, contentType := multipartBody(t, "file", "voice.ogg", "opus data")
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.HasSuffix(resp["filename"], ".ogg") {
		t.Errorf("filename = %q, want .ogg suffix", resp["filename"])
	}
	if want := "https://cdn.example.com/files/" + resp["filename"]; resp["url"] != want {
		t.Errorf("url = %q, want %q", resp["url"], want)
	}
	if resp["mime_type"] == "" {
		t.Error("mime_type must be set from the part header")
	}

	get := httptest.NewRequest(http.MethodGet, "/files/"+resp["filename"], nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, get)

	if getRec.Code != http.StatusOK {
		t.Fatalf("fetch status = %d, want %d", getRec.Code, http.StatusOK)
	}
	if got := getRec.Body.String(); got != "opus data" {
		t.Errorf("fetched body = %q, want %q", got, "opus data")
	}
}

func TestUploadRequiresFileField(t *testing.T) {
	mux := filesMux(t)

	body, contentType := multipartBody(t, "attachment", "voice.ogg", "opus data")
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestFetchUnknownName(t *testing.T) {
	mux := filesMux(t)

	for _, name := range []string{
		"nope.png",
		"00000000000000000000000000000000.ogg",
	} {
		req := httptest.NewRequest(http.MethodGet, "/files/"+name, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET /files/%s status = %d, want %d", name, rec.Code, http.StatusNotFound)
		}
	}
}
