package arke

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetEntity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/pi/pi-123" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"pi":          "pi-123",
			"tip":         "bafytip",
			"version":     4,
			"components":  map[string]string{"pinax.json": "bafypinax"},
			"children_pi": []string{"pi-child"},
			"label":       "box-7",
		})
	}))
	defer srv.Close()

	entity, err := NewClient(srv.URL).GetEntity(context.Background(), "pi-123")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if entity.HeadTip() != "bafytip" {
		t.Errorf("tip = %s, want bafytip", entity.HeadTip())
	}
	if entity.Components["pinax.json"] != "bafypinax" {
		t.Errorf("components = %v", entity.Components)
	}
	if len(entity.ChildrenPI) != 1 || entity.ChildrenPI[0] != "pi-child" {
		t.Errorf("children = %v", entity.ChildrenPI)
	}
}

func TestGetEntity_ManifestCIDFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"pi":           "pi-old",
			"manifest_cid": "bafymanifest",
			"version":      1,
		})
	}))
	defer srv.Close()

	entity, err := NewClient(srv.URL).GetEntity(context.Background(), "pi-old")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if entity.HeadTip() != "bafymanifest" {
		t.Errorf("tip = %s, want manifest_cid fallback", entity.HeadTip())
	}
}

func TestGetEntity_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such pi", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).GetEntity(context.Background(), "pi-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("not multipart: %v", err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		if header.Filename != "pinax.json" {
			t.Errorf("filename = %s", header.Filename)
		}
		json.NewEncoder(w).Encode([]map[string]string{{"cid": "bafynew"}})
	}))
	defer srv.Close()

	cid, err := NewClient(srv.URL).Upload(context.Background(), []byte(`{"id":"x"}`), "pinax.json")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if cid != "bafynew" {
		t.Errorf("cid = %s, want bafynew", cid)
	}
}

func TestAppendVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req appendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.ExpectTip != "bafyold" {
			t.Errorf("expect_tip = %s", req.ExpectTip)
		}
		if req.Components["pinax.json"] != "bafynew" {
			t.Errorf("components = %v", req.Components)
		}
		json.NewEncoder(w).Encode(AppendResult{Tip: "bafynext", Version: 5})
	}))
	defer srv.Close()

	result, err := NewClient(srv.URL).AppendVersion(context.Background(), "pi-123", "bafyold",
		map[string]string{"pinax.json": "bafynew"}, "Added PINAX metadata")
	if err != nil {
		t.Fatalf("AppendVersion: %v", err)
	}
	if result.Tip != "bafynext" || result.Version != 5 {
		t.Errorf("result = %+v", result)
	}
}

func TestAppendVersion_Conflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expect_tip does not match head", http.StatusConflict)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).AppendVersion(context.Background(), "pi-123", "stale", nil, "")
	if !errors.Is(err, ErrTipMismatch) {
		t.Errorf("err = %v, want ErrTipMismatch", err)
	}
}
