package keystore_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"reqline/internal/api"
	"reqline/internal/keystore"
)

const (
	testKey    = "ba5508aba59041f7affe232d5d310aa8"
	testNodeID = "0x35ca494ae0085717159de173acd94cf5797a4338"
)

func TestImportThenIdentity(t *testing.T) {
	var got struct {
		Key    string `json:"key"`
		NodeID string `json:"nodeId"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/admin/import-key" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ks := keystore.New(api.New(srv.URL, "app-key"))
	if err := ks.ImportKey(context.Background(), testKey, testNodeID); err != nil {
		t.Fatalf("import: %v", err)
	}
	if got.Key != testKey || got.NodeID != testNodeID {
		t.Fatalf("server saw key=%q nodeId=%q", got.Key, got.NodeID)
	}
	identity, ok := ks.Identity()
	if !ok {
		t.Fatalf("expected identity after import")
	}
	if identity.NodeID != testNodeID {
		t.Fatalf("identity node id %q, want %q", identity.NodeID, testNodeID)
	}
}

func TestImportRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "duplicate nodeId", http.StatusConflict)
	}))
	defer srv.Close()

	ks := keystore.New(api.New(srv.URL, ""))
	err := ks.ImportKey(context.Background(), testKey, testNodeID)
	var importErr keystore.ImportError
	if !errors.As(err, &importErr) || importErr.Kind != keystore.KindRejected {
		t.Fatalf("expected rejected import error, got %v", err)
	}
	if _, ok := ks.Identity(); ok {
		t.Fatalf("identity must not be set after rejection")
	}
}

func TestImportUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	ks := keystore.New(api.New(srv.URL, ""))
	err := ks.ImportKey(context.Background(), testKey, testNodeID)
	var importErr keystore.ImportError
	if !errors.As(err, &importErr) || importErr.Kind != keystore.KindUnreachable {
		t.Fatalf("expected unreachable import error, got %v", err)
	}
}

func TestImportMalformedKeyRejectedLocally(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	ks := keystore.New(api.New(srv.URL, ""))
	err := ks.ImportKey(context.Background(), "not-hex", testNodeID)
	var importErr keystore.ImportError
	if !errors.As(err, &importErr) || importErr.Kind != keystore.KindRejected {
		t.Fatalf("expected local rejection, got %v", err)
	}
	if requests != 0 {
		t.Fatalf("malformed key must not reach the server")
	}
}
