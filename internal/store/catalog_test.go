package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ikoma-ops/ikoma/internal/order"
)

func TestCreateServer_Metadata(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	srv, err := s.CreateServer(ctx, "db-01", "https://db-01.internal", "", nil,
		json.RawMessage(`{"rack":"r4","env":"prod"}`))
	if err != nil {
		t.Fatalf("CreateServer() failed: %v", err)
	}
	if string(srv.Metadata) != `{"rack":"r4","env":"prod"}` {
		t.Errorf("metadata = %s, want stored verbatim", srv.Metadata)
	}

	got, err := s.GetServer(ctx, srv.ID)
	if err != nil {
		t.Fatalf("GetServer() failed: %v", err)
	}
	if string(got.Metadata) != `{"rack":"r4","env":"prod"}` {
		t.Errorf("read back metadata = %s, want stored verbatim", got.Metadata)
	}
}

func TestCreateServer_MetadataDefaultsToEmptyObject(t *testing.T) {
	s, _ := newTestStore(t)

	srv, err := s.CreateServer(context.Background(), "web-01", "https://web-01.internal", "", nil, nil)
	if err != nil {
		t.Fatalf("CreateServer() failed: %v", err)
	}
	if string(srv.Metadata) != `{}` {
		t.Errorf("metadata = %s, want {}", srv.Metadata)
	}
}

func TestCreateServer_RejectsMalformedMetadata(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.CreateServer(context.Background(), "web-01", "https://web-01.internal", "", nil,
		json.RawMessage(`not json`))
	ve, ok := order.IsValidation(err)
	if !ok {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if ve.Field != "metadata" {
		t.Errorf("field = %q, want metadata", ve.Field)
	}
}
