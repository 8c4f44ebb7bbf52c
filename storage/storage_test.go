package storage

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
)

type stubTable struct {
	rows map[string][]byte
	err  error
}

func (s *stubTable) GetEntity(_ context.Context, pk, rk string, _ *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	if s.err != nil {
		return aztables.GetEntityResponse{}, s.err
	}
	row, ok := s.rows[pk+"/"+rk]
	if !ok {
		return aztables.GetEntityResponse{}, &azcore.ResponseError{StatusCode: http.StatusNotFound, ErrorCode: "ResourceNotFound"}
	}
	return aztables.GetEntityResponse{Value: row}, nil
}

func (s *stubTable) UpsertEntity(_ context.Context, entity []byte, _ *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error) {
	if s.err != nil {
		return aztables.UpsertEntityResponse{}, s.err
	}
	var ent aztables.Entity
	if err := sonic.Unmarshal(entity, &ent); err != nil {
		return aztables.UpsertEntityResponse{}, err
	}
	if s.rows == nil {
		s.rows = make(map[string][]byte)
	}
	s.rows[ent.PartitionKey+"/"+ent.RowKey] = entity
	return aztables.UpsertEntityResponse{}, nil
}

func TestCanAccessTask(t *testing.T) {
	s := &Storage{members: &stubTable{rows: map[string][]byte{
		"T1/U1": []byte(`{"PartitionKey":"T1","RowKey":"U1"}`),
		"T1/U2": []byte(`{"PartitionKey":"T1","RowKey":"U2","Revoked":true}`),
	}}}
	ctx := context.Background()

	tests := []struct {
		user, task string
		want       bool
	}{
		{"U1", "T1", true},
		{"U2", "T1", false},
		{"U3", "T1", false},
		{"U1", "T2", false},
	}
	for _, tt := range tests {
		got, err := s.CanAccessTask(ctx, tt.user, tt.task)
		if err != nil {
			t.Fatalf("%s/%s: unexpected error %v", tt.task, tt.user, err)
		}
		if got != tt.want {
			t.Fatalf("%s/%s: expected %v, got %v", tt.task, tt.user, tt.want, got)
		}
	}
}

func TestCanAccessTaskPropagatesStorageErrors(t *testing.T) {
	s := &Storage{members: &stubTable{err: &azcore.ResponseError{StatusCode: http.StatusServiceUnavailable}}}
	if _, err := s.CanAccessTask(context.Background(), "U1", "T1"); err == nil {
		t.Fatal("expected error")
	}

	s = &Storage{members: &stubTable{err: errors.New("dial tcp: refused")}}
	if _, err := s.CanAccessTask(context.Background(), "U1", "T1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestCanAccessTaskRejectsGarbageRow(t *testing.T) {
	s := &Storage{members: &stubTable{rows: map[string][]byte{"T1/U1": []byte(`{`)}}}
	if _, err := s.CanAccessTask(context.Background(), "U1", "T1"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestGrantAndRevoke(t *testing.T) {
	s := &Storage{members: &stubTable{}}
	ctx := context.Background()

	if err := s.Grant(ctx, "T1", "U1"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if ok, err := s.CanAccessTask(ctx, "U1", "T1"); err != nil || !ok {
		t.Fatalf("expected access after grant, got %v %v", ok, err)
	}
	if err := s.Revoke(ctx, "T1", "U1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ok, err := s.CanAccessTask(ctx, "U1", "T1"); err != nil || ok {
		t.Fatalf("expected no access after revoke, got %v %v", ok, err)
	}
	if err := s.Grant(ctx, "", "U1"); err == nil {
		t.Fatal("expected error for missing task id")
	}
}
