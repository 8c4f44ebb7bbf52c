package storage

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
)

type entityStore interface {
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	UpsertEntity(ctx context.Context, entity []byte, options *aztables.UpsertEntityOptions) (aztables.UpsertEntityResponse, error)
}

// Storage reads the task access projection maintained by the CRUD layer:
// one row per (task, user) with PartitionKey=taskID and RowKey=userID.
type Storage struct {
	members entityStore
}

// New creates a Storage instance from the given connection string.
func New(connStr, membersTable string) (*Storage, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    10 * time.Second,
				RetryDelay:    200 * time.Millisecond,
				MaxRetryDelay: 2 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Storage{members: svc.NewClient(membersTable)}, nil
}

type memberEntity struct {
	aztables.Entity
	Revoked bool `json:"Revoked"`
}

// CanAccessTask reports whether userID may watch taskID.
func (s *Storage) CanAccessTask(ctx context.Context, userID, taskID string) (bool, error) {
	resp, err := s.members.GetEntity(ctx, taskID, userID, nil)
	if err != nil {
		var re *azcore.ResponseError
		if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	var ent memberEntity
	if err := sonic.Unmarshal(resp.Value, &ent); err != nil {
		return false, err
	}
	return !ent.Revoked, nil
}

// Grant records that userID is a member of taskID.
func (s *Storage) Grant(ctx context.Context, taskID, userID string) error {
	return s.putMember(ctx, taskID, userID, false)
}

// Revoke keeps the membership row but denies access.
func (s *Storage) Revoke(ctx context.Context, taskID, userID string) error {
	return s.putMember(ctx, taskID, userID, true)
}

func (s *Storage) putMember(ctx context.Context, taskID, userID string, revoked bool) error {
	if taskID == "" || userID == "" {
		return errors.New("storage: task and user ids are required")
	}
	ent := memberEntity{
		Entity:  aztables.Entity{PartitionKey: taskID, RowKey: userID},
		Revoked: revoked,
	}
	data, err := sonic.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.members.UpsertEntity(ctx, data, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}
