package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/bleepstore/bleepupload/internal/config"
)

// cosmosPartition is the single logical partition holding all sessions.
const cosmosPartition = "session"

// CosmosAPI is the subset of container operations the store uses. ETags
// come back from reads and guard replaces.
type CosmosAPI interface {
	CreateItem(ctx context.Context, id string, item []byte) error
	ReadItem(ctx context.Context, id string) ([]byte, azcore.ETag, error)
	ReplaceItem(ctx context.Context, id string, item []byte, ifMatch azcore.ETag) error
	DeleteItem(ctx context.Context, id string) error
	QueryItems(ctx context.Context, query string, params []azcosmos.QueryParameter) ([][]byte, error)
	Ping(ctx context.Context) error
}

type realCosmosClient struct {
	container *azcosmos.ContainerClient
}

func (c *realCosmosClient) pk() azcosmos.PartitionKey {
	return azcosmos.NewPartitionKeyString(cosmosPartition)
}

func (c *realCosmosClient) CreateItem(ctx context.Context, id string, item []byte) error {
	_, err := c.container.CreateItem(ctx, c.pk(), item, nil)
	return err
}

func (c *realCosmosClient) ReadItem(ctx context.Context, id string) ([]byte, azcore.ETag, error) {
	resp, err := c.container.ReadItem(ctx, c.pk(), id, nil)
	if err != nil {
		return nil, "", err
	}
	return resp.Value, resp.ETag, nil
}

func (c *realCosmosClient) ReplaceItem(ctx context.Context, id string, item []byte, ifMatch azcore.ETag) error {
	_, err := c.container.ReplaceItem(ctx, c.pk(), id, item, &azcosmos.ItemOptions{IfMatchEtag: &ifMatch})
	return err
}

func (c *realCosmosClient) DeleteItem(ctx context.Context, id string) error {
	_, err := c.container.DeleteItem(ctx, c.pk(), id, nil)
	return err
}

func (c *realCosmosClient) QueryItems(ctx context.Context, query string, params []azcosmos.QueryParameter) ([][]byte, error) {
	pager := c.container.NewQueryItemsPager(query, c.pk(), &azcosmos.QueryOptions{
		QueryParameters: params,
	})
	var items [][]byte
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, resp.Items...)
	}
	return items, nil
}

func (c *realCosmosClient) Ping(ctx context.Context) error {
	_, err := c.container.Read(ctx, nil)
	return err
}

// CosmosStore keeps sessions as items in one Cosmos DB container.
// Conditional updates use optimistic concurrency on the item ETag.
type CosmosStore struct {
	client CosmosAPI
}

type cosmosSession struct {
	ID        string            `json:"id"`
	Partition string            `json:"pk"`
	ObjectKey string            `json:"object_key"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Length    int64             `json:"length"`
	Offset    int64             `json:"upload_offset"`
	State     string            `json:"state"`
	Failure   string            `json:"failure,omitempty"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
	ExpiresAt string            `json:"expires_at"`
}

func NewCosmosStore(ctx context.Context, cfg config.CosmosConfig) (*CosmosStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("cosmos endpoint is required")
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("cosmos database name is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("cosmos container name is required")
	}
	if cfg.MasterKey == "" {
		return nil, fmt.Errorf("cosmos master key is required")
	}

	cred, err := azcosmos.NewKeyCredential(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}
	client, err := azcosmos.NewClientWithKey(cfg.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}

	containerClient, err := client.NewContainer(cfg.Database, cfg.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}

	return NewCosmosStoreWithClient(&realCosmosClient{container: containerClient}), nil
}

// NewCosmosStoreWithClient creates a store with a pre-configured client.
func NewCosmosStoreWithClient(client CosmosAPI) *CosmosStore {
	return &CosmosStore{client: client}
}

func cosmosStatus(err error) int {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode
	}
	return 0
}

func toCosmos(rec *SessionRecord) ([]byte, error) {
	return json.Marshal(cosmosSession{
		ID:        rec.UploadID,
		Partition: cosmosPartition,
		ObjectKey: rec.ObjectKey,
		Metadata:  rec.Metadata,
		Length:    rec.Length,
		Offset:    rec.Offset,
		State:     string(rec.State),
		Failure:   rec.Failure,
		CreatedAt: formatTime(rec.CreatedAt),
		UpdatedAt: formatTime(rec.UpdatedAt),
		ExpiresAt: formatTime(rec.ExpiresAt),
	})
}

func fromCosmos(data []byte) (*SessionRecord, error) {
	var item cosmosSession
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("unmarshaling session: %w", err)
	}
	return &SessionRecord{
		UploadID:  item.ID,
		ObjectKey: item.ObjectKey,
		Metadata:  item.Metadata,
		Length:    item.Length,
		Offset:    item.Offset,
		State:     SessionState(item.State),
		Failure:   item.Failure,
		CreatedAt: parseTime(item.CreatedAt),
		UpdatedAt: parseTime(item.UpdatedAt),
		ExpiresAt: parseTime(item.ExpiresAt),
	}, nil
}

func (s *CosmosStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *CosmosStore) Close() error {
	return nil
}

func (s *CosmosStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	data, err := toCosmos(rec)
	if err != nil {
		return err
	}
	if err := s.client.CreateItem(ctx, rec.UploadID, data); err != nil {
		if cosmosStatus(err) == http.StatusConflict {
			return fmt.Errorf("creating session %s: %w", rec.UploadID, ErrSessionExists)
		}
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

func (s *CosmosStore) GetSession(ctx context.Context, uploadID string) (*SessionRecord, error) {
	data, _, err := s.client.ReadItem(ctx, uploadID)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return fromCosmos(data)
}

func (s *CosmosStore) UpdateSession(ctx context.Context, rec *SessionRecord, expectedOffset int64) error {
	data, etag, err := s.client.ReadItem(ctx, rec.UploadID)
	if err != nil {
		if cosmosStatus(err) == http.StatusNotFound {
			return fmt.Errorf("updating session %s: %w", rec.UploadID, ErrSessionNotFound)
		}
		return fmt.Errorf("reading session: %w", err)
	}
	cur, err := fromCosmos(data)
	if err != nil {
		return err
	}
	if cur.Offset != expectedOffset {
		return fmt.Errorf("updating session %s: stored offset %d, expected %d: %w",
			rec.UploadID, cur.Offset, expectedOffset, ErrOffsetMismatch)
	}

	next, err := toCosmos(rec)
	if err != nil {
		return err
	}
	if err := s.client.ReplaceItem(ctx, rec.UploadID, next, etag); err != nil {
		switch cosmosStatus(err) {
		case http.StatusPreconditionFailed:
			return fmt.Errorf("updating session %s: %w", rec.UploadID, ErrOffsetMismatch)
		case http.StatusNotFound:
			return fmt.Errorf("updating session %s: %w", rec.UploadID, ErrSessionNotFound)
		}
		return fmt.Errorf("replacing session: %w", err)
	}
	return nil
}

func (s *CosmosStore) DeleteSession(ctx context.Context, uploadID string) error {
	if err := s.client.DeleteItem(ctx, uploadID); err != nil && cosmosStatus(err) != http.StatusNotFound {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (s *CosmosStore) ListSessions(ctx context.Context, opts ListSessionsOptions) ([]SessionRecord, error) {
	query := "SELECT * FROM c"
	var params []azcosmos.QueryParameter
	if opts.State != "" {
		query += " WHERE c.state = @state"
		params = append(params, azcosmos.QueryParameter{Name: "@state", Value: string(opts.State)})
	}

	items, err := s.client.QueryItems(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	var out []SessionRecord
	for _, item := range items {
		rec, err := fromCosmos(item)
		if err != nil {
			continue
		}
		if opts.match(rec) {
			out = append(out, *rec)
		}
	}
	return opts.finish(out), nil
}

var _ SessionStore = (*CosmosStore)(nil)
