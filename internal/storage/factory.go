package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/bleepstore/bleepupload/internal/config"
)

// NewFromConfig builds the configured backend. The returned closer releases
// backend resources and is never nil.
func NewFromConfig(ctx context.Context, cfg config.StorageConfig) (StorageBackend, io.Closer, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryBackend(), nopCloser{}, nil

	case "local", "":
		b, err := NewLocalBackend(cfg.Local.RootDir)
		if err != nil {
			return nil, nil, err
		}
		if err := b.CleanTempFiles(); err != nil {
			slog.Warn("Failed to clean temp files", "error", err)
		}
		return b, nopCloser{}, nil

	case "sqlite":
		b, err := NewSQLiteBackend(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil

	case "azure":
		az := cfg.Azure
		if az.Container == "" {
			return nil, nil, fmt.Errorf("storage.azure.container is required for the azure backend")
		}
		accountURL := az.AccountURL
		if accountURL == "" && az.Account != "" {
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", az.Account)
		}
		if accountURL == "" && az.ConnectionString == "" {
			return nil, nil, fmt.Errorf("storage.azure.account or account_url is required for the azure backend")
		}
		b, err := NewAzureBackend(ctx, az.Container, accountURL, az.Prefix, AzureOptions{
			ConnectionString:   az.ConnectionString,
			SASToken:           az.SASToken,
			UseManagedIdentity: az.UseManagedIdentity,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, nopCloser{}, nil

	case "aws":
		a := cfg.AWS
		if a.Bucket == "" {
			return nil, nil, fmt.Errorf("storage.aws.bucket is required for the aws backend")
		}
		region := a.Region
		if region == "" {
			region = "us-east-1"
		}
		b, err := NewAWSBackend(ctx, a.Bucket, region, a.Prefix, AWSOptions{
			EndpointURL:     a.EndpointURL,
			UsePathStyle:    a.UsePathStyle,
			AccessKeyID:     a.AccessKeyID,
			SecretAccessKey: a.SecretAccessKey,
		})
		if err != nil {
			return nil, nil, err
		}
		return b, nopCloser{}, nil

	case "gcp":
		g := cfg.GCP
		if g.Bucket == "" {
			return nil, nil, fmt.Errorf("storage.gcp.bucket is required for the gcp backend")
		}
		b, err := NewGCPBackend(ctx, g.Bucket, g.Project, g.Prefix, g.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return b, nopCloser{}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
