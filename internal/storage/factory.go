package storage

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"vidforge/internal/adapters/storage/gdrive"
	"vidforge/internal/adapters/storage/localfs"
	"vidforge/internal/adapters/storage/s3"
	"vidforge/internal/config"
)

// NewProvider builds the configured storage provider.
func NewProvider(ctx context.Context, cfg config.Storage) (Provider, error) {
	switch cfg.Provider {
	case "localfs":
		return localfs.New(cfg.LocalRoot, cfg.LocalBaseURL), nil

	case "s3":
		return newS3Provider(ctx, cfg)

	case "gdrive":
		return newGDriveProvider(ctx, cfg)

	default:
		return nil, fmt.Errorf("unknown storage provider: %s", cfg.Provider)
	}
}

// BucketName returns the container name recorded on video rows for the
// configured provider.
func BucketName(cfg config.Storage) string {
	switch cfg.Provider {
	case "s3":
		return cfg.S3Bucket
	case "gdrive":
		return cfg.GDriveFolderID
	default:
		return cfg.LocalRoot
	}
}

func newS3Provider(ctx context.Context, cfg config.Storage) (Provider, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 provider requires a bucket")
	}

	// Credentials come from the default chain (env, shared config, IMDS).
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	return s3.New(awss3.NewFromConfig(awsCfg), cfg.S3Bucket), nil
}

func newGDriveProvider(ctx context.Context, cfg config.Storage) (Provider, error) {
	if cfg.GDriveClientID == "" || cfg.GDriveClientSecret == "" || cfg.GDriveRefreshToken == "" {
		return nil, fmt.Errorf("gdrive provider requires client id, secret and refresh token")
	}

	conf := &oauth2.Config{
		ClientID:     cfg.GDriveClientID,
		ClientSecret: cfg.GDriveClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{drive.DriveFileScope},
	}

	tok := &oauth2.Token{RefreshToken: cfg.GDriveRefreshToken}
	httpClient := conf.Client(ctx, tok)

	srv, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, err
	}

	return gdrive.NewClient(srv, cfg.GDriveFolderID), nil
}
