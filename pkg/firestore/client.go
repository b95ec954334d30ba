// Package firestore mirrors the health collector's state to Firestore so
// operator dashboards get live status without polling the coordinator. The
// mirror is optional: with no project configured the client runs in no-op
// mode and every write returns immediately.
package firestore

import (
	"context"
	"fmt"
	"log"
	"os"

	gcpfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/option"
)

// Client wraps the Firestore SDK behind an enable toggle.
type Client struct {
	app       *firebase.App
	firestore *gcpfirestore.Client
	projectID string
	logger    *log.Logger
	enabled   bool
}

// ClientConfig configures the mirror.
type ClientConfig struct {
	// ProjectID is the Firebase/GCP project ID. Empty disables the mirror.
	ProjectID string

	// CredentialsFile is the path to the service account JSON file. If
	// empty, the SDK falls back to GOOGLE_APPLICATION_CREDENTIALS.
	CredentialsFile string

	Logger *log.Logger
}

// NewClient creates a Firestore client, or a no-op client when no project
// is configured.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[Firestore] ", log.LstdFlags)
	}

	client := &Client{projectID: cfg.ProjectID, logger: cfg.Logger}
	if cfg.ProjectID == "" {
		cfg.Logger.Println("Firestore mirror disabled (no project configured)")
		return client, nil
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}
	fs, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	client.app = app
	client.firestore = fs
	client.enabled = true
	cfg.Logger.Printf("Firestore mirror enabled (project %s)", cfg.ProjectID)
	return client, nil
}

// IsEnabled reports whether writes reach Firestore.
func (c *Client) IsEnabled() bool { return c.enabled }

// Close releases the underlying client.
func (c *Client) Close() error {
	if c.firestore != nil {
		return c.firestore.Close()
	}
	return nil
}
