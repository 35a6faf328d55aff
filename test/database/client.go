// Package database provides shared database test helpers.
package database

import (
	"context"
	"testing"

	"github.com/storyloom/loom/pkg/database"
	"github.com/stretchr/testify/require"
)

// NewTestClient creates a migrated in-memory database client.
// The client is closed automatically when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()

	client, err := database.NewClient(context.Background(), database.Config{Path: ":memory:"})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}
