package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikoma-ops/ikoma/internal/store"
)

func TestSeedPlaybooks_Idempotent(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	seeded, skipped, err := seedPlaybooks(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, len(baselinePlaybooks), seeded)
	assert.Zero(t, skipped)

	// Second run finds everything already present.
	seeded, skipped, err = seedPlaybooks(ctx, st)
	require.NoError(t, err)
	assert.Zero(t, seeded)
	assert.Equal(t, len(baselinePlaybooks), skipped)

	playbooks, err := st.ListPlaybooks(ctx)
	require.NoError(t, err)
	assert.Len(t, playbooks, len(baselinePlaybooks))
}
