package migration

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/supamigrate/internal/models"
	"github.com/ksred/supamigrate/internal/utils"
)

func TestVerifier_Verify(t *testing.T) {
	source, src := newProject(t, "source")
	dest, dst := newProject(t, "destination")

	src.Seed("categories", makeRows(1, 3)...)
	dst.Seed("categories", makeRows(1, 3)...)
	src.Seed("tags", makeRows(1, 10)...)
	dst.Seed("tags", makeRows(1, 8)...)
	src.CreateTable("profiles")
	dst.CreateTable("profiles")

	results, err := NewVerifier(source, dest, quietLogger()).Verify(context.Background(), []string{"categories", "tags", "profiles"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrVerification))
	assert.Contains(t, err.Error(), "1 of 3 tables")

	assert.Equal(t, []models.VerifyResult{
		{Table: "categories", Source: 3, Destination: 3, Match: true},
		{Table: "tags", Source: 10, Destination: 8, Match: false},
		{Table: "profiles", Source: 0, Destination: 0, Match: true},
	}, results)

	var out bytes.Buffer
	PrintVerification(&out, results)
	assert.Contains(t, out.String(), "10")
	assert.Contains(t, out.String(), "NO")
	assert.Contains(t, out.String(), "1 of 3 tables do not match")
}

func TestVerifier_AllMatch(t *testing.T) {
	source, src := newProject(t, "source")
	dest, dst := newProject(t, "destination")
	src.Seed("tags", makeRows(1, 4)...)
	dst.Seed("tags", makeRows(1, 4)...)

	results, err := NewVerifier(source, dest, quietLogger()).Verify(context.Background(), []string{"tags"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Match)

	var out bytes.Buffer
	PrintVerification(&out, results)
	assert.Contains(t, out.String(), "All 1 tables match")
}

func TestVerifier_CountErrorIsRecorded(t *testing.T) {
	source, src := newProject(t, "source")
	dest, dst := newProject(t, "destination")
	src.Seed("tags", makeRows(1, 2)...)
	dst.Seed("tags", makeRows(1, 2)...)
	src.FailReads("tags")

	results, err := NewVerifier(source, dest, quietLogger()).Verify(context.Background(), []string{"tags", "missing"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrVerification))

	require.Len(t, results, 2)
	assert.False(t, results[0].Match)
	assert.Contains(t, results[0].Error, "source")
	assert.False(t, results[1].Match)
	assert.NotEmpty(t, results[1].Error)

	var out bytes.Buffer
	PrintVerification(&out, results)
	assert.Contains(t, out.String(), "ERROR:")
}

func TestVerifier_NeverWrites(t *testing.T) {
	dest := newMemoryDest()
	source := newMemoryDest()
	_, err := NewVerifier(source, dest, quietLogger()).Verify(context.Background(), []string{"tags"})
	require.NoError(t, err)
	assert.Empty(t, dest.batchSizes)
	assert.Zero(t, dest.inserts)
	assert.Empty(t, dest.queries)
}
