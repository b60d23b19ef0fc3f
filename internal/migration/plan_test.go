package migration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/supamigrate/internal/config"
	"github.com/ksred/supamigrate/internal/models"
	"github.com/ksred/supamigrate/internal/utils"
)

func names(specs []models.TableSpec) []string {
	out := make([]string, len(specs))
	for i, s := range specs {
		out[i] = s.Name
	}
	return out
}

func TestPlan_DefaultTables(t *testing.T) {
	plan, err := Plan(config.DefaultTables(), false)
	require.NoError(t, err)
	assert.Equal(t, names(config.DefaultTables()), names(plan))

	position := make(map[string]int)
	for i, n := range names(plan) {
		position[n] = i
	}
	assert.Less(t, position["posts"], position["post_tags"])
	assert.Less(t, position["categories"], position["products"])
}

func TestPlan_DeclaredOrder(t *testing.T) {
	specs := []models.TableSpec{
		{Name: "post_tags", DependsOn: []string{"posts"}},
		{Name: "posts"},
	}

	_, err := Plan(specs, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrPlan))
	assert.Contains(t, err.Error(), "post_tags is listed before its dependency posts")

	plan, err := Plan(specs, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"posts", "post_tags"}, names(plan))
}

func TestPlan_AutoOrderKeepsDeclaredTies(t *testing.T) {
	specs := []models.TableSpec{
		{Name: "prices", DependsOn: []string{"products"}},
		{Name: "tags"},
		{Name: "products", DependsOn: []string{"categories"}},
		{Name: "categories"},
		{Name: "profiles"},
	}

	plan, err := Plan(specs, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"tags", "categories", "products", "prices", "profiles"}, names(plan))
}

func TestPlan_Errors(t *testing.T) {
	tests := []struct {
		name    string
		specs   []models.TableSpec
		wantErr string
	}{
		{
			name: "Cycle",
			specs: []models.TableSpec{
				{Name: "a", DependsOn: []string{"b"}},
				{Name: "b", DependsOn: []string{"a"}},
				{Name: "c"},
			},
			wantErr: "dependency cycle between a, b",
		},
		{
			name:    "Unknown dependency",
			specs:   []models.TableSpec{{Name: "posts", DependsOn: []string{"authors"}}},
			wantErr: "posts depends on unknown table authors",
		},
		{
			name:    "Self dependency",
			specs:   []models.TableSpec{{Name: "comments", DependsOn: []string{"comments"}}},
			wantErr: "comments depends on itself",
		},
		{
			name:    "Duplicate",
			specs:   []models.TableSpec{{Name: "tags"}, {Name: "tags"}},
			wantErr: "table tags listed twice",
		},
		{
			name:    "Invalid name",
			specs:   []models.TableSpec{{Name: "tags; drop table users"}},
			wantErr: "invalid table name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, auto := range []bool{false, true} {
				_, err := Plan(tt.specs, auto)
				require.Error(t, err)
				assert.True(t, errors.Is(err, utils.ErrPlan))
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestSelect(t *testing.T) {
	plan, err := Plan(config.DefaultTables(), false)
	require.NoError(t, err)

	selected, err := Select(plan, []string{"post_tags", " categories", "posts"})
	require.NoError(t, err)
	assert.Equal(t, []string{"categories", "posts", "post_tags"}, names(selected))

	all, err := Select(plan, nil)
	require.NoError(t, err)
	assert.Len(t, all, len(plan))

	_, err = Select(plan, []string{"posts", "zebras", "authors"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, utils.ErrPlan))
	assert.Contains(t, err.Error(), "unknown tables authors, zebras")
}

func TestMergeForeignKeys(t *testing.T) {
	specs := []models.TableSpec{
		{Name: "post_tags"},
		{Name: "posts", DependsOn: []string{"categories"}},
		{Name: "categories"},
	}
	keys := []ForeignKey{
		{Table: "post_tags", References: "posts"},
		{Table: "posts", References: "categories"},
		{Table: "posts", References: "auth_users"},
		{Table: "categories", References: "categories"},
	}

	merged := MergeForeignKeys(specs, keys)
	assert.Equal(t, []string{"posts"}, merged[0].DependsOn)
	assert.Equal(t, []string{"categories"}, merged[1].DependsOn)
	assert.Empty(t, merged[2].DependsOn)

	// The input is left untouched
	assert.Empty(t, specs[0].DependsOn)

	plan, err := Plan(merged, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"categories", "posts", "post_tags"}, names(plan))
}
