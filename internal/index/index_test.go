package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flynn-ai/genii/internal/errors"
	"github.com/flynn-ai/genii/internal/vault"
)

func setup(t *testing.T) (*Store, *vault.Vault) {
	t.Helper()
	v, err := vault.Open(filepath.Join(t.TempDir(), "vault"))
	require.NoError(t, err)

	files := map[string]string{
		"projects/alpha.md": "---\nstatus: active\npriority: 2\ntags: [work, go]\n---\n# Alpha\nsee [[beta]]\n",
		"projects/beta.md":  "---\nstatus: done\npriority: 5\ntags: work\n---\n# Beta\n",
		"journal/today.md":  "---\nstatus: active\npriority: 1\n---\nmet about [[alpha]]\n",
		"loose.md":          "no front matter",
	}
	for p, c := range files {
		require.NoError(t, v.Write(p, c))
	}

	s, err := Open(filepath.Join(t.TempDir(), "index", "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, v
}

func TestStore_Sync(t *testing.T) {
	s, v := setup(t)
	ctx := context.Background()

	stats, err := s.Sync(ctx, v)
	require.NoError(t, err)
	assert.Equal(t, SyncStats{Added: 4}, stats)

	stats, err = s.Sync(ctx, v)
	require.NoError(t, err)
	assert.Equal(t, SyncStats{}, stats)

	require.NoError(t, v.Write("loose.md", "changed content"))
	stats, err = s.Sync(ctx, v)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)

	notes, err := s.Notes(ctx, "projects")
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "projects/alpha.md", notes[0].Path)
	assert.Equal(t, []string{"work", "go"}, notes[0].Tags)
	assert.Equal(t, []string{"beta"}, notes[0].Links)
	assert.Equal(t, "active", notes[0].Frontmatter["status"])
}

func TestStore_SyncRemoves(t *testing.T) {
	s, v := setup(t)
	ctx := context.Background()
	_, err := s.Sync(ctx, v)
	require.NoError(t, err)

	v2, err := vault.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, v2.Write("projects/alpha.md", "# Alpha"))

	stats, err := s.Sync(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Removed)

	notes, err := s.Notes(ctx, "")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Empty(t, notes[0].Tags)
}

func TestStore_BacklinksAndTags(t *testing.T) {
	s, v := setup(t)
	ctx := context.Background()
	_, err := s.Sync(ctx, v)
	require.NoError(t, err)

	back, err := s.Backlinks(ctx, "Alpha")
	require.NoError(t, err)
	assert.Equal(t, []string{"journal/today.md"}, back)

	tagged, err := s.Tagged(ctx, "#work")
	require.NoError(t, err)
	assert.Equal(t, []string{"projects/alpha.md", "projects/beta.md"}, tagged)
}

func TestParseQuery(t *testing.T) {
	q, err := ParseQuery(`table status, priority from "projects" where status = "active" and priority >= 2 sort priority desc limit 3`)
	require.NoError(t, err)
	assert.Equal(t, "TABLE", q.Kind)
	assert.Equal(t, []string{"status", "priority"}, q.Fields)
	require.NotNil(t, q.From)
	assert.Equal(t, "projects", *q.From)
	require.Len(t, q.Where, 2)
	assert.Equal(t, ">=", q.Where[1].Op)
	require.NotNil(t, q.Sort)
	assert.True(t, q.Sort.Desc)
	require.NotNil(t, q.Limit)
	assert.Equal(t, 3, *q.Limit)
}

func TestParseQuery_Invalid(t *testing.T) {
	_, err := ParseQuery(`SELECT * FROM notes`)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTemplate))
}

func TestStore_RunList(t *testing.T) {
	s, v := setup(t)
	ctx := context.Background()
	_, err := s.Sync(ctx, v)
	require.NoError(t, err)

	out, err := s.Run(ctx, `LIST WHERE status = "active" SORT priority ASC`)
	require.NoError(t, err)
	assert.Equal(t, "- [[journal/today]]\n- [[projects/alpha]]\n", out)
}

func TestStore_RunTable(t *testing.T) {
	s, v := setup(t)
	ctx := context.Background()
	_, err := s.Sync(ctx, v)
	require.NoError(t, err)

	out, err := s.Run(ctx, `TABLE status, tags FROM "projects" WHERE tags ~ go`)
	require.NoError(t, err)
	assert.Equal(t, "| File | status | tags |\n| --- | --- | --- |\n| [[projects/alpha]] | active | work, go |\n", out)

	out, err = s.Run(ctx, `LIST SORT priority DESC LIMIT 1`)
	require.NoError(t, err)
	assert.Equal(t, "- [[projects/beta]]\n", out)
}
