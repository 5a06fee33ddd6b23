package commands

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"configurator/internal/gateway/repository/blob"
	"configurator/internal/naming"
	"configurator/internal/params"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() { blobDir = "" })
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHashMatchesGateway(t *testing.T) {
	doc := `{"Width":{"value":"10 mm"},"Height":{"value":"20 mm"}}`
	set, err := params.Parse([]byte(doc))
	require.NoError(t, err)

	out, err := run(t, doc, "hash")
	require.NoError(t, err)
	assert.Equal(t, params.Hash(set), strings.TrimSpace(out))

	_, err = run(t, "[", "hash")
	assert.Error(t, err)
}

func TestMasks(t *testing.T) {
	out, err := run(t, "", "masks", "Wheel")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, naming.ProjectObjectName("Wheel"), lines[0])
	assert.Equal(t, naming.ProjectMasks("Wheel"), lines[1:])

	_, err = run(t, "", "masks", "no-dash")
	assert.ErrorIs(t, err, naming.ErrInvalidProjectName)
}

func seed(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	store := blob.NewDiskStore(dir)
	ctx := context.Background()
	ready, err := naming.ForCache("Wheel", "aaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	partial, err := naming.ForCache("Wheel", "bbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	other, err := naming.ForCache("Wheelbase", "aaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	for _, name := range []string{
		naming.ProjectObjectName("Wheel"),
		ready.Parameters(), ready.Manifest(),
		partial.ModelView(),
		naming.ProjectObjectName("Wheelbase"),
		other.Parameters(), other.Manifest(),
	} {
		require.NoError(t, store.Put(ctx, name, []byte("{}")))
	}
	return dir
}

func TestListShowsCommitState(t *testing.T) {
	dir := seed(t)
	out, err := run(t, "", "--dir", dir, "list", "Wheel")
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaaaaaaaaa\tready\t2\nbbbbbbbbbbbbbbbb\tpartial\t1\n", out)
}

func TestSweepRemovesPartialGroups(t *testing.T) {
	dir := seed(t)
	out, err := run(t, "", "--dir", dir, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "3 groups, 1 orphaned")

	out, err = run(t, "", "--dir", dir, "list", "Wheel")
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaaaaaaaaa\tready\t2\n", out)
}

func TestPurgeLeavesSiblingProjects(t *testing.T) {
	dir := seed(t)
	out, err := run(t, "", "--dir", dir, "purge", "Wheel")
	require.NoError(t, err)
	assert.Contains(t, out, "Wheel: 3 blobs removed")

	names, err := blob.NewDiskStore(dir).List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, names, 3)
	for _, name := range names {
		assert.False(t, naming.OwnsName("Wheel", name), name)
	}
}
