package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiltdb/quilt/internal/op"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// setupPeer generates a key and writes a minimal config, returning the
// config path.
func setupPeer(t *testing.T, workspace string) string {
	t.Helper()
	dir := t.TempDir()
	key := filepath.Join(dir, "actor.key")

	_, err := runCLI(t, "keygen", "--out", key)
	require.NoError(t, err)

	cfg := fmt.Sprintf("workspace: %s\nkey_file: %s\nstore: %s\n",
		workspace, key, filepath.Join(dir, "quilt.db"))
	path := filepath.Join(dir, "quilt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func writeOps(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestKeygen_WritesKeyAndPrintsActor(t *testing.T) {
	key := filepath.Join(t.TempDir(), "actor.key")

	out, err := runCLI(t, "keygen", "--out", key)
	require.NoError(t, err)
	assert.Contains(t, out, "actor ")
	assert.Contains(t, out, key)

	info, err := os.Stat(key)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A second run must refuse to clobber the key.
	_, err = runCLI(t, "keygen", "--out", key)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = runCLI(t, "keygen", "--out", key, "--force")
	require.NoError(t, err)
}

func TestLoadConfig_Validation(t *testing.T) {
	write := func(body string) string {
		path := filepath.Join(t.TempDir(), "quilt.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing workspace",
			body:    "key_file: k\nstore: s\n",
			wantErr: "workspace is required",
		},
		{
			name:    "missing key file",
			body:    "workspace: ws\nstore: s\n",
			wantErr: "key_file is required",
		},
		{
			name:    "unknown field",
			body:    "workspace: ws\nkey_file: k\nstore: s\nworkspce: typo\n",
			wantErr: "parse config",
		},
		{
			name:    "bad duration",
			body:    "workspace: ws\nkey_file: k\nstore: s\nmax_drift: five minutes\n",
			wantErr: "max_drift",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(write(tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	cfg, err := LoadConfig(write("workspace: ws\nkey_file: k\nstore: s\nmax_drift: 5m\n"))
	require.NoError(t, err)
	assert.Equal(t, "ws", cfg.Workspace)
}

func TestApplyReplayVerify_RoundTrip(t *testing.T) {
	config := setupPeer(t, "ws-test")
	ops := writeOps(t, `
- kind: create_entity
  entity: card-1
- kind: set_field
  entity: card-1
  field: title
  value: "Design review"
`)

	out, err := runCLI(t, "apply", "--config", config, "--ops", ops)
	require.NoError(t, err)
	assert.Contains(t, out, "committed bundle")
	assert.Contains(t, out, "(2 ops)")

	out, err = runCLI(t, "replay", "--config", config)
	require.NoError(t, err)
	assert.Contains(t, out, "replayed 2 ops")
	assert.Contains(t, out, "deterministic")

	out, err = runCLI(t, "verify", "--config", config)
	require.NoError(t, err)
	assert.Contains(t, out, "2 verified")
	assert.Contains(t, out, "0 invalid")
}

func TestVerify_JSONEnvelope(t *testing.T) {
	config := setupPeer(t, "ws-test")
	ops := writeOps(t, "- kind: create_entity\n  entity: e1\n")

	_, err := runCLI(t, "apply", "--config", config, "--ops", ops)
	require.NoError(t, err)

	out, err := runCLI(t, "verify", "--config", config, "--format", "json")
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestApply_InvalidBundleFailsWhole(t *testing.T) {
	config := setupPeer(t, "ws-test")
	ops := writeOps(t, `
- kind: set_field
  entity: never-created
  field: x
  value: "v"
`)

	_, err := runCLI(t, "apply", "--config", config, "--ops", ops)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "ENTITY_MISSING")

	// All or nothing: the log must still be empty.
	out, err := runCLI(t, "replay", "--config", config)
	require.NoError(t, err)
	assert.Contains(t, out, "replayed 0 ops")
}

func TestApply_EdgePositionsAllocated(t *testing.T) {
	config := setupPeer(t, "ws-test")
	ops := writeOps(t, `
- kind: create_entity
  entity: list-1
- kind: create_entity
  entity: item-a
- kind: create_entity
  entity: item-b
- kind: create_edge
  edge: e-a
  from: list-1
  to: item-a
  rel: items
- kind: create_edge
  edge: e-b
  from: list-1
  to: item-b
  rel: items
`)

	out, err := runCLI(t, "apply", "--config", config, "--ops", ops)
	require.NoError(t, err)
	assert.Contains(t, out, "(5 ops)")

	// Omitted positions append in file order.
	env, err := OpenEnv(context.Background(), config, false)
	require.NoError(t, err)
	defer env.Close()
	st, err := env.Engine.Snapshot(context.Background())
	require.NoError(t, err)
	edges := st.OrderedEdges("list-1", "items")
	require.Len(t, edges, 2)
	assert.Equal(t, "e-a", edges[0].ID)
	assert.Equal(t, "e-b", edges[1].ID)
}

func TestApply_CrdtKinds(t *testing.T) {
	config := setupPeer(t, "ws-test")

	_, err := runCLI(t, "apply", "--config", config, "--ops", writeOps(t, `
- kind: create_entity
  entity: doc-1
- kind: crdt_delta
  entity: doc-1
  field: body
  field_kind: crdt_text
  text: "hello"
- kind: clear_and_add
  entity: doc-1
  field: tags
  values: [urgent, blocked]
`))
	require.NoError(t, err)

	// A second file appends to the committed text.
	_, err = runCLI(t, "apply", "--config", config, "--ops", writeOps(t, `
- kind: crdt_delta
  entity: doc-1
  field: body
  field_kind: crdt_text
  at: 1
  text: " world"
`))
	require.NoError(t, err)

	env, err := OpenEnv(context.Background(), config, false)
	require.NoError(t, err)
	defer env.Close()
	st, err := env.Engine.Snapshot(context.Background())
	require.NoError(t, err)
	body, ok := st.Field("doc-1", "body")
	require.True(t, ok)
	assert.Equal(t, op.String("hello world"), body.Render())
	tags, ok := st.Field("doc-1", "tags")
	require.True(t, ok)
	assert.Equal(t, op.Array{op.String("blocked"), op.String("urgent")}, tags.Render())
}

func TestLoadOps_CrdtDeltaNeedsFieldKind(t *testing.T) {
	ops := writeOps(t, "- kind: crdt_delta\n  entity: e1\n  field: body\n  text: hi\n")
	_, err := loadOps(ops)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CRDT field_kind")
}

func TestConflictsList_Empty(t *testing.T) {
	config := setupPeer(t, "ws-test")

	out, err := runCLI(t, "conflicts", "list", "--config", config)
	require.NoError(t, err)
	assert.Contains(t, out, "no conflicts")
}

func TestVerify_QuarantinedEmpty(t *testing.T) {
	config := setupPeer(t, "ws-test")

	out, err := runCLI(t, "verify", "--config", config, "--quarantined")
	require.NoError(t, err)
	assert.Contains(t, out, "quarantine is empty")
}

func TestSync_NoPeersConfigured(t *testing.T) {
	config := setupPeer(t, "ws-test")

	_, err := runCLI(t, "sync", "--config", config)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no peers configured")
}

func TestRoot_RejectsInvalidFormat(t *testing.T) {
	config := setupPeer(t, "ws-test")

	_, err := runCLI(t, "conflicts", "list", "--config", config, "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestLoadOps_UnknownKind(t *testing.T) {
	ops := writeOps(t, "- kind: teleport_entity\n  entity: e1\n")
	_, err := loadOps(ops)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown op kind "teleport_entity"`)
}
