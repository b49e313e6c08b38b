package modules

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/llmos/runtime/faults"
)

// fakeProvider is a minimal provider for registry tests.
type fakeProvider struct {
	manifest Manifest
	snippet  string
	probeErr error
	probes   int
}

func (p *fakeProvider) Execute(_ context.Context, action string, params map[string]any, _ ExecutionContext) (any, error) {
	return map[string]any{"action": action, "params": params}, nil
}

func (p *fakeProvider) Manifest() Manifest      { return p.manifest }
func (p *fakeProvider) ContextSnippet() string  { return p.snippet }

func (p *fakeProvider) CheckAvailable(context.Context) error {
	p.probes++
	return p.probeErr
}

func fsManifest() Manifest {
	return Manifest{
		ModuleID:    "filesystem",
		Version:     "1.0.0",
		Description: "local file operations",
		Actions: []ActionSpec{
			{
				Name:               "write_file",
				Description:        "write content to a path",
				PermissionRequired: "filesystem.write",
				RiskLevel:          "medium",
				ParamsSchema: map[string]any{
					"type":                 "object",
					"required":             []any{"path", "content"},
					"additionalProperties": false,
					"properties": map[string]any{
						"path":    map[string]any{"type": "string"},
						"content": map[string]any{"type": "string"},
					},
				},
			},
			{Name: "read_file", Description: "read a file"},
		},
	}
}

func TestRegisterAndDispatchLookup(t *testing.T) {
	r := NewRegistry()
	p := &fakeProvider{manifest: fsManifest(), snippet: "prefer absolute paths"}
	require.NoError(t, r.Register(p))

	got, err := r.Get(context.Background(), "filesystem")
	require.NoError(t, err)
	assert.Same(t, p, got.(*fakeProvider))

	assert.Equal(t, []string{"filesystem"}, r.List())
	assert.Equal(t, "prefer absolute paths", r.Snippets()["filesystem"])
}

func TestGetUnknownModule(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, faults.CodeUnknownModule, faults.CodeOf(err))
}

func TestAvailabilityProbeCached(t *testing.T) {
	r := NewRegistry()
	p := &fakeProvider{manifest: fsManifest(), probeErr: errors.New("display not found")}
	require.NoError(t, r.Register(p))

	_, err := r.Get(context.Background(), "filesystem")
	require.Error(t, err)
	assert.Equal(t, faults.CodeProviderUnavailable, faults.CodeOf(err))

	_, err = r.Get(context.Background(), "filesystem")
	require.Error(t, err)
	assert.Equal(t, 1, p.probes, "probe result must be cached")

	// Re-registration clears the cached probe.
	p.probeErr = nil
	require.NoError(t, r.Register(p))
	_, err = r.Get(context.Background(), "filesystem")
	require.NoError(t, err)
	assert.Equal(t, 2, p.probes)
}

func TestSpecLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeProvider{manifest: fsManifest()}))

	spec, err := r.Spec("filesystem", "write_file")
	require.NoError(t, err)
	assert.Equal(t, "filesystem.write", spec.PermissionRequired)

	_, err = r.Spec("filesystem", "format_disk")
	require.Error(t, err)
	assert.Equal(t, faults.CodeUnknownAction, faults.CodeOf(err))
}

func TestSchemaValidation(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeProvider{manifest: fsManifest()}))
	schemas := r.Schemas()

	assert.True(t, schemas.HasSchema("filesystem", "write_file"))
	assert.False(t, schemas.HasSchema("filesystem", "read_file"))

	err := schemas.CheckParams("filesystem", "write_file", map[string]any{
		"path": "/tmp/x", "content": "hello",
	})
	require.NoError(t, err)

	err = schemas.CheckParams("filesystem", "write_file", map[string]any{
		"path": 42, "content": "hello",
	})
	require.Error(t, err)

	// Unknown keys are rejected by the schema's additionalProperties.
	err = schemas.CheckParams("filesystem", "write_file", map[string]any{
		"path": "/tmp/x", "content": "hello", "mode": "0644",
	})
	require.Error(t, err)
}

func TestUnregisterDropsSchemas(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeProvider{manifest: fsManifest()}))

	changed := 0
	r.OnChange(func() { changed++ })

	r.Unregister("filesystem")
	assert.Empty(t, r.List())
	assert.False(t, r.Schemas().HasSchema("filesystem", "write_file"))
	assert.Equal(t, 1, changed)
}
