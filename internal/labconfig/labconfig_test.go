package labconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/labsched/internal/domain"
	"github.com/vk/labsched/internal/faults"
	"github.com/vk/labsched/internal/statusstore/inmemory"
)

const sampleYAML = `
devices:
  plate_readers:
    reader1:
      capacity: 1
      adapter:
        type: resthttp
        base_url: http://reader1.local
  storage:
    storage1:
      capacity: 4
`

func writeConfig(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_MergesMultipleFiles(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "devices1.yaml", `
devices:
  plate_readers:
    reader1:
      capacity: 1
`)
	writeConfig(t, dir, "devices2.yml", `
devices:
  storage:
    storage1:
      capacity: 4
`)
	writeConfig(t, dir, "notes.txt", "not a config file")

	doc, err := Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Len(t, doc.Flatten(), 2)
}

func TestLoad_MissingPathIsNotAnError(t *testing.T) {
	doc, err := Load(context.Background(), filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, doc.Flatten())
}

func TestValidate_AcceptsWellFormedDocument(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "devices.yaml", sampleYAML)

	doc, err := Load(context.Background(), path)
	require.NoError(t, err)

	devices, err := Validate(doc)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, domain.KindPlateReader, devices[0].Kind)
	assert.Equal(t, domain.KindStorage, devices[1].Kind)
}

func TestValidate_RejectsUnknownKind(t *testing.T) {
	doc := &Document{Devices: map[string]map[string]DeviceSpec{
		"teleporters": {"d1": {Capacity: 1}},
	}}
	_, err := Validate(doc)
	require.Error(t, err)
	kind, ok := faults.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, faults.ConfigError, kind)
}

func TestValidate_RejectsDuplicateName(t *testing.T) {
	doc := &Document{Devices: map[string]map[string]DeviceSpec{
		"storage":      {"d1": {Capacity: 1}},
		"plate_readers": {"d1": {Capacity: 1}},
	}}
	_, err := Validate(doc)
	require.Error(t, err)
}

func TestValidate_RejectsResthttpWithoutBaseURL(t *testing.T) {
	doc := &Document{Devices: map[string]map[string]DeviceSpec{
		"storage": {"d1": {Capacity: 1, Adapter: AdapterSpec{Type: "resthttp"}}},
	}}
	_, err := Validate(doc)
	require.Error(t, err)
}

func TestApply_AddsDevicesOnceAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "devices.yaml", sampleYAML)
	doc, err := Load(context.Background(), path)
	require.NoError(t, err)

	store := inmemory.New()
	ctx := context.Background()

	added, err := Apply(ctx, store, doc)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"reader1", "storage1"}, added)

	added, err = Apply(ctx, store, doc)
	require.NoError(t, err)
	assert.Empty(t, added)

	assert.Len(t, store.Devices(ctx), 2)
}

func TestBuildAdapters_OnlyConfiguredDevicesGetAnAdapter(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "devices.yaml", sampleYAML)
	doc, err := Load(context.Background(), path)
	require.NoError(t, err)

	adapters, err := BuildAdapters(context.Background(), doc)
	require.NoError(t, err)

	_, ok := adapters.Adapter("reader1", domain.KindPlateReader)
	assert.True(t, ok)
	_, ok = adapters.Adapter("storage1", domain.KindStorage)
	assert.False(t, ok)
}
