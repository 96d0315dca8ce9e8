package jobs

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func builtinCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := LoadCatalog("", discardLogger())
	require.NoError(t, err)
	return c
}

func TestLoadCatalog_Builtins(t *testing.T) {
	c := builtinCatalog(t)

	var ids []string
	for _, s := range c.List() {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"snow_dmrt_bic", "snow_dmrt_qms", "soil_aiem", "veg_vprt"}, ids)

	veg, ok := c.Get("veg_vprt")
	require.True(t, ok)
	assert.Equal(t, "VPRT", veg.Model)
	f, ok := veg.Field("scatters")
	require.True(t, ok)
	assert.Equal(t, TypeArray, f.Type)
	assert.Equal(t, 9, f.ItemLength)

	_, ok = c.Get("ocean")
	assert.False(t, ok)
}

func TestCatalog_Match(t *testing.T) {
	c := builtinCatalog(t)

	tests := []struct {
		text string
		want string
	}{
		{"Simulate snow brightness temperature at 17.2 GHz for a 30 cm snow layer", "snow_dmrt_qms"},
		{"Run a DMRT-BIC simulation of a 40 cm snowpack", "snow_dmrt_bic"},
		{"Submit a job for bare soil with soil moisture 0.25 at L-band", "soil_aiem"},
		{"run the AIEM model at 1.26 GHz", "soil_aiem"},
		{"simulate a forest canopy 8 m tall at 1.41 GHz", "veg_vprt"},
		{"please run scenario veg_vprt", "veg_vprt"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			s, ok := c.Match(tt.text)
			require.True(t, ok, "no scenario for %q", tt.text)
			assert.Equal(t, tt.want, s.ID)
		})
	}

	_, ok := c.Match("what is the weather in Paris")
	assert.False(t, ok)
}

func TestCatalog_LoadFromDirectoryOverrides(t *testing.T) {
	dir := t.TempDir()
	custom := `
id: soil_aiem
model: AIEM
description: site-specific soil runs
trigger:
  keywords: [paddy]
fields:
  - name: sm
    type: number
    required: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "soil.yaml"), []byte(custom), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("id: [unclosed"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	c, err := LoadCatalog(dir, discardLogger())
	require.NoError(t, err)

	s, ok := c.Get("soil_aiem")
	require.True(t, ok)
	assert.Equal(t, "site-specific soil runs", s.Description)
	assert.Len(t, s.Fields, 1)

	m, ok := c.Match("flooded paddy field")
	require.True(t, ok)
	assert.Equal(t, "soil_aiem", m.ID)
	assert.Len(t, c.List(), 4)
}

func TestLoadCatalog_MissingDirIsFine(t *testing.T) {
	c, err := LoadCatalog(filepath.Join(t.TempDir(), "absent"), discardLogger())
	require.NoError(t, err)
	assert.Len(t, c.List(), 4)
}

func TestParseSchema_Rejects(t *testing.T) {
	tests := map[string]string{
		"no id":        "fields: [{name: a, type: number}]",
		"bad type":     "id: x\nfields: [{name: a, type: decimal}]",
		"duplicate":    "id: x\nfields: [{name: a, type: number}, {name: a, type: string}]",
		"min over max": "id: x\nfields: [{name: a, type: number, min: 5, max: 1}]",
		"bad default":  "id: x\nfields: [{name: a, type: number, max: 1, default: 3}]",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSchema([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestCatalog_RegisterRejectsBadPattern(t *testing.T) {
	c := NewCatalog(discardLogger())
	err := c.Register(Schema{ID: "x", Trigger: Trigger{Pattern: "("}})
	assert.Error(t, err)
}

func TestSchema_JSONSchema(t *testing.T) {
	c := builtinCatalog(t)
	soil, _ := c.Get("soil_aiem")

	js := soil.JSONSchema()
	assert.Equal(t, "object", js["type"])
	assert.Equal(t, []string{"fGHz", "sm"}, js["required"])

	props := js["properties"].(map[string]any)
	sm := props["sm"].(map[string]any)
	assert.Equal(t, "number", sm["type"])
	assert.Equal(t, 0.6, sm["maximum"])

	fghz := props["fGHz"].(map[string]any)
	items := fghz["items"].(map[string]any)
	assert.Equal(t, "number", items["type"])
}
