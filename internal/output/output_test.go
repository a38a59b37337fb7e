package output

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type windows struct {
	Entries []window `json:"entries" yaml:"entries"`
}

type window struct {
	Key   string `json:"key" yaml:"key"`
	Count int    `json:"count" yaml:"count"`
}

func (w windows) Table() Table {
	t := Table{Title: "Rate Windows", Header: []string{"Key", "Count"}, Empty: "(no windows)"}
	for _, e := range w.Entries {
		t.Rows = append(t.Rows, []any{e.Key, e.Count})
	}
	return t
}

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{
		"":      FormatTable,
		"table": FormatTable,
		"JSON":  FormatJSON,
		"yaml":  FormatYAML,
		"yml":   FormatYAML,
	}
	for in, want := range cases {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseFormat("csv")
	require.Error(t, err)
}

func TestFormatExtension(t *testing.T) {
	assert.Equal(t, "json", FormatJSON.Extension())
	assert.Equal(t, "yaml", FormatYAML.Extension())
	assert.Equal(t, "txt", FormatTable.Extension())
}

func TestWriteJSONAndYAML(t *testing.T) {
	value := windows{Entries: []window{{Key: "1.2.3.4", Count: 7}}}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSON, value))
	var decoded windows
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, value, decoded)

	buf.Reset()
	require.NoError(t, Write(&buf, FormatYAML, value))
	decoded = windows{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, value, decoded)
	assert.Contains(t, buf.String(), "key: 1.2.3.4")
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatTable, windows{Entries: []window{{Key: "10.0.0.1", Count: 3}}}))
	out := buf.String()
	assert.Contains(t, out, "Rate Windows")
	assert.Contains(t, out, "10.0.0.1")
	assert.Contains(t, out, "╭")

	buf.Reset()
	require.NoError(t, Write(&buf, FormatTable, windows{}))
	assert.Contains(t, buf.String(), "(no windows)")
}

func TestWriteTableRequiresTabular(t *testing.T) {
	var buf bytes.Buffer
	err := Write(&buf, FormatTable, map[string]int{"a": 1})
	require.Error(t, err)
}
