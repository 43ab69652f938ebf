package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/crmsync/internal/record"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want record.Category
	}{
		{"table entry", []string{"Phone"}, record.CategoryCalls},
		{"unknown type", []string{"check-in"}, record.CategoryNotes},
		{"linked urgent", []string{"check-in", "--priority", "High", "--association", "CASE-9"}, record.CategoryTasks},
		{"urgent but unlinked", []string{"check-in", "--priority", "high"}, record.CategoryNotes},
		{"blank association", []string{"check-in", "--priority", "high", "--association", " "}, record.CategoryNotes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := execute(t, append([]string{"--format", "json", "classify"}, tt.args...)...)
			require.NoError(t, err)
			resp := decode[ClassifyResult](t, out)
			assert.Equal(t, tt.want, resp.Data.Category)
			assert.Equal(t, "default-1", resp.Data.TableVersion)
		})
	}
}

func TestClassifyText(t *testing.T) {
	out, _, err := execute(t, "classify", "Letter")
	require.NoError(t, err)
	assert.Equal(t, "Letter -> postal_mail (table default-1)\n", out)
}

func TestClassifyWithConfigTable(t *testing.T) {
	cfg := filepath.Join("..", "config", "testdata", "pipeline.yaml")
	out, _, err := execute(t, "--format", "json", "classify", "Message", "--config", cfg)
	require.NoError(t, err)
	resp := decode[ClassifyResult](t, out)
	assert.Equal(t, record.CategoryMessaging, resp.Data.Category)
	assert.Equal(t, "default-1+custom", resp.Data.TableVersion)
}
