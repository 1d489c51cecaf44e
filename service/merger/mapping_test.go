package merger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdehub-service/service/event"
	"cdehub-service/service/meta"
	"cdehub-service/service/models"
)

func TestMappingRoundTrip(t *testing.T) {
	mapping := newTestMerger(event.NewMemorySink()).Merge([]models.AssociationRecord{
		record("s1", "f1", "c1", meta.SourceDictionaryExport, false),
		record("s1", "f1", "c1", meta.SourceTeamExport, false),
		record("s1", "f1", "c2", meta.SourceMetadataService, false),
		record("s2", "f2", "c1", meta.SourceTeamExport, false),
	}, nil)

	path := filepath.Join(t.TempDir(), "mapping.csv")
	require.NoError(t, WriteMapping(path, mapping))

	loaded, err := ReadMapping(path)
	require.NoError(t, err)
	assert.Equal(t, mapping.Rows(), loaded.Rows())

	// 反向索引随回读重建
	assert.Equal(t, mapping.KeysForCDE("c1"), loaded.KeysForCDE("c1"))
}

func TestMappingWriteIsDeterministic(t *testing.T) {
	records := []models.AssociationRecord{
		record("s2", "f2", "c3", meta.SourceMetadataService, false),
		record("s1", "f1", "c2", meta.SourceTeamExport, false),
		record("s1", "f1", "c1", meta.SourceDictionaryExport, false),
	}
	reversed := []models.AssociationRecord{records[2], records[1], records[0]}

	dir := t.TempDir()
	first := filepath.Join(dir, "first.csv")
	second := filepath.Join(dir, "second.csv")

	require.NoError(t, WriteMapping(first, newTestMerger(event.NewMemorySink()).Merge(records, nil)))
	require.NoError(t, WriteMapping(second, newTestMerger(event.NewMemorySink()).Merge(reversed, nil)))

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestReadMappingRejectsMalformedRows(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{
			name:    "缺少 CDE 标识",
			content: "study_id,form_id,cde_id,sources\ns1,f1,,dictionary-export\n",
		},
		{
			name:    "缺少来源标签",
			content: "study_id,form_id,cde_id,sources\ns1,f1,c1,\n",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "mapping.csv")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o644))

			_, err := ReadMapping(path)
			assert.Error(t, err)
		})
	}
}
