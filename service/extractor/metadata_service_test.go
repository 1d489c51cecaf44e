package extractor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdehub-service/client"
	"cdehub-service/service/event"
	"cdehub-service/service/meta"
	"cdehub-service/service/models"
)

// seedMetadataServer 填充模拟元数据服务
// hdp00201 关联两个 CRF,hdp00202 关联一个,hdp00203 无关联,hdp00204 引用未知 CRF
func seedMetadataServer(t *testing.T) *client.MockMetadataServer {
	t.Helper()
	server := client.NewMockMetadataServer()
	t.Cleanup(server.Close)

	server.AddRecord("HDP00201", client.MetadataRecord{
		"hdp_id":       "HDP00201",
		"heal_crf_ids": []interface{}{"heal-crf-001", "heal-crf-002"},
	})
	server.AddRecord("HDP00202", client.MetadataRecord{
		"hdp_id":       "HDP00202",
		"heal_crf_ids": "heal-crf-003",
	})
	server.AddRecord("HDP00203", client.MetadataRecord{
		"hdp_id": "HDP00203",
	})
	server.AddRecord("HDP00204", client.MetadataRecord{
		"hdp_id":       "HDP00204",
		"heal_crf_ids": []interface{}{"heal-crf-999"},
	})
	return server
}

func newMetadataExtractorForTest(t *testing.T, server *client.MockMetadataServer, pageLimit int) (*MetadataExtractor, *event.MemorySink) {
	t.Helper()
	lookup, err := LoadFormLookup(writeFormLookup(t, t.TempDir()))
	require.NoError(t, err)

	sink := event.NewMemorySink()
	apiClient := client.NewHTTPMetadataClient(server.URL(), 5*time.Second)
	return NewMetadataExtractor(apiClient, lookup, pageLimit, "heal_crf_ids", "hdp_id", sink), sink
}

func TestMetadataExtract(t *testing.T) {
	server := seedMetadataServer(t)
	extractor, sink := newMetadataExtractorForTest(t, server, 2)
	assert.Equal(t, meta.SourceMetadataService, extractor.Name())

	records, err := extractor.Extract(context.Background())
	require.NoError(t, err)

	expected := []models.AssociationRecord{
		{StudyID: "hdp00201", FormID: "pain intensity", CDEID: "heal-crf-001", SourceTag: meta.SourceMetadataService, RawRowRef: "mds:HDP00201", Exclusive: false},
		{StudyID: "hdp00201", FormID: "sleep disturbance", CDEID: "heal-crf-002", SourceTag: meta.SourceMetadataService, RawRowRef: "mds:HDP00201", Exclusive: false},
		{StudyID: "hdp00202", FormID: "opioid use history", CDEID: "heal-crf-003", SourceTag: meta.SourceMetadataService, RawRowRef: "mds:HDP00202", Exclusive: false},
	}
	assert.Equal(t, expected, records)

	// hdp00204 引用未知 CRF,记一条警告
	assert.Equal(t, 1, sink.CountByLevel(meta.LevelWarning))

	// 页长 2,4 条记录应产生 3 次请求(最后一页不满)
	assert.Equal(t, 3, server.RequestCount())
}

func TestMetadataExtractPageLimitInsensitive(t *testing.T) {
	server := seedMetadataServer(t)

	small, _ := newMetadataExtractorForTest(t, server, 1)
	large, _ := newMetadataExtractorForTest(t, server, 100)

	smallRecords, err := small.Extract(context.Background())
	require.NoError(t, err)
	largeRecords, err := large.Extract(context.Background())
	require.NoError(t, err)

	assert.Equal(t, largeRecords, smallRecords)
}

func TestMetadataExtractServiceDown(t *testing.T) {
	server := seedMetadataServer(t)
	server.FailNext(1)
	extractor, sink := newMetadataExtractorForTest(t, server, 2)

	_, err := extractor.Extract(context.Background())
	var unavailable *SourceUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, meta.SourceMetadataService, unavailable.Source)
	assert.Equal(t, 1, sink.CountByLevel(meta.LevelError))
}

func TestMetadataExtractFromSnapshot(t *testing.T) {
	entries := map[string]client.MetadataRecord{
		"HDP00201": {
			"hdp_id":       "HDP00201",
			"heal_crf_ids": []interface{}{"heal-crf-001"},
		},
		"HDP00202": {
			"hdp_id":       "HDP00202",
			"heal_crf_ids": "heal-crf-002|heal-crf-003",
		},
	}
	path := filepath.Join(t.TempDir(), "mds_snapshot.json")
	require.NoError(t, WriteSnapshot(path, entries))

	lookup, err := LoadFormLookup(writeFormLookup(t, t.TempDir()))
	require.NoError(t, err)

	sink := event.NewMemorySink()
	extractor := NewMetadataExtractor(nil, lookup, 100, "heal_crf_ids", "hdp_id", sink).WithSnapshot(path)

	records, err := extractor.Extract(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "heal-crf-001", records[0].CDEID)
	// 管道分隔的单字符串形态也被拆开
	assert.Equal(t, "heal-crf-002", records[1].CDEID)
	assert.Equal(t, "heal-crf-003", records[2].CDEID)
}

func TestMetadataExtractSnapshotMissing(t *testing.T) {
	lookup, err := LoadFormLookup(writeFormLookup(t, t.TempDir()))
	require.NoError(t, err)

	sink := event.NewMemorySink()
	extractor := NewMetadataExtractor(nil, lookup, 100, "heal_crf_ids", "hdp_id", sink).
		WithSnapshot(filepath.Join(t.TempDir(), "absent.json"))

	_, err = extractor.Extract(context.Background())
	var unavailable *SourceUnavailableError
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, 1, sink.CountByLevel(meta.LevelError))
}
