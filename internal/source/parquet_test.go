package source

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/xitongsys/parquet-go-source/local"
	pqsource "github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"spreadmatrix/config"
)

func parquetConfig(path string) config.ParquetConfig {
	return config.ParquetConfig{Path: path}
}

func f64(v float64) *float64 { return &v }

func sampleRecords() []parquetRecord {
	return []parquetRecord{
		{Timestamp: t0.UnixMilli(), Asset: "BTC", Exchange: "X", Side: "ASK", Price: f64(100), FXRate: f64(1)},
		{Timestamp: t0.UnixMilli(), Asset: "BTC", Exchange: "Y", Side: "BID", Price: nil, FXRate: f64(1)},
		{Timestamp: t0.Add(time.Hour).UnixMilli(), Asset: "ETH", Exchange: "X", Side: "ASK", Price: f64(3000), FXRate: f64(1)},
	}
}

func writeRecords(t *testing.T, pf pqsource.ParquetFile, records []parquetRecord) {
	t.Helper()
	pw, err := writer.NewParquetWriter(pf, new(parquetRecord), 1)
	if err != nil {
		t.Fatalf("new parquet writer: %v", err)
	}
	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			t.Fatalf("write record: %v", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		t.Fatalf("write stop: %v", err)
	}
}

func writeLocalParquet(t *testing.T, path string, records []parquetRecord) {
	t.Helper()
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	writeRecords(t, fw, records)
	if err := fw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func memParquet(t *testing.T, records []parquetRecord) []byte {
	t.Helper()
	mf := newMemWriter()
	writeRecords(t, mf, records)
	return append([]byte(nil), mf.Bytes()...)
}

func TestParquetSourceLocal(t *testing.T) {
	dir := t.TempDir()
	writeLocalParquet(t, filepath.Join(dir, "part-0.parquet"), sampleRecords())

	src, err := NewParquetSource(context.Background(), parquetConfig(filepath.Join(dir, "*.parquet")))
	if err != nil {
		t.Fatalf("NewParquetSource: %v", err)
	}

	rows, err := src.Fetch(context.Background(), Window{Asset: "BTC"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 BTC rows, got %d", len(rows))
	}
	if !rows[0].Timestamp.Equal(t0) {
		t.Fatalf("unexpected timestamp %s", rows[0].Timestamp)
	}
	if rows[0].RawPrice != 100.0 {
		t.Fatalf("unexpected price %v", rows[0].RawPrice)
	}
	if rows[1].RawPrice != nil {
		t.Fatalf("null price should stay nil, got %v", rows[1].RawPrice)
	}
}

func TestReadParquetFromMemory(t *testing.T) {
	data := memParquet(t, sampleRecords())
	rows, err := readParquet(newMemFile(data), Window{Start: t0.Add(time.Minute)})
	if err != nil {
		t.Fatalf("readParquet: %v", err)
	}
	if len(rows) != 1 || rows[0].Asset != "ETH" {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

type fakeObjectStore struct {
	objects map[string][]byte
}

func (f *fakeObjectStore) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{}
	for key := range f.objects {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func (f *fakeObjectStore) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(f.objects[aws.ToString(in.Key)]))}, nil
}

func TestParquetSourceS3(t *testing.T) {
	store := &fakeObjectStore{objects: map[string][]byte{
		"price_logs/part-0.parquet": memParquet(t, sampleRecords()),
		"price_logs/_SUCCESS":       []byte("ignored"),
	}}
	src := &ParquetSource{store: store, bucket: "prices", prefix: "price_logs/", log: testLogger()}

	rows, err := src.Fetch(context.Background(), Window{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
}
