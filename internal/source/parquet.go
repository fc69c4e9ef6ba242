package source

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	pqsource "github.com/xitongsys/parquet-go/source"

	"spreadmatrix/config"
	"spreadmatrix/logger"
	"spreadmatrix/models"
)

// parquetRecord is the on-disk layout of an observation file.
type parquetRecord struct {
	Timestamp int64    `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Asset     string   `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Exchange  string   `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side      string   `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     *float64 `parquet:"name=price, type=DOUBLE, repetitiontype=OPTIONAL"`
	FXRate    *float64 `parquet:"name=fx_rate, type=DOUBLE, repetitiontype=OPTIONAL"`
}

func (r parquetRecord) raw() models.RawRow {
	row := models.RawRow{
		Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		Asset:     r.Asset,
		Exchange:  r.Exchange,
		Side:      r.Side,
	}
	if r.Price != nil {
		row.RawPrice = *r.Price
	}
	if r.FXRate != nil {
		row.FXRate = *r.FXRate
	}
	return row
}

// objectStore is the part of the S3 client used for listing and downloads.
type objectStore interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ParquetSource reads observation parquet files from a local glob or from
// every .parquet object under an S3 prefix.
type ParquetSource struct {
	pattern string
	bucket  string
	prefix  string
	store   objectStore
	log     *logger.Log
}

func NewParquetSource(ctx context.Context, cfg config.ParquetConfig) (*ParquetSource, error) {
	ps := &ParquetSource{pattern: cfg.Path, log: logger.GetLogger()}
	if !cfg.S3.Enabled {
		return ps, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3.Region)}
	if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.S3.AccessKeyID,
				cfg.S3.SecretAccessKey,
				"",
			),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	ps.store = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
		o.UsePathStyle = cfg.S3.PathStyle
	})
	ps.bucket = cfg.S3.Bucket
	ps.prefix = cfg.S3.Prefix

	ps.log.WithComponent("parquet_source").WithFields(logger.Fields{
		"bucket": ps.bucket,
		"prefix": ps.prefix,
		"region": cfg.S3.Region,
	}).Info("parquet source reading from s3")
	return ps, nil
}

func (s *ParquetSource) Name() string { return "parquet" }

func (s *ParquetSource) Fetch(ctx context.Context, w Window) ([]models.RawRow, error) {
	if s.store != nil {
		return s.fetchS3(ctx, w)
	}
	return s.fetchLocal(ctx, w)
}

func (s *ParquetSource) fetchLocal(ctx context.Context, w Window) ([]models.RawRow, error) {
	paths, err := filepath.Glob(s.pattern)
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", s.pattern, err)
	}
	sort.Strings(paths)

	out := make([]models.RawRow, 0)
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pf, err := local.NewLocalFileReader(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		rows, err := readParquet(pf, w)
		pf.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

func (s *ParquetSource) fetchS3(ctx context.Context, w Window) ([]models.RawRow, error) {
	keys, err := s.listKeys(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.RawRow, 0)
	for _, key := range keys {
		obj, err := s.store.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("get s3://%s/%s: %w", s.bucket, key, err)
		}
		data, err := io.ReadAll(obj.Body)
		obj.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("download s3://%s/%s: %w", s.bucket, key, err)
		}

		rows, err := readParquet(newMemFile(data), w)
		if err != nil {
			return nil, fmt.Errorf("read s3://%s/%s: %w", s.bucket, key, err)
		}
		out = append(out, rows...)
	}

	s.log.WithComponent("parquet_source").WithFields(logger.Fields{
		"objects": len(keys),
		"rows":    len(out),
	}).Debug("fetched parquet objects")
	return out, nil
}

func (s *ParquetSource) listKeys(ctx context.Context) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.store, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, s.prefix, err)
		}
		for _, obj := range page.Contents {
			if key := aws.ToString(obj.Key); strings.HasSuffix(key, ".parquet") {
				keys = append(keys, key)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func readParquet(pf pqsource.ParquetFile, w Window) ([]models.RawRow, error) {
	pr, err := reader.NewParquetReader(pf, new(parquetRecord), 1)
	if err != nil {
		return nil, err
	}
	defer pr.ReadStop()

	records := make([]parquetRecord, int(pr.GetNumRows()))
	if len(records) == 0 {
		return nil, nil
	}
	if err := pr.Read(&records); err != nil {
		return nil, err
	}

	out := make([]models.RawRow, 0, len(records))
	for _, rec := range records {
		row := rec.raw()
		if w.Contains(row.Timestamp, row.Asset) {
			out = append(out, row)
		}
	}
	return out, nil
}
