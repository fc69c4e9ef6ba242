package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type fakePublisher struct {
	metrics    []*cloudwatch.PutMetricDataInput
	dashboards []*cloudwatch.PutDashboardInput
}

func (f *fakePublisher) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.metrics = append(f.metrics, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (f *fakePublisher) PutDashboard(_ context.Context, in *cloudwatch.PutDashboardInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error) {
	f.dashboards = append(f.dashboards, in)
	return &cloudwatch.PutDashboardOutput{}, nil
}

func withFakePublisher(t *testing.T) *fakePublisher {
	t.Helper()
	fake := &fakePublisher{}
	setPublisher(fake, "SpreadMatrixTest", "SpreadMatrixTest")
	t.Cleanup(func() {
		cwMu.Lock()
		cwClient = nil
		cwNamespace, cwDashboard = "SpreadMatrix", "SpreadMatrix"
		cwMu.Unlock()
	})
	return fake
}

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestJSONOutputUsesRenamedKeys(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithComponent("matrix").Info("built")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	for _, key := range []string{"timestamp", "level", "message", "component"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("missing key %q in %v", key, line)
		}
	}
	if line["message"] != "built" {
		t.Fatalf("unexpected message: %v", line["message"])
	}
}

func TestWarnAndErrorCountedPerComponent(t *testing.T) {
	log := Logger()
	log.SetOutput(&bytes.Buffer{})

	log.WithComponent("counting-test").Warn("w")
	log.WithComponent("counting-test").Warn("w")
	log.WithComponent("counting-test").Error("e")

	stats := levelFor("counting-test")
	if stats.warns != 2 || stats.errors != 1 {
		t.Fatalf("unexpected counts: warns=%d errors=%d", stats.warns, stats.errors)
	}
}

func TestRecordFlow(t *testing.T) {
	RecordFlow("flow-test", 10)
	RecordFlow("flow-test", 5)
	events, records := FlowCounts("flow-test")
	if events != 2 || records != 15 {
		t.Fatalf("FlowCounts = %d, %d", events, records)
	}
	if e, r := FlowCounts("never-recorded"); e != 0 || r != 0 {
		t.Fatalf("unknown flow should be zero, got %d, %d", e, r)
	}
}

func TestPublishMetricsUsesNamespace(t *testing.T) {
	fake := withFakePublisher(t)

	publishMetrics(context.Background(), []cwtypes.MetricDatum{{
		MetricName: aws.String("MatrixBuilds"),
		Value:      aws.Float64(1),
	}})

	if len(fake.metrics) != 1 {
		t.Fatalf("expected one publish, got %d", len(fake.metrics))
	}
	if got := aws.ToString(fake.metrics[0].Namespace); got != "SpreadMatrixTest" {
		t.Fatalf("unexpected namespace %q", got)
	}
}

func TestPublishMetricsWithoutClientIsNoop(t *testing.T) {
	publishMetrics(context.Background(), []cwtypes.MetricDatum{{MetricName: aws.String("x")}})
}

func TestLogMetricPublishesNumericValues(t *testing.T) {
	fake := withFakePublisher(t)
	log := Logger()
	log.SetOutput(&bytes.Buffer{})

	log.LogMetric("cache", "CacheRefreshes", 3, "counter", Fields{"source": "csv"})
	log.LogMetric("cache", "Label", "not-a-number", "", nil)

	if len(fake.metrics) != 1 {
		t.Fatalf("expected only numeric metric to publish, got %d", len(fake.metrics))
	}
	datum := fake.metrics[0].MetricData[0]
	if aws.ToFloat64(datum.Value) != 3 {
		t.Fatalf("unexpected value %v", aws.ToFloat64(datum.Value))
	}
	if len(datum.Dimensions) != 2 {
		t.Fatalf("expected component and source dimensions, got %v", datum.Dimensions)
	}
}

func TestCreateDefaultDashboard(t *testing.T) {
	fake := withFakePublisher(t)
	CreateDefaultDashboard(context.Background())
	if len(fake.dashboards) != 1 {
		t.Fatalf("expected dashboard to be created")
	}
	var body map[string]interface{}
	if err := json.Unmarshal([]byte(aws.ToString(fake.dashboards[0].DashboardBody)), &body); err != nil {
		t.Fatalf("dashboard body is not json: %v", err)
	}
}

func TestIsWrapper(t *testing.T) {
	if !isWrapper("spreadmatrix/logger.(*Entry).Info") {
		t.Fatalf("logger frames should be skipped")
	}
	if isWrapper("spreadmatrix/internal/dashboard.(*Server).handleMatrix") {
		t.Fatalf("dashboard frames are call sites")
	}
}
