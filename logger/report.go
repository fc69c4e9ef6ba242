package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type levelStat struct {
	warns  int64
	errors int64
}

type flowStat struct {
	events  int64
	records int64
}

var (
	levels sync.Map // component -> *levelStat
	flows  sync.Map // flow name -> *flowStat
)

func levelFor(component string) *levelStat {
	v, _ := levels.LoadOrStore(component, &levelStat{})
	return v.(*levelStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&levelFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&levelFor(component).errors, 1)
}

// RecordFlow counts one event moving records through a named flow, such as
// a cache refresh or a matrix build.
func RecordFlow(name string, records int) {
	v, _ := flows.LoadOrStore(name, &flowStat{})
	fs := v.(*flowStat)
	atomic.AddInt64(&fs.events, 1)
	atomic.AddInt64(&fs.records, int64(records))
}

// FlowCounts returns the events and records recorded for a flow.
func FlowCounts(name string) (events, records int64) {
	v, ok := flows.Load(name)
	if !ok {
		return 0, 0
	}
	fs := v.(*flowStat)
	return atomic.LoadInt64(&fs.events), atomic.LoadInt64(&fs.records)
}

// StartReport begins periodic logging of host and flow statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func snapshotLevels() (map[string]map[string]int64, int64, int64) {
	out := map[string]map[string]int64{}
	var warns, errs int64
	levels.Range(func(k, v any) bool {
		ls := v.(*levelStat)
		w, e := atomic.LoadInt64(&ls.warns), atomic.LoadInt64(&ls.errors)
		out[k.(string)] = map[string]int64{"warns": w, "errors": e}
		warns += w
		errs += e
		return true
	})
	return out, warns, errs
}

func snapshotFlows() map[string]map[string]int64 {
	out := map[string]map[string]int64{}
	flows.Range(func(k, v any) bool {
		fs := v.(*flowStat)
		out[k.(string)] = map[string]int64{
			"events":  atomic.LoadInt64(&fs.events),
			"records": atomic.LoadInt64(&fs.records),
		}
		return true
	})
	return out
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	var memUsed, diskUsed uint64
	if memStats != nil {
		memUsed = memStats.Used
	}
	if diskStats != nil {
		diskUsed = diskStats.Used
	}
	var bytesSent, bytesRecv uint64
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	byComponent, warns, errs := snapshotLevels()
	flowData := snapshotFlows()

	log.WithComponent("report").WithFields(Fields{
		"warns":          warns,
		"errors":         errs,
		"components":     byComponent,
		"flows":          flowData,
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memUsed) / 1024 / 1024,
		"disk_mb":        int64(diskUsed) / 1024 / 1024,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskUsed) / 1024 / 1024)},
		{MetricName: aws.String("Warnings"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(warns))},
		{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(errs))},
	}

	names := make([]string, 0, len(flowData))
	for name := range flowData {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stats := flowData[name]
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("FlowEvents"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["events"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("FlowRecords"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["records"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
