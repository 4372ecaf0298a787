package logger

import (
	"context"
	"runtime"
	"strings"
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

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsConn    int64
	errorsClient  int64
	errorsEngine  int64
	warnsConn     int64
	warnsClient   int64
	warnsEngine   int64
	streamReads   int64
	bookPublishes int64
	reconnects    int64
	opportunities int64
	archiveWrites int64
	channels      sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "conn"):
		atomic.AddInt64(&warnsConn, 1)
	case strings.Contains(component, "engine"):
		atomic.AddInt64(&warnsEngine, 1)
	case strings.Contains(component, "client"):
		atomic.AddInt64(&warnsClient, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "conn"):
		atomic.AddInt64(&errorsConn, 1)
	case strings.Contains(component, "engine"):
		atomic.AddInt64(&errorsEngine, 1)
	case strings.Contains(component, "client"):
		atomic.AddInt64(&errorsClient, 1)
	}
}

// IncrementStreamRead records one inbound websocket frame of the given size.
func IncrementStreamRead(venue string, size int) {
	atomic.AddInt64(&streamReads, 1)
	recordChannel(venue+"_ws", size)
}

// IncrementBookPublish records one order book published to a pair stream.
func IncrementBookPublish(venue string) {
	atomic.AddInt64(&bookPublishes, 1)
	recordChannel(venue+"_books", 0)
}

// IncrementReconnect records one reconnect attempt across all venues.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// IncrementOpportunity records one emitted arbitrage opportunity.
func IncrementOpportunity() {
	atomic.AddInt64(&opportunities, 1)
}

// IncrementArchiveWrite records one opportunity batch uploaded to storage.
func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordChannel("archive_write", int(size))
}

// RecordChannelMessage tracks throughput for a named internal channel.
func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	fields := Fields{
		"goroutines":     runtime.NumGoroutine(),
		"stream_reads":   atomic.LoadInt64(&streamReads),
		"book_publishes": atomic.LoadInt64(&bookPublishes),
		"reconnects":     atomic.LoadInt64(&reconnects),
		"opportunities":  atomic.LoadInt64(&opportunities),
		"archive_writes": atomic.LoadInt64(&archiveWrites),
		"warns_conn":     atomic.LoadInt64(&warnsConn),
		"warns_client":   atomic.LoadInt64(&warnsClient),
		"warns_engine":   atomic.LoadInt64(&warnsEngine),
		"errors_conn":    atomic.LoadInt64(&errorsConn),
		"errors_client":  atomic.LoadInt64(&errorsClient),
		"errors_engine":  atomic.LoadInt64(&errorsEngine),
		"channels":       channelData,
	}

	var cpuVal, memMB float64
	if len(cpuPercent) > 0 {
		cpuVal = cpuPercent[0]
		fields["cpu_percent"] = cpuVal
	}
	if memStats != nil {
		memMB = float64(memStats.Used) / (1024 * 1024)
		fields["memory_used_mb"] = memMB
		fields["memory_percent"] = memStats.UsedPercent
	}
	if diskStats != nil {
		fields["disk_used_mb"] = float64(diskStats.Used) / (1024 * 1024)
	}
	if len(netStats) > 0 {
		fields["net_bytes_sent"] = netStats[0].BytesSent
		fields["net_bytes_recv"] = netStats[0].BytesRecv
	}

	log.WithComponent("report").WithFields(fields).Info("system report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuVal)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
		{MetricName: aws.String("StreamReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&streamReads)))},
		{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&reconnects)))},
		{MetricName: aws.String("OpportunitiesDetected"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&opportunities)))},
	}
	publishMetrics(ctx, data)
}
