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
	errorsFeed    int64
	errorsOrders  int64
	warnsFeed     int64
	warnsOrders   int64
	feedFrames    int64
	orderEvents   int64
	decodeErrors  int64
	reconnects    int64
	throttleWaits int64
	batchWrites   int64
	channels      sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "order") {
		atomic.AddInt64(&warnsOrders, 1)
	} else {
		atomic.AddInt64(&warnsFeed, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "order") {
		atomic.AddInt64(&errorsOrders, 1)
	} else {
		atomic.AddInt64(&errorsFeed, 1)
	}
}

// IncrementFrameRead counts one inbound market-feed frame.
func IncrementFrameRead(size int) {
	atomic.AddInt64(&feedFrames, 1)
	recordChannel("feed_ws", size)
}

// IncrementOrderEvent counts one inbound order-update message.
func IncrementOrderEvent(size int) {
	atomic.AddInt64(&orderEvents, 1)
	recordChannel("order_ws", size)
}

// IncrementDecodeError counts one dropped malformed frame.
func IncrementDecodeError() {
	atomic.AddInt64(&decodeErrors, 1)
}

// IncrementReconnect counts one reconnect attempt on any channel.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// IncrementThrottleWait counts one REST call that had to wait for quota.
func IncrementThrottleWait() {
	atomic.AddInt64(&throttleWaits, 1)
}

// IncrementBatchWrite counts one recorder batch shipped to storage.
func IncrementBatchWrite(size int64) {
	atomic.AddInt64(&batchWrites, 1)
	recordChannel("s3_batch_write", int(size))
}

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
	channels.Range(func(k, v interface{}) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_feed":    atomic.LoadInt64(&errorsFeed),
		"errors_orders":  atomic.LoadInt64(&errorsOrders),
		"warns_feed":     atomic.LoadInt64(&warnsFeed),
		"warns_orders":   atomic.LoadInt64(&warnsOrders),
		"feed_frames":    atomic.LoadInt64(&feedFrames),
		"order_events":   atomic.LoadInt64(&orderEvents),
		"decode_errors":  atomic.LoadInt64(&decodeErrors),
		"reconnects":     atomic.LoadInt64(&reconnects),
		"throttle_waits": atomic.LoadInt64(&throttleWaits),
		"batch_writes":   atomic.LoadInt64(&batchWrites),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memStats.Used) / 1024 / 1024,
		"disk_mb":        int64(diskStats.Used) / 1024 / 1024,
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_feed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsOrders"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_orders"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsFeed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_feed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsOrders"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_orders"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FeedFrames"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["feed_frames"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OrderEvents"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["order_events"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("DecodeErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["decode_errors"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ThrottleWaits"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["throttle_waits"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("BatchWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["batch_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
