package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsBook     int64
	errorsExec     int64
	warnsBook      int64
	warnsExec      int64
	resyncs        int64
	sequenceGaps   int64
	fillsSeen      int64
	tradesOpened   int64
	tradesClosed   int64
	hedgeFailures  int64
	recorderWrites int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "replica") || strings.Contains(component, "venue") {
		atomic.AddInt64(&warnsBook, 1)
	} else if strings.Contains(component, "executor") || strings.Contains(component, "strategy") {
		atomic.AddInt64(&warnsExec, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "replica") || strings.Contains(component, "venue") {
		atomic.AddInt64(&errorsBook, 1)
	} else if strings.Contains(component, "executor") || strings.Contains(component, "strategy") {
		atomic.AddInt64(&errorsExec, 1)
	}
}

// IncrementResync counts a full orderbook rebuild from a REST snapshot.
func IncrementResync() {
	atomic.AddInt64(&resyncs, 1)
}

// IncrementGap counts a detected sequence discontinuity.
func IncrementGap() {
	atomic.AddInt64(&sequenceGaps, 1)
}

// IncrementFill counts an execution report consumed from a user stream.
func IncrementFill() {
	atomic.AddInt64(&fillsSeen, 1)
}

// IncrementTradeOpen counts an opened hedge pair.
func IncrementTradeOpen() {
	atomic.AddInt64(&tradesOpened, 1)
}

// IncrementTradeClose counts an unwound hedge pair.
func IncrementTradeClose() {
	atomic.AddInt64(&tradesClosed, 1)
}

// IncrementHedgeFailure counts a hedge leg that could not be placed
// after the first leg filled.
func IncrementHedgeFailure() {
	atomic.AddInt64(&hedgeFailures, 1)
}

// IncrementRecorderWrite counts a persisted recorder flush of the given size.
func IncrementRecorderWrite(size int64) {
	atomic.AddInt64(&recorderWrites, 1)
	recordChannel("recorder_flush", int(size))
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

// StartReport begins periodic logging of system and engine statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
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
		"errors_book":     atomic.LoadInt64(&errorsBook),
		"errors_exec":     atomic.LoadInt64(&errorsExec),
		"warns_book":      atomic.LoadInt64(&warnsBook),
		"warns_exec":      atomic.LoadInt64(&warnsExec),
		"resyncs":         atomic.LoadInt64(&resyncs),
		"sequence_gaps":   atomic.LoadInt64(&sequenceGaps),
		"fills_seen":      atomic.LoadInt64(&fillsSeen),
		"trades_opened":   atomic.LoadInt64(&tradesOpened),
		"trades_closed":   atomic.LoadInt64(&tradesClosed),
		"hedge_failures":  atomic.LoadInt64(&hedgeFailures),
		"recorder_writes": atomic.LoadInt64(&recorderWrites),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       int64(memStats.Used) / 1024 / 1024,
		"channels":        channelData,
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsBook"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_book"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsExec"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_exec"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsBook"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_book"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsExec"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_exec"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Resyncs"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["resyncs"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SequenceGaps"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["sequence_gaps"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FillsSeen"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["fills_seen"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("TradesOpened"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["trades_opened"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("TradesClosed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["trades_closed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("HedgeFailures"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["hedge_failures"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RecorderWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["recorder_writes"].(int64)))},
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
