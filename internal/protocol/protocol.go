// internal/protocol/protocol.go
package protocol

import (
	"sync"
	"time"
)

// ProtocolStats provides protocol-level statistics
type ProtocolStats struct {
	BytesWritten    int64         `json:"bytes_written"`
	BytesRead       int64         `json:"bytes_read"`
	OperationCount  int64         `json:"operation_count"`
	ErrorCount      int64         `json:"error_count"`
	TimeoutCount    int64         `json:"timeout_count"`
	EmptyCount      int64         `json:"empty_count"`
	RetryCount      int64         `json:"retry_count"`
	StallCount      int64         `json:"stall_count"`
	DesyncCount     int64         `json:"desync_count"`
	ConnectionLosts int64         `json:"connection_losts"`
	LastActivity    time.Time     `json:"last_activity"`
	AverageLatency  time.Duration `json:"average_latency"`
	IsConnected     bool          `json:"is_connected"`
}

// StatsObserver accumulates ProtocolStats from transport events.
type StatsObserver struct {
	NopObserver

	mutex        sync.Mutex
	stats        ProtocolStats
	totalLatency time.Duration
}

// NewStatsObserver creates an empty stats accumulator.
func NewStatsObserver() *StatsObserver {
	return &StatsObserver{}
}

func (o *StatsObserver) OnExchange(_ string, req Request, resp *Response) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.stats.OperationCount++
	o.stats.BytesWritten += int64(len(req.Command))
	o.stats.BytesRead += int64(len(resp.Payload))
	switch resp.Status {
	case StatusTimedOut:
		o.stats.TimeoutCount++
	case StatusEmpty:
		o.stats.EmptyCount++
	}
	o.totalLatency += resp.Duration
	o.stats.AverageLatency = o.totalLatency / time.Duration(o.stats.OperationCount)
	o.stats.LastActivity = time.Now()
}

func (o *StatsObserver) OnRetry(string, Request, int, *Response) {
	o.mutex.Lock()
	o.stats.RetryCount++
	o.mutex.Unlock()
}

func (o *StatsObserver) OnConnectionLost(string, error) {
	o.mutex.Lock()
	o.stats.ConnectionLosts++
	o.stats.ErrorCount++
	o.mutex.Unlock()
}

func (o *StatsObserver) OnStall(string, Request, time.Duration) {
	o.mutex.Lock()
	o.stats.StallCount++
	o.stats.ErrorCount++
	o.mutex.Unlock()
}

func (o *StatsObserver) OnDesync(string, []byte, []byte) {
	o.mutex.Lock()
	o.stats.DesyncCount++
	o.stats.ErrorCount++
	o.mutex.Unlock()
}

// Snapshot returns a copy of the current counters.
func (o *StatsObserver) Snapshot() ProtocolStats {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.stats
}
