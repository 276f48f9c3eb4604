package metrics

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// DiskUsage is one filesystem's usage within a sample.
type DiskUsage struct {
	Name  string `json:"name"`
	Used  int64  `json:"used"`
	Total int64  `json:"total"`
}

// FloatList maps a []float64 onto a jsonb column.
type FloatList []float64

func (l FloatList) Value() (driver.Value, error) { return json.Marshal(l) }

func (l *FloatList) Scan(src any) error { return scanJSON(src, l) }

// DiskList maps a []DiskUsage onto a jsonb column.
type DiskList []DiskUsage

func (l DiskList) Value() (driver.Value, error) { return json.Marshal(l) }

func (l *DiskList) Scan(src any) error { return scanJSON(src, l) }

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	case nil:
		return nil
	default:
		return fmt.Errorf("unsupported jsonb source %T", src)
	}
}

// Sample is one stored telemetry row. Rows are immutable once written.
type Sample struct {
	ID         string    `gorm:"primaryKey"`
	DeviceID   string    `gorm:"index;not null"`
	Timestamp  time.Time `gorm:"index;not null"`
	CPUTotal   float64   `gorm:"not null"`
	CPUPerCore FloatList `gorm:"type:jsonb;not null"`
	MemUsed    int64     `gorm:"not null"`
	MemTotal   int64     `gorm:"not null"`
	Disk       DiskList  `gorm:"type:jsonb;not null"`
	NetTxBps   int64     `gorm:"not null"`
	NetRxBps   int64     `gorm:"not null"`
	UptimeSec  int       `gorm:"not null"`
	ProcCount  int       `gorm:"not null"`
	CreatedAt  time.Time
}

func (Sample) TableName() string { return "metrics" }

type CPUStat struct {
	Total   float64   `json:"total"`
	PerCore []float64 `json:"perCore"`
}

type MemStat struct {
	Used    int64   `json:"used"`
	Total   int64   `json:"total"`
	Percent float64 `json:"percent,omitempty"`
}

type NetStat struct {
	TxBps int64 `json:"txBps"`
	RxBps int64 `json:"rxBps"`
}

// AgentSample is one sample as pushed by an agent inside a metrics frame.
type AgentSample struct {
	V         int         `json:"v,omitempty"`
	TS        time.Time   `json:"ts"`
	HostID    string      `json:"hostId,omitempty"`
	CPU       CPUStat     `json:"cpu"`
	Mem       MemStat     `json:"mem"`
	Disk      []DiskUsage `json:"disk"`
	Net       NetStat     `json:"net"`
	UptimeSec int         `json:"uptimeSec"`
	ProcCount int         `json:"procCount"`
}

// Validate rejects samples the pipeline must not persist. A bad sample
// fails its whole batch; the connection layer logs and keeps the socket.
func (s AgentSample) Validate() error {
	if s.TS.IsZero() {
		return fmt.Errorf("sample missing timestamp")
	}
	if s.CPU.Total < 0 || s.CPU.Total > 100 {
		return fmt.Errorf("cpu total %.1f out of range", s.CPU.Total)
	}
	return nil
}

// APISample is the shape served by GET /api/metrics.
type APISample struct {
	Timestamp time.Time   `json:"timestamp"`
	CPU       CPUStat     `json:"cpu"`
	Mem       MemStat     `json:"mem"`
	Disk      []DiskUsage `json:"disk"`
	Net       NetStat     `json:"net"`
	UptimeSec int         `json:"uptimeSec"`
	ProcCount int         `json:"procCount"`
}

// API converts a stored row to its response shape, deriving mem percent.
func (s Sample) API() APISample {
	mem := MemStat{Used: s.MemUsed, Total: s.MemTotal}
	if s.MemTotal > 0 {
		mem.Percent = float64(s.MemUsed) / float64(s.MemTotal) * 100
	}
	return APISample{
		Timestamp: s.Timestamp,
		CPU:       CPUStat{Total: s.CPUTotal, PerCore: s.CPUPerCore},
		Mem:       mem,
		Disk:      s.Disk,
		Net:       NetStat{TxBps: s.NetTxBps, RxBps: s.NetRxBps},
		UptimeSec: s.UptimeSec,
		ProcCount: s.ProcCount,
	}
}
