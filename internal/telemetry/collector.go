package telemetry

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	gopsnet "github.com/shirou/gopsutil/v4/net"
	"go.uber.org/zap"

	"github.com/your-org/edgestream/internal/streaming"
)

// thermalBase is where the kernel exposes thermal zones.
const thermalBase = "/sys/devices/virtual/thermal"

// Column names of the target telemetry table.
const (
	ColRowID          = "row_id"
	ColHost           = "host"
	ColIPAddress      = "ip_address"
	ColMACAddress     = "mac_address"
	ColTSUTC          = "ts_utc"
	ColTSEpochMS      = "ts_epoch_ms"
	ColCPUTempC       = "cpu_temp_c"
	ColCPUUsagePct    = "cpu_usage_pct"
	ColMemUsagePct    = "mem_usage_pct"
	ColDiskUsagePct   = "disk_usage_pct"
	ColThermalZones   = "thermal_zones"
	ColEdgeAISummary  = "edge_ai_summary"
	ColImagePath      = "image_path"
	ColImageCaptured  = "image_captured"
	ColImageAISummary = "image_ai_summary"
	ColPayload        = "payload"
)

// TableSchema is the declared column set of the telemetry table.
func TableSchema() streaming.Schema {
	return streaming.NewSchema(
		ColRowID, ColHost, ColIPAddress, ColMACAddress,
		ColTSUTC, ColTSEpochMS,
		ColCPUTempC, ColCPUUsagePct, ColMemUsagePct, ColDiskUsagePct,
		ColThermalZones,
		ColEdgeAISummary, ColImagePath, ColImageCaptured, ColImageAISummary,
		ColPayload,
	)
}

// Snapshot is one sampled view of the host.
type Snapshot struct {
	Host         string
	IPAddress    string
	MACAddress   string
	SampledAt    time.Time
	CPUTempC     *float64
	CPUUsagePct  float64
	MemUsagePct  float64
	DiskUsagePct float64
	ThermalZones map[string]float64
}

// Collector samples device metrics. Safe for use from the single producer
// goroutine; sampling holds no state between calls besides the logger.
type Collector struct {
	diskPath    string
	thermalBase string
	logger      *zap.Logger
}

// NewCollector constructs a Collector. diskPath defaults to the root
// filesystem.
func NewCollector(diskPath string, logger *zap.Logger) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{diskPath: diskPath, thermalBase: thermalBase, logger: logger}
}

// Sample reads one snapshot of host metrics. Individual probes that fail
// leave their field zeroed and are logged at debug level; a snapshot is
// always produced.
func (c *Collector) Sample(ctx context.Context) *Snapshot {
	snap := &Snapshot{SampledAt: time.Now().UTC()}

	if host, err := os.Hostname(); err == nil {
		snap.Host = host
	}
	snap.IPAddress, snap.MACAddress = c.primaryNetworkInfo(ctx)

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		snap.CPUUsagePct = round2(pcts[0])
	} else if err != nil {
		c.logger.Debug("cpu sample failed", zap.Error(err))
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.MemUsagePct = round2(vm.UsedPercent)
	} else {
		c.logger.Debug("memory sample failed", zap.Error(err))
	}
	if du, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		snap.DiskUsagePct = round2(du.UsedPercent)
	} else {
		c.logger.Debug("disk sample failed", zap.Error(err))
	}

	snap.ThermalZones = c.readThermalZones()
	snap.CPUTempC = cpuTempFromZones(snap.ThermalZones)
	return snap
}

// Record maps the snapshot onto the telemetry table columns. The payload
// column carries the whole snapshot as a semi-structured catch-all.
func (s *Snapshot) Record() streaming.Record {
	rec := streaming.Record{
		ColRowID:         uuid.NewString(),
		ColHost:          s.Host,
		ColIPAddress:     s.IPAddress,
		ColMACAddress:    s.MACAddress,
		ColTSUTC:         s.SampledAt.Format("2006-01-02T15:04:05Z"),
		ColTSEpochMS:     s.SampledAt.UnixMilli(),
		ColCPUUsagePct:   s.CPUUsagePct,
		ColMemUsagePct:   s.MemUsagePct,
		ColDiskUsagePct:  s.DiskUsagePct,
		ColThermalZones:  s.ThermalZones,
		ColImageCaptured: false,
		ColPayload: map[string]any{
			"host":           s.Host,
			"ip_address":     s.IPAddress,
			"mac_address":    s.MACAddress,
			"ts_epoch_ms":    s.SampledAt.UnixMilli(),
			"cpu_usage_pct":  s.CPUUsagePct,
			"mem_usage_pct":  s.MemUsagePct,
			"disk_usage_pct": s.DiskUsagePct,
			"thermal_zones":  s.ThermalZones,
		},
	}
	if s.CPUTempC != nil {
		rec[ColCPUTempC] = *s.CPUTempC
	}
	return rec
}

func (c *Collector) readThermalZones() map[string]float64 {
	zones := map[string]float64{}
	entries, err := os.ReadDir(c.thermalBase)
	if err != nil {
		return zones
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), "thermal_zone") {
			continue
		}
		dir := filepath.Join(c.thermalBase, entry.Name())
		zoneType, err1 := readTrimmed(filepath.Join(dir, "type"))
		tempRaw, err2 := readTrimmed(filepath.Join(dir, "temp"))
		if err1 != nil || err2 != nil || zoneType == "" || tempRaw == "" {
			continue
		}
		milli, err := strconv.ParseFloat(tempRaw, 64)
		if err != nil {
			c.logger.Debug("bad thermal zone reading",
				zap.String("zone", entry.Name()), zap.Error(err))
			continue
		}
		zones[zoneType] = round2(milli / 1000.0)
	}
	return zones
}

// cpuTempFromZones picks the CPU zone when one is labeled, otherwise the
// hottest zone as a conservative stand-in.
func cpuTempFromZones(zones map[string]float64) *float64 {
	if len(zones) == 0 {
		return nil
	}
	for _, key := range []string{"CPU-therm", "cpu-thermal", "CPU"} {
		if v, ok := zones[key]; ok {
			return &v
		}
	}
	var maxT float64
	first := true
	for _, v := range zones {
		if first || v > maxT {
			maxT = v
			first = false
		}
	}
	return &maxT
}

// primaryNetworkInfo returns the IP and MAC of the first up, non-loopback
// interface with a usable address.
func (c *Collector) primaryNetworkInfo(ctx context.Context) (ip, mac string) {
	ifaces, err := gopsnet.InterfacesWithContext(ctx)
	if err != nil {
		c.logger.Debug("interface listing failed", zap.Error(err))
		return "unknown", "unknown"
	}
	for _, iface := range ifaces {
		if strings.HasPrefix(iface.Name, "lo") || !hasFlag(iface.Flags, "up") {
			continue
		}
		var candIP string
		for _, addr := range iface.Addrs {
			a := addr.Addr
			if i := strings.IndexByte(a, '/'); i >= 0 {
				a = a[:i]
			}
			if strings.Contains(a, ":") || strings.HasPrefix(a, "127.") || strings.HasPrefix(a, "169.254.") {
				continue
			}
			candIP = a
			break
		}
		candMAC := iface.HardwareAddr
		if candMAC == "00:00:00:00:00:00" {
			candMAC = ""
		}
		if candIP != "" || candMAC != "" {
			if candIP == "" {
				candIP = "unknown"
			}
			if candMAC == "" {
				candMAC = "unknown"
			}
			return candIP, candMAC
		}
	}
	return "unknown", "unknown"
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func readTrimmed(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
