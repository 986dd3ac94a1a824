package api

import (
	stdnet "net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// BuildVersion is set with -ldflags "-X 'clashstats/cs/api.BuildVersion=1.2.3'".
var BuildVersion = "latest"

type netSample struct {
	Rx uint64
	Tx uint64
}

type AppInfo struct {
	StartAt     int64   `json:"start_at"`
	Version     string  `json:"version"`
	GoVersion   string  `json:"go_version"`
	Goroutines  int     `json:"goroutines"`
	HeapAlloc   uint64  `json:"heap_alloc"`
	RSS         uint64  `json:"rss"`
	CPUPercent  float64 `json:"cpu_percent"`
	Collectors  []int64 `json:"collectors"`
	Subscribers int     `json:"subscribers"`
}

type HostInfo struct {
	Hostname       string `json:"hostname"`
	OS             string `json:"os"`
	Platform       string `json:"platform"`
	PlatformVer    string `json:"platform_version"`
	KernelVersion  string `json:"kernel_version"`
	Arch           string `json:"arch"`
	Uptime         uint64 `json:"uptime"`
	Virtualization string `json:"virtualization"`
}

type CPUInfo struct {
	ModelName  string  `json:"model_name"`
	Cores      int     `json:"cores"`
	UsageTotal float64 `json:"usage_total"`
	Load1      float64 `json:"load1"`
	Load5      float64 `json:"load5"`
	Load15     float64 `json:"load15"`
}

type MemInfo struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

type DiskInfo struct {
	Mountpoint  string  `json:"mountpoint"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
}

type NetInfo struct {
	Name    string `json:"name"`
	IP      string `json:"ip"`
	RxBytes uint64 `json:"rx_bytes"`
	TxBytes uint64 `json:"tx_bytes"`
	RxBps   uint64 `json:"rx_bps"`
	TxBps   uint64 `json:"tx_bps"`
}

type SysInfoResp struct {
	Timestamp int64     `json:"timestamp"`
	App       AppInfo   `json:"app"`
	Host      HostInfo  `json:"host"`
	CPU       CPUInfo   `json:"cpu"`
	Memory    MemInfo   `json:"memory"`
	Disk      *DiskInfo `json:"disk,omitempty"`
	Net       []NetInfo `json:"net"`
}

// SysMonitor keeps the previous interface counters to turn totals into rates.
type SysMonitor struct {
	mu         sync.Mutex
	lastAt     time.Time
	lastIfMap  map[string]netSample
	appStartAt time.Time
	self       *process.Process
}

func NewSysMonitor() *SysMonitor {
	now := time.Now()
	m := &SysMonitor{lastAt: now, lastIfMap: map[string]netSample{}, appStartAt: now}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.self = p
	}
	return m
}

func firstIPv4(addrs []gnet.InterfaceAddr) string {
	for _, a := range addrs {
		plain, _, _ := strings.Cut(a.Addr, "/")
		if ip := stdnet.ParseIP(plain); ip != nil && ip.To4() != nil {
			return plain
		}
	}
	return ""
}

// Snapshot never fails; sources that are unavailable on this platform stay zero.
func (m *SysMonitor) Snapshot() *SysInfoResp {
	now := time.Now()
	resp := &SysInfoResp{Timestamp: now.UnixMilli()}

	resp.App.StartAt = m.appStartAt.UnixMilli()
	resp.App.Version = BuildVersion
	resp.App.GoVersion = runtime.Version()
	resp.App.Goroutines = runtime.NumGoroutine()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	resp.App.HeapAlloc = ms.HeapAlloc

	if hi, err := host.Info(); err == nil {
		resp.Host = HostInfo{
			Hostname: hi.Hostname, OS: hi.OS, Platform: hi.Platform, PlatformVer: hi.PlatformVersion,
			KernelVersion: hi.KernelVersion, Uptime: hi.Uptime, Virtualization: hi.VirtualizationSystem,
		}
	}
	resp.Host.Arch = runtime.GOARCH

	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		resp.CPU.ModelName = infos[0].ModelName
	}
	resp.CPU.Cores, _ = cpu.Counts(true)
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		resp.CPU.UsageTotal = pct[0]
	}
	if ld, err := load.Avg(); err == nil {
		resp.CPU.Load1, resp.CPU.Load5, resp.CPU.Load15 = ld.Load1, ld.Load5, ld.Load15
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Memory = MemInfo{Total: vm.Total, Used: vm.Used, Free: vm.Available, UsedPercent: vm.UsedPercent}
	}
	// the disk holding the working directory is where sqlite lives
	if du, err := disk.Usage("."); err == nil {
		resp.Disk = &DiskInfo{Mountpoint: du.Path, Total: du.Total, Used: du.Used, UsedPercent: du.UsedPercent}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.self != nil {
		if mi, err := m.self.MemoryInfo(); err == nil {
			resp.App.RSS = mi.RSS
		}
		if pct, err := m.self.CPUPercent(); err == nil {
			resp.App.CPUPercent = pct
		}
	}

	elapsed := now.Sub(m.lastAt).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	ifStats, _ := gnet.IOCounters(true)
	ifaces, _ := gnet.Interfaces()
	up := map[string]string{}
	for _, inf := range ifaces {
		isUp, loop := false, false
		for _, f := range inf.Flags {
			isUp = isUp || strings.EqualFold(f, "up")
			loop = loop || strings.Contains(strings.ToLower(f), "loopback")
		}
		if isUp && !loop {
			up[inf.Name] = firstIPv4(inf.Addrs)
		}
	}
	for _, s := range ifStats {
		ip, ok := up[s.Name]
		if !ok {
			continue
		}
		var drx, dtx uint64
		if prev, seen := m.lastIfMap[s.Name]; seen {
			if s.BytesRecv >= prev.Rx {
				drx = s.BytesRecv - prev.Rx
			}
			if s.BytesSent >= prev.Tx {
				dtx = s.BytesSent - prev.Tx
			}
		}
		resp.Net = append(resp.Net, NetInfo{
			Name: s.Name, IP: ip,
			RxBytes: s.BytesRecv, TxBytes: s.BytesSent,
			RxBps: uint64(float64(drx) / elapsed), TxBps: uint64(float64(dtx) / elapsed),
		})
		m.lastIfMap[s.Name] = netSample{Rx: s.BytesRecv, Tx: s.BytesSent}
	}
	m.lastAt = now
	return resp
}

// GET /api/system
func (s *Server) systemInfo(c *gin.Context) {
	resp := s.sys.Snapshot()
	resp.App.Collectors = s.App.Manager.Running()
	resp.App.Subscribers = s.App.Hub.Len()
	c.JSON(http.StatusOK, resp)
}
