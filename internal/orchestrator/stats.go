package orchestrator

import (
	"bytes"
	"encoding/json"
	"io"
	"math"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

func decodeStatsFrame(r io.Reader) (container.StatsResponse, error) {
	var frame container.StatsResponse
	err := json.NewDecoder(r).Decode(&frame)
	return frame, err
}

// computeStats derives cpu/memory percentages from one stats frame the
// same way the engine CLI does: cpu delta over system delta.
func computeStats(frame container.StatsResponse, status string) *Stats {
	var cpuPercent float64
	cpuDelta := float64(frame.CPUStats.CPUUsage.TotalUsage) - float64(frame.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(frame.CPUStats.SystemUsage) - float64(frame.PreCPUStats.SystemUsage)
	if systemDelta > 0 {
		cpuPercent = cpuDelta / systemDelta * 100.0
	}

	memUsage := float64(frame.MemoryStats.Usage)
	memLimit := float64(frame.MemoryStats.Limit)
	var memPercent float64
	if memLimit > 0 {
		memPercent = memUsage / memLimit * 100.0
	}

	return &Stats{
		CPUPercent:    round2(cpuPercent),
		MemoryPercent: round2(memPercent),
		MemoryUsedMB:  round2(memUsage / (1024 * 1024)),
		Status:        status,
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// demuxLogs unwraps the engine's multiplexed log stream into plain text.
func demuxLogs(rc io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", err
	}
	return buf.String(), nil
}
