package client

import (
	"bufio"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/t0ken-ai/memoryx/internal/crypto"
)

// machineFingerprint is a stable identity for this install: the SHA-256
// prefix over hostname, platform, architecture, the first CPU model
// string, and total memory bytes.
func machineFingerprint() string {
	host, _ := os.Hostname()
	return crypto.Fingerprint(
		host,
		runtime.GOOS,
		runtime.GOARCH,
		cpuModel(),
		strconv.FormatInt(totalMemoryBytes(), 10),
	)
}

// cpuModel reports the first CPU model string the kernel exposes, or
// empty where /proc is unavailable. The fingerprint stays stable either
// way; it just carries less hardware entropy.
func cpuModel() string {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	defer f.Close()
	return parseCPUModel(f)
}

func parseCPUModel(r io.Reader) string {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "model name", "Processor", "cpu model":
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// totalMemoryBytes reports the machine's total memory, or 0 where /proc
// is unavailable.
func totalMemoryBytes() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()
	return parseMemTotal(f)
}

func parseMemTotal(r io.Reader) int64 {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
