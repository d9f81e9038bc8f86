package client

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCPUModel(t *testing.T) {
	cpuinfo := `processor	: 0
vendor_id	: GenuineIntel
model name	: Intel(R) Xeon(R) CPU E5-2680 v4 @ 2.40GHz
processor	: 1
model name	: Intel(R) Xeon(R) CPU E5-2680 v4 @ 2.40GHz
`
	model := parseCPUModel(strings.NewReader(cpuinfo))
	assert.Equal(t, "Intel(R) Xeon(R) CPU E5-2680 v4 @ 2.40GHz", model)
}

func TestParseCPUModelARMKey(t *testing.T) {
	cpuinfo := "Processor\t: ARMv8 Processor rev 4 (v8l)\nBogoMIPS\t: 38.40\n"
	assert.Equal(t, "ARMv8 Processor rev 4 (v8l)", parseCPUModel(strings.NewReader(cpuinfo)))
}

func TestParseCPUModelEmpty(t *testing.T) {
	assert.Empty(t, parseCPUModel(strings.NewReader("")))
	assert.Empty(t, parseCPUModel(strings.NewReader("flags: fpu vme\n")))
}

func TestParseMemTotal(t *testing.T) {
	meminfo := `MemTotal:       16384256 kB
MemFree:         1234567 kB
`
	assert.Equal(t, int64(16384256*1024), parseMemTotal(strings.NewReader(meminfo)))
}

func TestParseMemTotalMissing(t *testing.T) {
	assert.Zero(t, parseMemTotal(strings.NewReader("MemFree: 100 kB\n")))
	assert.Zero(t, parseMemTotal(strings.NewReader("MemTotal: garbage kB\n")))
}

func TestMachineFingerprintStable(t *testing.T) {
	first := machineFingerprint()
	second := machineFingerprint()
	assert.Equal(t, first, second)
	assert.Len(t, first, 32)
}
