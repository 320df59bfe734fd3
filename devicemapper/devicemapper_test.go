package devicemapper

import (
	"strings"
	"testing"

	"github.com/dsiproject/dsi/blockextent"
)

func TestBuildLinearTableAccumulatesLogicalOffsets(t *testing.T) {
	extents := []blockextent.Extent{
		{PhysicalSector: 100, SectorCount: 10},
		{PhysicalSector: 500, SectorCount: 20},
	}
	table := buildLinearTable("/dev/sda", extents)
	lines := strings.Split(table, "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 table lines, got %d: %q", len(lines), table)
	}
	if lines[0] != "0 10 linear /dev/sda 100" {
		t.Fatalf("line 0 = %q", lines[0])
	}
	if lines[1] != "10 20 linear /dev/sda 500" {
		t.Fatalf("line 1 = %q", lines[1])
	}
}

func TestDeviceNameRegexRejectsPathSeparators(t *testing.T) {
	if deviceNameRegex.MatchString("../etc/passwd") {
		t.Fatalf("device name regex accepted a path traversal attempt")
	}
	if !deviceNameRegex.MatchString("system_gsi") {
		t.Fatalf("device name regex rejected a legitimate name")
	}
}

func TestDevicePathFormatting(t *testing.T) {
	c := NewDMClient()
	if got, want := c.DevicePath("system_gsi"), "/dev/mapper/system_gsi"; got != want {
		t.Fatalf("DevicePath = %q, want %q", got, want)
	}
}

func TestLoopMapperRejectsLinearDevice(t *testing.T) {
	m := NewLoopMapper()
	_, err := m.CreateLinearDevice(nil, "system_gsi", "/dev/sda", nil)
	if err == nil {
		t.Fatalf("expected LoopMapper.CreateLinearDevice to reject extent-list mapping")
	}
}

func TestLoopMapperDeviceExistsUnknownName(t *testing.T) {
	m := NewLoopMapper()
	ok, err := m.DeviceExists(nil, "never-attached")
	if err != nil || ok {
		t.Fatalf("DeviceExists on unattached name = %v, %v; want false, nil", ok, err)
	}
}
