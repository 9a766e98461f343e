package packager

import "strings"

const (
	StateName    = "state"
	MemoryName   = "memory"
	ManifestName = "manifest"

	// DiskPrefix names the backing file of a block device, followed by its drive id.
	DiskPrefix = "disk-"
)

var ResourceFilenames = map[string]string{
	StateName:    "state.bin",
	MemoryName:   "memory.bin",
	ManifestName: "manifest.json",
}

func DiskName(driveID string) string {
	return DiskPrefix + driveID
}

// Filename is the name a resource is extracted to.
func Filename(name string) string {
	if f, ok := ResourceFilenames[name]; ok {
		return f
	}

	if driveID, ok := strings.CutPrefix(name, DiskPrefix); ok {
		return driveID + ".img"
	}

	return name
}
