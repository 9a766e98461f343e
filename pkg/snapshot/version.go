package snapshot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

type Version struct {
	Major uint16 `json:"major"`
	Minor uint16 `json:"minor"`
	Patch uint16 `json:"patch"`
}

var (
	// Version4 stores explicit memory file offsets per region.
	Version4 = Version{4, 0, 0}
	// Version6 derives memory file offsets from the region order.
	Version6 = Version{6, 0, 0}
	// Version8 adds the VMGenID device.
	Version8 = Version{8, 0, 0}

	CurrentVersion = Version8

	readableVersions = []Version{Version4, Version6, Version8}
	writableVersions = []Version{Version6, Version8}
)

func ParseVersion(s string) (Version, error) {
	v := s
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}

	if !semver.IsValid(v) || semver.Prerelease(v) != "" || semver.Build(v) != "" {
		return Version{}, errors.Join(ErrInvalidVersionString, fmt.Errorf("%q", s))
	}

	parts := strings.Split(strings.TrimPrefix(semver.Canonical(v), "v"), ".")

	var fields [3]uint16
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return Version{}, errors.Join(ErrInvalidVersionString, fmt.Errorf("%q", s), err)
		}
		fields[i] = uint16(n)
	}

	return Version{fields[0], fields[1], fields[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func (v Version) semver() string {
	return "v" + v.String()
}

func (v Version) Compare(other Version) int {
	return semver.Compare(v.semver(), other.semver())
}

func (v Version) Readable() bool {
	for _, r := range readableVersions {
		if r == v {
			return true
		}
	}

	return false
}

func (v Version) Writable() bool {
	for _, w := range writableVersions {
		if w == v {
			return true
		}
	}

	return false
}

func (v Version) checkReadable() error {
	if v.Readable() {
		return nil
	}

	if v.Compare(CurrentVersion) > 0 {
		return errors.Join(ErrUnsupportedVersion, fmt.Errorf("%s is newer than %s", v, CurrentVersion))
	}

	return errors.Join(ErrUnsupportedVersion, fmt.Errorf("%s", v))
}
