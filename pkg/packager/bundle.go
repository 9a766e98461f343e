package packager

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/loopholelabs/vmsnap/pkg/snapshot"
)

// Manifest describes the snapshot inside a package.
type Manifest struct {
	SnapshotID string    `json:"snapshot_id"`
	ParentID   string    `json:"parent_id,omitempty"`
	VMID       string    `json:"vm_id"`
	AppName    string    `json:"app_name,omitempty"`
	Version    string    `json:"version"`
	HugePages  bool      `json:"huge_pages"`
	Disks      []string  `json:"disks,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Unpacked is a snapshot extracted from a package.
type Unpacked struct {
	Manifest   Manifest
	StatePath  string
	MemoryPath string
	// Disks maps drive ids to their extracted backing files; it can be used
	// as the block overrides of a restore.
	Disks map[string]string
}

// Pack archives a snapshot together with the backing files of its disks,
// keyed by drive id.
func Pack(ctx context.Context, statePath, memPath string, disks map[string]string, outputPath string, hooks Hooks) (*Manifest, error) {
	state, version, err := snapshot.ReadFile(statePath)
	if err != nil {
		return nil, errors.Join(ErrCouldNotDescribeSnapshot, err)
	}

	manifest := &Manifest{
		SnapshotID: state.Machine.SnapshotID,
		ParentID:   state.Machine.ParentID,
		VMID:       state.Machine.ID,
		AppName:    state.Machine.AppName,
		Version:    version.String(),
		HugePages:  state.Machine.HugePages,
		Disks:      slices.Sorted(maps.Keys(disks)),
		CreatedAt:  time.Now().UTC(),
	}

	manifestDir, err := os.MkdirTemp("", "vmsnap-manifest-")
	if err != nil {
		return nil, errors.Join(ErrCouldNotEncodeManifest, err)
	}
	defer os.RemoveAll(manifestDir)

	manifestPath := filepath.Join(manifestDir, Filename(ManifestName))
	b, err := json.Marshal(manifest)
	if err != nil {
		return nil, errors.Join(ErrCouldNotEncodeManifest, err)
	}
	if err := os.WriteFile(manifestPath, b, 0o644); err != nil {
		return nil, errors.Join(ErrCouldNotEncodeManifest, err)
	}

	resources := []Resource{
		{Name: ManifestName, Path: manifestPath},
		{Name: StateName, Path: statePath},
		{Name: MemoryName, Path: memPath},
	}
	for _, driveID := range manifest.Disks {
		resources = append(resources, Resource{Name: DiskName(driveID), Path: disks[driveID]})
	}

	if err := Archive(ctx, resources, outputPath, hooks); err != nil {
		return nil, err
	}

	return manifest, nil
}

// ReadManifest extracts only the manifest of the package at inputPath.
func ReadManifest(ctx context.Context, inputPath string) (*Manifest, error) {
	dir, err := os.MkdirTemp("", "vmsnap-manifest-")
	if err != nil {
		return nil, errors.Join(ErrCouldNotDecodeManifest, err)
	}
	defer os.RemoveAll(dir)

	manifestPath := filepath.Join(dir, Filename(ManifestName))
	if err := Extract(ctx, inputPath, []Resource{{Name: ManifestName, Path: manifestPath}}, Hooks{}); err != nil {
		return nil, err
	}

	b, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, errors.Join(ErrCouldNotDecodeManifest, err)
	}

	var manifest Manifest
	if err := json.Unmarshal(b, &manifest); err != nil {
		return nil, errors.Join(ErrCouldNotDecodeManifest, err)
	}

	return &manifest, nil
}

// Unpack extracts every resource of the package at inputPath into dir.
func Unpack(ctx context.Context, inputPath, dir string, hooks Hooks) (*Unpacked, error) {
	manifest, err := ReadManifest(ctx, inputPath)
	if err != nil {
		return nil, err
	}

	unpacked := &Unpacked{
		Manifest:   *manifest,
		StatePath:  filepath.Join(dir, Filename(StateName)),
		MemoryPath: filepath.Join(dir, Filename(MemoryName)),
		Disks:      map[string]string{},
	}

	resources := []Resource{
		{Name: StateName, Path: unpacked.StatePath},
		{Name: MemoryName, Path: unpacked.MemoryPath},
	}
	for _, driveID := range manifest.Disks {
		name := DiskName(driveID)
		path := filepath.Join(dir, Filename(name))

		unpacked.Disks[driveID] = path
		resources = append(resources, Resource{Name: name, Path: path})
	}

	if err := Extract(ctx, inputPath, resources, hooks); err != nil {
		return nil, err
	}

	return unpacked, nil
}
