package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/vmsnap/pkg/packager"
)

func main() {
	statePath := flag.String("state-path", filepath.Join("out", "snapshot", "state.bin"), "Path to the snapshot state file")
	memPath := flag.String("mem-path", filepath.Join("out", "snapshot", "memory.bin"), "Path to the snapshot memory file")
	rawDisks := flag.String("disks", "{}", "Backing files of the snapshot's drives, keyed by drive ID")

	packagePath := flag.String("package-path", filepath.Join("out", "snapshot.tar.zst"), "Path to package file")
	outputDir := flag.String("output-dir", filepath.Join("out", "extracted"), "Directory to extract the package to")

	extract := flag.Bool("extract", false, "Whether to extract or archive")

	flag.Parse()

	log := logging.New(logging.Zerolog, "vmsnap-packager", os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt)
	go func() {
		<-done
		log.Info().Msg("Exiting gracefully")
		cancel()
	}()

	hooks := func(verb string) packager.Hooks {
		return packager.Hooks{
			OnBeforeProcessFile: func(name, path string, size int64) {
				log.Info().Str("name", name).Str("path", path).Str("size", units.BytesSize(float64(size))).Msg(verb)
			},
		}
	}

	if *extract {
		unpacked, err := packager.Unpack(ctx, *packagePath, *outputDir, hooks("extracting resource"))
		if err != nil {
			panic(err)
		}

		overrides, err := json.Marshal(unpacked.Disks)
		if err != nil {
			panic(err)
		}

		log.Info().
			Str("snapshot_id", unpacked.Manifest.SnapshotID).
			Str("state", unpacked.StatePath).
			Str("memory", unpacked.MemoryPath).
			Str("block_overrides", string(overrides)).
			Msg("extracted snapshot")

		return
	}

	var disks map[string]string
	if err := json.Unmarshal([]byte(*rawDisks), &disks); err != nil {
		panic(err)
	}

	manifest, err := packager.Pack(ctx, *statePath, *memPath, disks, *packagePath, hooks("archiving resource"))
	if err != nil {
		panic(err)
	}

	log.Info().Str("snapshot_id", manifest.SnapshotID).Str("version", manifest.Version).Str("package", *packagePath).Msg("archived snapshot")
}
