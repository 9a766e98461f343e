package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"
	v1 "github.com/loopholelabs/vmsnap/internal/api/http/v1"
	"github.com/loopholelabs/vmsnap/pkg/catalog"
	"github.com/loopholelabs/vmsnap/pkg/vmm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	defaultMachine, err := json.Marshal(v1.MachineConfig{
		VCPUCount:       vmm.DefaultVCPUCount,
		MemSizeMib:      vmm.DefaultMemSizeMib,
		TrackDirtyPages: true,
	})
	if err != nil {
		panic(err)
	}

	defaultSave, err := json.Marshal(v1.SnapshotCreateRequest{
		SnapshotType:   string(vmm.SnapshotTypeFull),
		SnapshotPath:   filepath.Join("out", "snapshot", "state.bin"),
		MemoryFilePath: filepath.Join("out", "snapshot", "memory.bin"),
	})
	if err != nil {
		panic(err)
	}

	describeSnapshot := flag.String("describe-snapshot", "", "Print the header and contents of a snapshot state file and exit")

	rawMachine := flag.String("machine", string(defaultMachine), "Machine configuration")
	rawDrives := flag.String("drives", "[]", "Drives configuration")
	rawPatches := flag.String("patch-drives", "[]", "Drives to move onto other host files after running the VM")
	rawRestore := flag.String("restore", "", "Snapshot load request; restores instead of booting a new VM if set")
	rawSave := flag.String("save", string(defaultSave), "Snapshot create request; empty to not save")

	runFor := flag.Duration("run-for", time.Second, "How long to run the VM before pausing it")
	memoryInfo := flag.Bool("memory-info", false, "Print guest memory info after pausing the VM")
	appName := flag.String("app-name", "vmsnap", "Application name recorded in snapshots")

	catalogAddr := flag.String("catalog-addr", "", "Valkey address of the snapshot catalog; an in-memory catalog is used if empty")
	catalogPrefix := flag.String("catalog-prefix", "vmsnap", "Key prefix of the snapshot catalog")

	serveMetrics := flag.String("metrics", "", "Address to serve Prometheus metrics on")
	verbose := flag.Bool("verbose", false, "Whether to enable debug logging")

	flag.Parse()

	log := logging.New(logging.Zerolog, "vmsnap", os.Stderr)
	if *verbose {
		log.SetLevel(types.DebugLevel)
	}

	if *describeSnapshot != "" {
		if err := describe(*describeSnapshot); err != nil {
			panic(err)
		}

		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt)
	go func() {
		<-done
		log.Info().Msg("Exiting gracefully")
		cancel()
	}()

	var metrics *vmm.Metrics
	if *serveMetrics != "" {
		reg := prometheus.NewRegistry()

		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		metrics = vmm.NewMetrics(reg)

		http.Handle("/metrics", promhttp.HandlerFor(
			reg,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          reg,
			},
		))

		go http.ListenAndServe(*serveMetrics, nil)
	}

	var cat catalog.Catalog = catalog.NewMemoryCatalog()
	if *catalogAddr != "" {
		vc, err := catalog.NewValkeyCatalog(*catalogAddr, *catalogPrefix)
		if err != nil {
			panic(err)
		}
		defer vc.Close()

		cat = vc
	}

	vm := vmm.New(vmm.Options{
		AppName: *appName,
		Log:     log,
		Metrics: metrics,
		Catalog: cat,
	})
	defer func() {
		if err := vm.Close(); err != nil {
			log.Error().Err(err).Msg("could not close VM")
		}
	}()

	if *rawRestore != "" {
		var req v1.SnapshotLoadRequest
		if err := json.Unmarshal([]byte(*rawRestore), &req); err != nil {
			panic(err)
		}

		params := req.Params()
		params.ResumeVM = true

		if err := vm.Restore(ctx, params); err != nil {
			panic(err)
		}
	} else {
		var machine v1.MachineConfig
		if err := json.Unmarshal([]byte(*rawMachine), &machine); err != nil {
			panic(err)
		}

		var drives []v1.Drive
		if err := json.Unmarshal([]byte(*rawDrives), &drives); err != nil {
			panic(err)
		}

		if err := vm.PutMachineConfiguration(machine.Configuration()); err != nil {
			panic(err)
		}

		for _, drive := range drives {
			if err := vm.AddBlock(drive.Configuration()); err != nil {
				panic(err)
			}
		}

		if err := vm.Start(); err != nil {
			panic(err)
		}
	}

	info, err := json.Marshal(v1.NewInstanceInfo(vm.InstanceInfo()))
	if err != nil {
		panic(err)
	}
	log.Info().Str("instance", string(info)).Msg("VM running")

	select {
	case <-ctx.Done():
	case <-time.After(*runFor):
	}

	var patches []v1.PartialDrive
	if err := json.Unmarshal([]byte(*rawPatches), &patches); err != nil {
		panic(err)
	}

	for _, patch := range patches {
		if err := vm.PatchBlock(ctx, patch.DriveID, patch.PathOnHost); err != nil {
			panic(err)
		}
	}

	if err := vm.Pause(); err != nil {
		panic(err)
	}

	if *memoryInfo {
		mi, err := vm.MemoryInfo()
		if err != nil {
			panic(err)
		}

		printMemoryInfo(v1.NewMemoryInfo(mi))
	}

	if *rawSave == "" {
		return
	}

	var req v1.SnapshotCreateRequest
	if err := json.Unmarshal([]byte(*rawSave), &req); err != nil {
		panic(err)
	}

	for _, p := range []string{req.SnapshotPath, req.MemoryFilePath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			panic(err)
		}
	}

	res, err := vm.Save(ctx, req.Params())
	if err != nil {
		panic(err)
	}

	printSaveResponse(res)
}
