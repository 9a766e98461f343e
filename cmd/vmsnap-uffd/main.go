package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/loopholelabs/logging"
	"github.com/loopholelabs/logging/types"
	"github.com/loopholelabs/vmsnap/pkg/uffd"
)

func main() {
	socketPath := flag.String("socket-path", filepath.Join("out", "uffd.sock"), "Path to the unix socket the VM hands its userfaultfd to")
	memPath := flag.String("mem-path", filepath.Join("out", "snapshot", "memory.bin"), "Memory file to serve page faults from")
	workers := flag.Int("workers", 4, "Amount of concurrent page fault workers")
	verbose := flag.Bool("verbose", false, "Whether to enable debug logging")

	flag.Parse()

	log := logging.New(logging.Zerolog, "vmsnap-uffd", os.Stderr)
	if *verbose {
		log.SetLevel(types.DebugLevel)
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

	mem, err := os.Open(*memPath)
	if err != nil {
		panic(err)
	}
	defer mem.Close()

	handler, err := uffd.Listen(*socketPath, log)
	if err != nil {
		panic(err)
	}
	defer handler.Close()

	log.Info().Str("socket", handler.Path()).Str("memory", *memPath).Msg("waiting for VM")

	if err := handler.Serve(ctx, mem, *workers); err != nil {
		panic(err)
	}
}
