// Command wavecell runs a simulation described by a JSON pipeline file.
//
// A single-process run only needs the description:
//
//	wavecell -config case.json -steps 100
//
// A distributed run starts one process per rank, each naming its own rank
// and the listen addresses of all ranks:
//
//	wavecell -config case.json -steps 100 -rank 0 -peers ":7070,:7071"
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/wavecell/wavecell/config"
	"github.com/wavecell/wavecell/device"
	"github.com/wavecell/wavecell/engine"
	"github.com/wavecell/wavecell/transport"
)

func main() {
	var (
		configPath = flag.String("config", "", "simulation description (JSON)")
		steps      = flag.Int("steps", 1, "number of steps to run")
		rank       = flag.Int("rank", 0, "rank of this process in a distributed run")
		peers      = flag.String("peers", "", "comma-separated listen addresses of all ranks")
		timeout    = flag.Duration("connect-timeout", 30*time.Second, "peer connection timeout")
		profile    = flag.Bool("profile", false, "print per-tool timing statistics")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *configPath == "" {
		logger.Error("no -config given")
		os.Exit(2)
	}

	device.RegisterCPUBackend()

	var tr transport.Transport
	if *peers != "" {
		addrs := strings.Split(*peers, ",")
		mesh, err := transport.ConnectMesh(*rank, addrs, *timeout)
		if err != nil {
			logger.Error("joining mesh", "rank", *rank, "err", err)
			os.Exit(1)
		}
		defer mesh.Close()
		tr = mesh
		logger.Info("mesh connected", "rank", *rank, "size", len(addrs))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("loading description", "path", *configPath, "err", err)
		os.Exit(1)
	}
	srv, err := config.Build(cfg, engine.Options{Logger: logger}, tr)
	if err != nil {
		logger.Error("building pipeline", "err", err)
		os.Exit(1)
	}
	defer srv.Close()

	start := time.Now()
	for i := 0; i < *steps; i++ {
		if err := srv.Step(); err != nil {
			logger.Error("step failed", "step", i, "err", err)
			os.Exit(1)
		}
	}
	if err := srv.Finish(); err != nil {
		logger.Error("draining queue", "err", err)
		os.Exit(1)
	}
	logger.Info("run complete", "steps", *steps, "elapsed", time.Since(start))

	if *profile {
		printProfile(srv)
	}
}

func printProfile(srv *engine.Server) {
	fmt.Printf("%-40s %8s %12s %12s\n", "tool", "iters", "mean", "stddev")
	for _, t := range srv.Tools() {
		st := t.Stats()
		fmt.Printf("%-40s %8d %12.6fs %12.6fs\n",
			t.Name(), st.Iterations(), st.Mean(), st.StdDev())
	}
}
