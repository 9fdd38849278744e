package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/dls-controls/filewriter/internal/blockpool"
	"github.com/dls-controls/filewriter/internal/config"
	"github.com/dls-controls/filewriter/internal/control"
	"github.com/dls-controls/filewriter/internal/controller"
	"github.com/dls-controls/filewriter/internal/debug"
	"github.com/dls-controls/filewriter/internal/filewriter"
	"github.com/dls-controls/filewriter/internal/plugin"
	"github.com/dls-controls/filewriter/internal/shm"
	"github.com/dls-controls/filewriter/internal/stage"
	"github.com/dls-controls/filewriter/internal/store"
)

func init() {
	// don't import go.uber.org/automaxprocs directly to disable its log line
	_, _ = maxprocs.Set()
}

var (
	configPath string
	cpuProfile string
	memProfile string
)

var cmdRoot = &cobra.Command{
	Use:   "filewriter",
	Short: "Assemble detector frames into a chunked multi-dataset file",
	Long: `filewriter receives raw image frames from a detector readout over
shared memory, assembles them into a multi-dataset chunked on-disk file, and
coordinates multiple parallel writer processes sharing a common logical
output.`,
	SilenceErrors: true,
	SilenceUsage:  true,

	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	f := cmdRoot.PersistentFlags()
	f.StringVar(&configPath, "config", "", "bootstrap config file (YAML)")
	f.StringVar(&cpuProfile, "cpu-profile", "", "write a CPU profile to `dir`")
	f.StringVar(&memProfile, "mem-profile", "", "write a memory profile to `dir`")
}

func newBlockPool() *blockpool.Pool {
	return blockpool.New(blockpool.DefaultMaxTags)
}

func run(ctx context.Context) error {
	if cpuProfile != "" && memProfile != "" {
		return fmt.Errorf("only one profile (cpu or mem) may be active at a time")
	}
	if cpuProfile != "" {
		p := profile.Start(profile.Quiet, profile.NoShutdownHook, profile.CPUProfile, profile.ProfilePath(cpuProfile))
		defer p.Stop()
	} else if memProfile != "" {
		p := profile.Start(profile.Quiet, profile.NoShutdownHook, profile.MemProfile, profile.ProfilePath(memProfile))
		defer p.Stop()
	}

	if configPath == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	registry := plugin.NewRegistry()
	registry.Register("file_writer", func(string) (stage.Handler, error) {
		return filewriter.New(func() store.Store { return store.NewLocal() }), nil
	})

	shmFactory := func(_ context.Context, setup controller.ShmSetup) (*shm.Controller, error) {
		parser, err := shm.Open(setup.SharedMem)
		if err != nil {
			return nil, err
		}
		ready := make(chan shm.ReadyNotification)
		released := make(chan shm.ReleaseNotification)
		return shm.New(parser, newBlockPool(), ready, released, shm.SinkFullPolicy{}), nil
	}

	ctl := controller.New(registry, shmFactory)

	if cfg.CtrlEndpoint != "" {
		ctl.Dispatch(ctx, control.Message{"ctrl_endpoint": cfg.CtrlEndpoint})
	}
	for _, p := range cfg.Plugins {
		reply := ctl.Dispatch(ctx, control.Message{
			"plugin.load": control.Message{"index": uint64(p.Index), "name": p.Name, "library": p.Library},
		})
		if errMsg, ok := reply.String("error"); ok && errMsg != "" {
			debug.Log("plugin.load %q failed: %s", p.Name, errMsg)
		}
	}
	for _, c := range cfg.Connections {
		ctl.Dispatch(ctx, control.Message{
			"plugin.connect": control.Message{"index": uint64(c.Index), "connection": c.Connection},
		})
	}
	if cfg.SharedMem != "" {
		ctl.Dispatch(ctx, control.Message{
			"fr_setup": control.Message{
				"fr_shared_mem":   cfg.SharedMem,
				"fr_release_cnxn": cfg.ReleaseCnx,
				"fr_ready_cnxn":   cfg.ReadyCnx,
			},
		})
	}

	return ctl.Wait()
}

func main() {
	if err := cmdRoot.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "filewriter: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}
