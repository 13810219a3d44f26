package main

import (
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"stylus-builder/internal/protocol"
	"stylus-builder/internal/stream"
)

var buildCmd = &cobra.Command{
	Use:   "build <file|dir>",
	Short: "Build a contract once and stream events as NDJSON",
	Long: `Build compiles a single entry-point file or a whole project directory
in a fresh workspace and writes every event to stdout, one JSON object per
line. The workspace is removed before the command exits.`,
	Args: cobra.ExactArgs(1),
	RunE: runBuild,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove workspaces older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, registry, err := newService()
		if err != nil {
			return err
		}
		n := registry.Sweep()
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d workspace(s) from %s\n", n, registry.Root())
		return nil
	},
}

func runBuild(cmd *cobra.Command, args []string) error {
	req, err := loadBuildRequest(args[0])
	if err != nil {
		return err
	}

	cfg.RetainOnSuccess = false
	svc, registry, err := newService()
	if err != nil {
		return err
	}
	defer registry.Shutdown()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink := stream.NewChannelSink(0, 0)
	done := make(chan protocol.CompilationResult, 1)
	go func() {
		defer sink.Finish()
		done <- svc.Build(ctx, req, sink)
	}()

	if err := stream.WriteNDJSON(sink, cmd.OutOrStdout(), nil, nil); err != nil {
		stop()
		for range sink.C() {
		}
		<-done
		return err
	}

	res := <-done
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		return fmt.Errorf("build failed: %s", msg)
	}
	if res.ArtifactSizeBytes != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "artifact: %s\n", humanize.IBytes(uint64(*res.ArtifactSizeBytes)))
	}
	return nil
}

// loadBuildRequest reads a single source file into Code, or every
// non-hidden file under a directory into Files. Build output directories
// are skipped.
func loadBuildRequest(path string) (protocol.BuildRequest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return protocol.BuildRequest{}, err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return protocol.BuildRequest{}, err
		}
		return protocol.BuildRequest{Code: string(data)}, nil
	}

	var files []protocol.ProjectFile
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if p != path && (strings.HasPrefix(name, ".") || (d.IsDir() && name == "target")) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files = append(files, protocol.ProjectFile{Path: filepath.ToSlash(rel), Content: string(data)})
		return nil
	})
	if err != nil {
		return protocol.BuildRequest{}, fmt.Errorf("read project %s: %w", path, err)
	}
	if len(files) == 0 {
		return protocol.BuildRequest{}, fmt.Errorf("no source files found in %s", path)
	}
	return protocol.BuildRequest{Files: files}, nil
}
