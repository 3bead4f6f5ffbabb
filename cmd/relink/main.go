// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/relinktk/relink"
)

var (
	cfg    *relink.Config
	logger *zap.Logger
)

func main() {
	app := cli.NewApp()
	app.Name = "relink"
	app.Usage = "runtime object module loader and live updater"
	app.Description = "relink loads relocatable object modules into namespaces, links them\nin memory and applies live updates by atomic swap."
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"f"},
			Usage:   "configuration file",
			Value:   "relink.yaml",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "debug logging",
		},
	}
	app.Before = func(ctx *cli.Context) (err error) {
		cfg, err = relink.LoadConfig(ctx.String("config"))
		if err != nil {
			return err
		}
		logger, err = cfg.Logging.BuildLogger(ctx.Bool("verbose"))
		return err
	}
	app.After = func(ctx *cli.Context) error {
		if logger != nil {
			_ = logger.Sync()
		}
		return nil
	}
	app.Commands = []*cli.Command{
		{
			Name:   "list",
			Action: list,
			Usage:  "list builds available at the update source",
		},
		{
			Name:   "manifest",
			Action: manifest,
			Args:   true,
			Usage:  "print the manifest of a build, latest when omitted",
		},
		{
			Name:   "fetch",
			Action: fetch,
			Args:   true,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "directory to write into", Value: "."},
			},
			Usage: "download a build's files, verifying checksums",
		},
		{
			Name:   "inspect",
			Action: inspect,
			Args:   true,
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "dump", Usage: "dump the parsed object structures"},
				&cli.BoolFlag{Name: "sources", Usage: "list source files from debug info"},
			},
			Usage: "show sections, symbols and relocations of object files",
		},
		{
			Name:   "archive",
			Action: archive,
			Args:   true,
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "link", Usage: "link the archive in memory and report unresolved symbols"},
			},
			Usage: "list the contents of a boot archive",
		},
		{
			Name:   "apply",
			Action: apply,
			Args:   true,
			Usage:  "apply a build to the booted state as a live swap, latest when omitted",
		},
		{
			Name:   "serve",
			Action: serve,
			Usage:  "load the boot archive and apply updates as builds appear",
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "relink:", err)
		os.Exit(1)
	}
}

func list(ctx *cli.Context) error {
	src, err := cfg.BuildSource()
	if err != nil {
		return err
	}
	builds, err := src.Builds(ctx.Context)
	if err != nil {
		return err
	}
	for _, b := range builds {
		fmt.Println(b)
	}
	return nil
}

// buildArg resolves the command's build argument, defaulting to the latest.
func buildArg(ctx *cli.Context, src relink.UpdateSource) (string, error) {
	if build := ctx.Args().First(); build != "" {
		return build, nil
	}
	return relink.LatestBuild(ctx.Context, src)
}

func manifest(ctx *cli.Context) error {
	src, err := cfg.BuildSource()
	if err != nil {
		return err
	}
	build, err := buildArg(ctx, src)
	if err != nil {
		return err
	}
	mf, err := src.Manifest(ctx.Context, build)
	if err != nil {
		return err
	}
	fmt.Print(mf.String())
	return nil
}

func fetch(ctx *cli.Context) error {
	src, err := cfg.BuildSource()
	if err != nil {
		return err
	}
	build, err := buildArg(ctx, src)
	if err != nil {
		return err
	}
	mf, err := src.Manifest(ctx.Context, build)
	if err != nil {
		return err
	}
	outDir := filepath.Join(ctx.String("out"), build)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}
	for _, entry := range mf.Files() {
		data, err := src.Fetch(ctx.Context, build, entry.File)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", entry.File, err)
		}
		if err := entry.Verify(data); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(outDir, entry.File), data, 0644); err != nil {
			return err
		}
		logger.Info("fetched", zap.String("build", build), zap.String("file", entry.File))
	}
	if err := os.WriteFile(filepath.Join(outDir, "manifest"), []byte(mf.String()), 0644); err != nil {
		return err
	}
	fmt.Println(outDir)
	return nil
}

func inspect(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return fmt.Errorf("missing object file arguments")
	}
	for _, path := range ctx.Args().Slice() {
		obj, err := relink.OpenObject(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		printObject(obj)
		if ctx.Bool("sources") {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			files, err := relink.SourceFiles(data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			for _, f := range files {
				fmt.Printf("  source  %s\n", f)
			}
		}
		if ctx.Bool("dump") {
			sp := spew.NewDefaultConfig()
			sp.MaxDepth = 3
			sp.Dump(obj)
		}
	}
	return nil
}

func printObject(obj *relink.Object) {
	fmt.Printf("%s (%s, hash %s)\n", obj.Name, obj.Type, obj.HashString()[:12])
	if obj.Toolchain != "" {
		fmt.Printf("  built by %s\n", obj.Toolchain)
	}
	if obj.BuildID != "" {
		fmt.Printf("  build id %s\n", obj.BuildID)
	}
	for _, sec := range obj.Sections {
		fmt.Printf("  section %-24s %-7s size=%#-8x align=%d relocs=%d\n",
			sec.Name, sec.Kind, sec.Size, sec.Align, len(sec.Relocs))
	}
	for _, sym := range obj.Symbols {
		if !sym.Defined() {
			continue
		}
		fmt.Printf("  symbol  %-40s %-6s section=%d value=%#x size=%#x\n",
			sym.Name, sym.Visibility, sym.Section, sym.Value, sym.Size)
	}
	if undef := obj.UndefinedSymbols(); len(undef) > 0 {
		fmt.Printf("  undefined (%d):\n", len(undef))
		for _, name := range undef {
			fmt.Printf("    %s\n", name)
		}
	}
}

func archive(ctx *cli.Context) error {
	path := ctx.Args().First()
	if path == "" {
		path = cfg.Boot.Archive
	}
	if path == "" {
		return fmt.Errorf("missing archive argument and no boot archive configured")
	}
	ar, err := relink.OpenBootArchive(path)
	if err != nil {
		return err
	}
	for _, bm := range ar.Modules {
		fmt.Printf("%-12s %s (%d bytes)\n", bm.Type, bm.Name, len(bm.Data))
	}
	for name, data := range ar.Extra {
		fmt.Printf("%-12s %s (%d bytes)\n", "extra", name, len(data))
	}
	if !ctx.Bool("link") {
		return nil
	}
	ns := relink.NewNamespace(relink.TypeKernel.DefaultNamespace(), relink.WithLogger(logger))
	mods, err := ns.LoadBootArchive(ctx.Context, ar, relink.TypeKernel)
	if err != nil {
		return fmt.Errorf("linking archive: %w", err)
	}
	if err := ns.Verify(); err != nil {
		return err
	}
	fmt.Printf("linked %d modules, all patch sites verified\n", len(mods))
	return nil
}

// bootNamespace builds the configured namespace layout and loads the boot
// archive into the root namespace when one is configured.
func bootNamespace(ctx context.Context) (*relink.Namespace, error) {
	namespaces, err := cfg.BuildNamespaces(logger)
	if err != nil {
		return nil, err
	}
	rootName := relink.TypeKernel.DefaultNamespace()
	if len(cfg.Namespaces) > 0 {
		rootName = cfg.Namespaces[0].Name
	}
	ns := namespaces[rootName]
	if cfg.Boot.Archive == "" {
		return ns, nil
	}
	ar, err := relink.OpenBootArchive(cfg.Boot.Archive)
	if err != nil {
		return nil, err
	}
	mods, err := ns.LoadBootArchive(ctx, ar, relink.TypeKernel)
	if err != nil {
		return nil, fmt.Errorf("loading boot archive: %w", err)
	}
	logger.Info("boot archive loaded",
		zap.String("archive", cfg.Boot.Archive),
		zap.Int("modules", len(mods)))
	return ns, nil
}

// apply runs one update end to end against the booted state and prints how
// far the swap came.
func apply(ctx *cli.Context) error {
	src, err := cfg.BuildSource()
	if err != nil {
		return err
	}
	build, err := buildArg(ctx, src)
	if err != nil {
		return err
	}
	ns, err := bootNamespace(ctx.Context)
	if err != nil {
		return err
	}
	report, err := ns.ApplyUpdate(ctx.Context, src, build, cfg.UpdateOptions())
	if report != nil {
		fmt.Printf("swap %s reached %s in %v\n", report.ID, report.State, report.Duration)
		for _, name := range report.Replaced {
			fmt.Printf("  replaced %s\n", name)
		}
		for _, name := range report.Loaded {
			fmt.Printf("  loaded   %s\n", name)
		}
	}
	if err != nil {
		return err
	}
	if err := ns.Verify(); err != nil {
		return err
	}
	fmt.Println("all patch sites verified")
	return nil
}

func serve(ctx *cli.Context) error {
	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ns, err := bootNamespace(runCtx)
	if err != nil {
		return err
	}

	src, err := cfg.BuildSource()
	if err != nil {
		return err
	}
	opts := cfg.UpdateOptions()

	apply := func(build string) {
		report, err := ns.ApplyUpdate(runCtx, src, build, opts)
		if err != nil {
			logger.Error("update failed", zap.String("build", build), zap.Error(err))
			return
		}
		if err := ns.Verify(); err != nil {
			logger.Error("verification failed after update", zap.String("build", build), zap.Error(err))
			return
		}
		logger.Info("update applied",
			zap.String("build", build),
			zap.Stringer("swap", report.ID),
			zap.Int("replaced", len(report.Replaced)),
			zap.Int("loaded", len(report.Loaded)))
	}

	if dir, ok := src.(*relink.DirSource); ok {
		builds, err := dir.Watch(runCtx)
		if err != nil {
			return err
		}
		logger.Info("watching for builds", zap.String("root", dir.Root))
		for build := range builds {
			apply(build)
		}
		return nil
	}

	// Sources without change notification are polled.
	var last string
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	logger.Info("polling for builds")
	for {
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
		}
		if g, ok := src.(*relink.GitSource); ok {
			g.Refresh()
		}
		build, err := relink.LatestBuild(runCtx, src)
		if err != nil {
			logger.Warn("listing builds failed", zap.Error(err))
			continue
		}
		if build == last {
			continue
		}
		last = build
		apply(build)
	}
}
