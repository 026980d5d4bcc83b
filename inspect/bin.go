package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/osfree-project/l4exec"
	"github.com/osfree-project/l4exec/debuginfo"
	"github.com/osfree-project/l4exec/env"
	"github.com/osfree-project/l4exec/image"
	"github.com/osfree-project/l4exec/status"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatalf("failure %s", err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Usage = "l4 program loader inspector"
	app.Name = "inspect"
	app.Description = "probe, load and dump i386 ELF programs the way the l4 loader sees them"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{
			Name:    "debug",
			Aliases: []string{"d"},
		},
		&cli.StringSliceFlag{
			Name:    "path",
			Aliases: []string{"L"},
			Usage:   "library search path",
			Value:   cli.NewStringSlice("/lib", "/usr/lib"),
			EnvVars: []string{"L4EXEC_LIBRARY_PATH"},
		},
		&cli.StringFlag{
			Name:    "backend",
			Usage:   "region backend, one of " + strings.Join(backendNames(), ","),
			Value:   "memory",
			EnvVars: []string{"L4EXEC_BACKEND"},
		},
		&cli.StringFlag{
			Name:  "bootstrap",
			Usage: "bootstrap library file name",
			Value: "libld-l4.s.so",
		},
		&cli.IntFlag{
			Name:  "max-deps",
			Usage: "bound of NEEDED entries per object",
			Value: 32,
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "probe",
			Action: probe,
			Args:   true,
			Usage:  "check whether the images can be loaded, without loading them",
		},
		{
			Name:   "deps",
			Action: deps,
			Args:   true,
			Usage:  "load a program and print every exec object with its dependencies",
		},
		{
			Name:   "load",
			Action: load,
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "link", Aliases: []string{"k"}, Usage: "link the program after loading"},
				&cli.BoolFlag{Name: "dump", Usage: "dump the environment descriptor"},
			},
			Args:  true,
			Usage: "load a program and print its environment sections",
		},
		{
			Name:   "symbols",
			Action: symbols,
			Args:   true,
			Usage:  "print the symbol side-table of a program",
		},
		{
			Name:   "lines",
			Action: lines,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "write the raw side-table to a file"},
			},
			Args:  true,
			Usage: "print the line side-table of a program",
		},
	}
	return app
}

func logger(ctx *cli.Context) (*zap.Logger, error) {
	if ctx.Bool("debug") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newLoader(ctx *cli.Context) (l4exec.Loader, func(), error) {
	lg, err := logger(ctx)
	if err != nil {
		return nil, nil, err
	}
	b, ok := backends[ctx.String("backend")]
	if !ok {
		return nil, nil, fmt.Errorf("unknown backend %q, want one of %v", ctx.String("backend"), backendNames())
	}
	l, err := l4exec.New(
		l4exec.WithLogger(lg),
		l4exec.WithRegions(b(lg)),
		l4exec.WithSearch(ctx.StringSlice("path")...),
		l4exec.WithBootstrap(ctx.String("bootstrap"), "_dl_start"),
		l4exec.WithMaxDeps(ctx.Int("max-deps")),
	)
	if err != nil {
		return nil, nil, err
	}
	return l, func() { _ = lg.Sync() }, nil
}

// program opens the single program argument and hands it to f, closing it afterwards.
func program(ctx *cli.Context, flags l4exec.Flags, f func(l l4exec.Loader, e *env.Descriptor) error) (err error) {
	if ctx.NArg() != 1 {
		return fmt.Errorf("want exactly one program, got %d", ctx.NArg())
	}
	l, done, err := newLoader(ctx)
	if err != nil {
		return
	}
	defer done()
	e, err := l.Open(ctx.Args().First(), nil, flags)
	if err != nil {
		return fmt.Errorf("open %s: %w [%s]", ctx.Args().First(), err, status.Of(err))
	}
	defer func() {
		if cerr := l.Close(e); err == nil {
			err = cerr
		}
	}()
	return f(l, e)
}

func probe(ctx *cli.Context) (err error) {
	o := ctx.Args().Slice()
	if len(o) == 0 {
		return fmt.Errorf("missing image list")
	}
	l, done, err := newLoader(ctx)
	if err != nil {
		return
	}
	defer done()
	failed := 0
	for _, p := range o {
		var b []byte
		if b, err = os.ReadFile(p); err != nil {
			return
		}
		perr := l.ProbeType(&image.Image{Path: p, Data: b})
		if perr != nil {
			failed++
			fmt.Fprintf(ctx.App.Writer, "%s: %s (%v)\n", p, status.Of(perr), perr)
			continue
		}
		fmt.Fprintf(ctx.App.Writer, "%s: %s\n", p, status.OK)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images rejected", failed, len(o))
	}
	return nil
}

func deps(ctx *cli.Context) error {
	return program(ctx, 0, func(l l4exec.Loader, e *env.Descriptor) error {
		for _, o := range l.Objects() {
			fmt.Fprintln(ctx.App.Writer, o)
			for _, d := range o.Deps {
				fmt.Fprintf(ctx.App.Writer, "\t-> %s\n", d)
			}
		}
		return nil
	})
}

func load(ctx *cli.Context) error {
	return program(ctx, 0, func(l l4exec.Loader, e *env.Descriptor) (err error) {
		if ctx.Bool("link") {
			if err = l.Link(e); err != nil {
				fmt.Fprintf(ctx.App.Writer, "link: %v [%s]\n", err, status.Of(err))
			}
		}
		w := ctx.App.Writer
		fmt.Fprintf(w, "entry %08x, program entry %08x\n", e.Entry1st, e.Entry2nd)
		for _, s := range e.Sections() {
			fmt.Fprintln(w, s.String())
		}
		if ctx.Bool("dump") {
			spew.Fdump(w, e.Sections())
		}
		return
	})
}

func symbols(ctx *cli.Context) error {
	return program(ctx, l4exec.CollectSymbols, func(l l4exec.Loader, e *env.Descriptor) error {
		r, err := l.Symbols(e)
		if err != nil {
			return err
		}
		_, err = ctx.App.Writer.Write(r.Bytes())
		return err
	})
}

func lines(ctx *cli.Context) error {
	return program(ctx, l4exec.CollectLines, func(l l4exec.Loader, e *env.Descriptor) error {
		r, err := l.Lines(e)
		if err != nil {
			return err
		}
		if out := ctx.String("out"); out != "" {
			return save(out, r.Bytes())
		}
		tables, err := debuginfo.DecodeAll(r.Bytes())
		if err != nil {
			return err
		}
		for _, t := range tables {
			printLines(ctx.App.Writer, t)
		}
		return nil
	})
}

func printLines(w io.Writer, t *debuginfo.Table) {
	for _, l := range t.Lines {
		switch l.Line {
		case debuginfo.SourceFile:
			fmt.Fprintf(w, "file %s\n", t.String(l.Value))
		case debuginfo.Directory:
			fmt.Fprintf(w, "dir  %s\n", t.String(l.Value))
		case debuginfo.IncludeFile:
			fmt.Fprintf(w, "incl %s\n", t.String(l.Value))
		default:
			fmt.Fprintf(w, "%08x %d\n", l.Value, l.Line)
		}
	}
}

func save(name string, b []byte) (err error) {
	f, err := os.Create(name)
	if err != nil {
		return
	}
	defer fn.IgnoreClose(f)
	_, err = f.Write(b)
	return
}
