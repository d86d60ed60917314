package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"

	"golang.org/x/term"
	"tractor.dev/layerfs/internal/config"
	"tractor.dev/layerfs/namespace"
	"tractor.dev/toolkit-go/engine/cli"
)

func envCmd() *cli.Command {
	return &cli.Command{
		Usage: "env",
		Short: "list the environment variables read by the config",
		Args:  cli.ExactArgs(0),
		Run: func(ctx *cli.Context, args []string) {
			fmt.Println(config.Describe())
		},
	}
}

func shellCmd() *cli.Command {
	return withConfig(&cli.Command{
		Usage: "shell",
		Short: "interactive shell over the namespace",
		Args:  cli.ExactArgs(0),
		Run: func(ctx *cli.Context, args []string) {
			n := open(ctx)
			defer n.Close()
			sh := &shell{s: n.Session, cwd: "/"}

			fd := int(os.Stdin.Fd())
			if !term.IsTerminal(fd) {
				scanner := bufio.NewScanner(os.Stdin)
				sh.run(ctx, func() (string, bool) {
					ok := scanner.Scan()
					return scanner.Text(), ok
				}, os.Stdout)
				return
			}
			oldState, err := term.MakeRaw(fd)
			fatal(err)
			defer term.Restore(fd, oldState)

			// the terminal converts newlines to CRLF on write
			t := term.NewTerminal(struct {
				io.Reader
				io.Writer
			}{os.Stdin, os.Stdout}, "")
			sh.run(ctx, func() (string, bool) {
				t.SetPrompt(sh.cwd + "> ")
				line, err := t.ReadLine()
				return line, err == nil
			}, t)
		},
	})
}

type shell struct {
	s   *namespace.Session
	cwd string
}

func (sh *shell) abs(p string) string {
	if path.IsAbs(p) {
		return p
	}
	return path.Join(sh.cwd, p)
}

// run executes lines until readLine fails or "exit" is read.
func (sh *shell) run(ctx context.Context, readLine func() (string, bool), w io.Writer) {
	for {
		line, ok := readLine()
		if !ok {
			return
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return
		}
		if err := sh.exec(ctx, w, args); err != nil {
			errColor.Fprintf(w, "%s: %v\n", args[0], err)
		}
	}
}

func (sh *shell) exec(ctx context.Context, w io.Writer, args []string) error {
	arg := func(i int, def string) string {
		if i < len(args) {
			return sh.abs(args[i])
		}
		return def
	}
	switch args[0] {
	case "pwd":
		fmt.Fprintf(w, "%s\n", sh.cwd)
	case "cd":
		p := arg(1, "/")
		st, err := sh.s.Stat(ctx, p)
		if err != nil {
			return err
		}
		if !st.IsDir() {
			return fmt.Errorf("%s: not a directory", p)
		}
		sh.cwd = path.Clean(p)
	case "ls":
		return list(ctx, sh.s, w, arg(1, sh.cwd), false)
	case "ll":
		return list(ctx, sh.s, w, arg(1, sh.cwd), true)
	case "cat":
		data, err := sh.s.ReadFile(ctx, arg(1, ""))
		if err != nil {
			return err
		}
		w.Write(data)
	case "echo":
		// echo text > file
		if i := slices.Index(args, ">"); i > 0 && i+1 < len(args) {
			data := strings.Join(args[1:i], " ") + "\n"
			return sh.s.WriteFile(ctx, sh.abs(args[i+1]), []byte(data), 0o644)
		}
		fmt.Fprintf(w, "%s\n", strings.Join(args[1:], " "))
	case "mkdir":
		return sh.s.MkdirAll(ctx, arg(1, ""), 0o755)
	case "rm":
		return remove(ctx, sh.s, arg(1, ""), false)
	case "rmtree":
		return remove(ctx, sh.s, arg(1, ""), true)
	case "mv":
		return sh.s.Rename(ctx, arg(1, ""), arg(2, ""))
	case "ln":
		if len(args) < 3 {
			return fmt.Errorf("usage: ln <target> <path>")
		}
		return sh.s.Symlink(ctx, args[1], sh.abs(args[2]))
	case "stat":
		return stat(ctx, sh.s, w, arg(1, sh.cwd))
	case "tree":
		return tree(ctx, sh.s, w, arg(1, sh.cwd))
	case "find":
		matches, err := sh.s.Glob(ctx, arg(1, ""))
		if err != nil {
			return err
		}
		for _, m := range matches {
			fmt.Fprintf(w, "%s\n", m)
		}
	case "mounts":
		for _, m := range sh.s.MountPoints() {
			fsys, _ := sh.s.MountAt(m)
			md := fsys.Metadata()
			fmt.Fprintf(w, "%-20s %s ro=%v sync=%v\n", m, md.Name, md.ReadOnly, md.Synchronous)
		}
	case "help":
		fmt.Fprint(w, "pwd cd ls ll cat echo mkdir rm rmtree mv ln stat tree find mounts exit\n")
	default:
		return fmt.Errorf("unknown command")
	}
	return nil
}
