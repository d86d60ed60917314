package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/fatih/color"
	"tractor.dev/layerfs/fs"
	"tractor.dev/layerfs/namespace"
	"tractor.dev/toolkit-go/engine/cli"
)

var (
	dirColor  = color.New(color.FgBlue, color.Bold)
	linkColor = color.New(color.FgCyan)
	errColor  = color.New(color.FgRed)
)

func lsCmd() *cli.Command {
	var long bool
	cmd := &cli.Command{
		Usage: "ls [path]",
		Short: "list a directory",
		Args:  cli.MaxArgs(1),
		Run: func(ctx *cli.Context, args []string) {
			n := open(ctx)
			defer n.Close()
			p := "/"
			if len(args) > 0 {
				p = args[0]
			}
			fatal(list(ctx, n.Session, os.Stdout, p, long))
		},
	}
	cmd.Flags().BoolVar(&long, "l", false, "long listing")
	return withConfig(cmd)
}

func list(ctx context.Context, s *namespace.Session, w io.Writer, p string, long bool) error {
	st, err := s.Stat(ctx, p)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		printEntry(w, path.Base(p), st, long)
		return nil
	}
	names, err := s.Readdir(ctx, p)
	if err != nil {
		return err
	}
	for _, name := range names {
		st, err := s.Lstat(ctx, path.Join(p, name))
		if err != nil {
			errColor.Fprintf(w, "%s: %v\n", name, err)
			continue
		}
		printEntry(w, name, st, long)
	}
	return nil
}

func printEntry(w io.Writer, name string, st *fs.Stats, long bool) {
	if long {
		fmt.Fprintf(w, "%s %5d %5d %8d %s ", st.FileMode(), st.UID, st.GID, st.Size, st.Mtime.Format(time.DateTime))
	}
	switch {
	case st.IsDir():
		dirColor.Fprintln(w, name+"/")
	case st.IsSymlink():
		linkColor.Fprintln(w, name)
	default:
		fmt.Fprintln(w, name)
	}
}

func catCmd() *cli.Command {
	return withConfig(&cli.Command{
		Usage: "cat <path>...",
		Short: "print file contents",
		Args:  cli.MinArgs(1),
		Run: func(ctx *cli.Context, args []string) {
			n := open(ctx)
			defer n.Close()
			for _, p := range args {
				data, err := n.ReadFile(ctx, p)
				fatal(err)
				os.Stdout.Write(data)
			}
		},
	})
}

func putCmd() *cli.Command {
	var appendData bool
	cmd := &cli.Command{
		Usage: "put <path>",
		Short: "write stdin to a file",
		Args:  cli.ExactArgs(1),
		Run: func(ctx *cli.Context, args []string) {
			n := open(ctx)
			defer n.Close()
			data, err := io.ReadAll(os.Stdin)
			fatal(err)
			if appendData {
				fatal(n.AppendFile(ctx, args[0], data, 0o644))
				return
			}
			fatal(n.WriteFile(ctx, args[0], data, 0o644))
		},
	}
	cmd.Flags().BoolVar(&appendData, "a", false, "append instead of truncating")
	return withConfig(cmd)
}

func mkdirCmd() *cli.Command {
	var parents bool
	cmd := &cli.Command{
		Usage: "mkdir <path>...",
		Short: "create directories",
		Args:  cli.MinArgs(1),
		Run: func(ctx *cli.Context, args []string) {
			n := open(ctx)
			defer n.Close()
			for _, p := range args {
				if parents {
					fatal(n.MkdirAll(ctx, p, 0o755))
				} else {
					fatal(n.Mkdir(ctx, p, 0o755))
				}
			}
		},
	}
	cmd.Flags().BoolVar(&parents, "p", false, "create parents as needed")
	return withConfig(cmd)
}

func rmCmd() *cli.Command {
	var recursive bool
	cmd := &cli.Command{
		Usage: "rm <path>...",
		Short: "remove files or directories",
		Args:  cli.MinArgs(1),
		Run: func(ctx *cli.Context, args []string) {
			n := open(ctx)
			defer n.Close()
			for _, p := range args {
				fatal(remove(ctx, n.Session, p, recursive))
			}
		},
	}
	cmd.Flags().BoolVar(&recursive, "r", false, "remove directories and their contents")
	return withConfig(cmd)
}

func remove(ctx context.Context, s *namespace.Session, p string, recursive bool) error {
	st, err := s.Lstat(ctx, p)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return s.Unlink(ctx, p)
	}
	if !recursive {
		return s.Rmdir(ctx, p)
	}
	var dirs []string
	err = s.Walk(ctx, p, func(name string, st *fs.Stats, err error) error {
		if err != nil {
			return err
		}
		if st.IsDir() {
			dirs = append(dirs, name)
			return nil
		}
		return s.Unlink(ctx, name)
	})
	if err != nil {
		return err
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := s.Rmdir(ctx, dirs[i]); err != nil {
			return err
		}
	}
	return nil
}

func mvCmd() *cli.Command {
	return withConfig(&cli.Command{
		Usage: "mv <old> <new>",
		Short: "rename a file or directory, across mounts if needed",
		Args:  cli.ExactArgs(2),
		Run: func(ctx *cli.Context, args []string) {
			n := open(ctx)
			defer n.Close()
			fatal(n.Rename(ctx, args[0], args[1]))
		},
	})
}

func statCmd() *cli.Command {
	return withConfig(&cli.Command{
		Usage: "stat <path>",
		Short: "show file metadata",
		Args:  cli.ExactArgs(1),
		Run: func(ctx *cli.Context, args []string) {
			n := open(ctx)
			defer n.Close()
			fatal(stat(ctx, n.Session, os.Stdout, args[0]))
		},
	})
}

func stat(ctx context.Context, s *namespace.Session, w io.Writer, p string) error {
	st, err := s.Lstat(ctx, p)
	if err != nil {
		return err
	}
	rp, err := s.Realpath(ctx, p)
	if err != nil {
		rp = p
	}
	fmt.Fprintf(w, "  Path: %s\n", rp)
	if st.IsSymlink() {
		if target, err := s.Readlink(ctx, p); err == nil {
			fmt.Fprintf(w, "Target: %s\n", target)
		}
	}
	fmt.Fprintf(w, "  Mode: %s (%04o)\n", st.FileMode(), st.Perm())
	fmt.Fprintf(w, "  Size: %d\n", st.Size)
	fmt.Fprintf(w, " Owner: %d:%d\n", st.UID, st.GID)
	fmt.Fprintf(w, "Access: %s\n", st.Atime.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "Modify: %s\n", st.Mtime.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "Change: %s\n", st.Ctime.Format(time.RFC3339Nano))
	fmt.Fprintf(w, " Birth: %s\n", st.Birthtime.Format(time.RFC3339Nano))
	if fsys, local, err := s.ResolveFS(p); err == nil {
		md := fsys.Metadata()
		fmt.Fprintf(w, " Mount: %s (%s)\n", md.Name, local)
	}
	return nil
}

func treeCmd() *cli.Command {
	return withConfig(&cli.Command{
		Usage: "tree [path]",
		Short: "print a directory tree",
		Args:  cli.MaxArgs(1),
		Run: func(ctx *cli.Context, args []string) {
			n := open(ctx)
			defer n.Close()
			root := "/"
			if len(args) > 0 {
				root = args[0]
			}
			fatal(tree(ctx, n.Session, os.Stdout, root))
		},
	})
}

func tree(ctx context.Context, s *namespace.Session, w io.Writer, root string) error {
	root = fs.Clean(root)
	return s.Walk(ctx, root, func(p string, st *fs.Stats, err error) error {
		if err != nil {
			errColor.Fprintf(w, "%s: %v\n", p, err)
			return nil
		}
		depth := 0
		if p != root {
			rel := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
			depth = strings.Count(rel, "/") + 1
		}
		fmt.Fprint(w, strings.Repeat("  ", depth))
		name := path.Base(p)
		if p == root {
			name = p
		}
		printEntry(w, name, st, false)
		return nil
	})
}

func findCmd() *cli.Command {
	return withConfig(&cli.Command{
		Usage: "find <pattern>",
		Short: "list paths matching a glob pattern such as /**/*.go",
		Args:  cli.ExactArgs(1),
		Run: func(ctx *cli.Context, args []string) {
			n := open(ctx)
			defer n.Close()
			matches, err := n.Glob(ctx, args[0])
			fatal(err)
			for _, m := range matches {
				fmt.Println(m)
			}
		},
	})
}
