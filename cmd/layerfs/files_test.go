package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/fatih/color"
	"tractor.dev/layerfs/fs"
	"tractor.dev/layerfs/fs/kvfs"
	"tractor.dev/layerfs/fs/kvstore/memstore"
	"tractor.dev/layerfs/namespace"
)

func testSession(t *testing.T) *namespace.Session {
	t.Helper()
	color.NoColor = true
	s := namespace.New(fs.RootCred)
	for _, p := range []string{"/", "/mnt"} {
		fsys, err := kvfs.NewSync(memstore.New())
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Mount(context.Background(), p, fsys); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestShell(t *testing.T) {
	ctx := context.Background()
	sh := &shell{s: testSession(t), cwd: "/"}
	var out bytes.Buffer
	for _, line := range []string{
		"mkdir /a/b",
		"cd /a",
		"echo hello world > b/greeting",
		"mv b/greeting /mnt/greeting",
		"cat /mnt/greeting",
		"pwd",
		"ls /",
	} {
		out.Reset()
		if err := sh.exec(ctx, &out, strings.Fields(line)); err != nil {
			t.Fatalf("%s: %v", line, err)
		}
	}
	if got, want := out.String(), "a/\nmnt/\n"; got != want {
		t.Fatalf("ls / = %q, want %q", got, want)
	}
	if sh.cwd != "/a" {
		t.Fatalf("cwd = %q", sh.cwd)
	}
	data, err := sh.s.ReadFile(ctx, "/mnt/greeting")
	if err != nil || string(data) != "hello world\n" {
		t.Fatalf("greeting = %q, %v", data, err)
	}
	if err := sh.exec(ctx, &out, []string{"cd", "/mnt/greeting"}); err == nil {
		t.Fatal("cd into a file succeeded")
	}
}

func TestRemoveRecursive(t *testing.T) {
	ctx := context.Background()
	s := testSession(t)
	if err := s.MkdirAll(ctx, "/x/y/z", 0o755); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFile(ctx, "/x/y/f", []byte("f"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := remove(ctx, s, "/x", false); err == nil {
		t.Fatal("non-recursive remove of a full directory succeeded")
	}
	if err := remove(ctx, s, "/x", true); err != nil {
		t.Fatal(err)
	}
	if s.Exists(ctx, "/x") {
		t.Fatal("/x still exists")
	}
}

func TestTree(t *testing.T) {
	ctx := context.Background()
	s := testSession(t)
	if err := s.MkdirAll(ctx, "/d/e", 0o755); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := tree(ctx, s, &out, "/d"); err != nil {
		t.Fatal(err)
	}
	if got, want := out.String(), "/d/\n  e/\n"; got != want {
		t.Fatalf("tree = %q, want %q", got, want)
	}
}
