// Copyright 2026 The ktOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// ktfstool builds and manipulates KTFS disk images from the host: it
// mounts the image through the same kernel filesystem code the machine
// boots with, so anything the tool writes the kernel reads.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"

	"ktos.dev/ktos/pkg/hw/machine"
	"ktos.dev/ktos/pkg/kio"
	"ktos.dev/ktos/pkg/ktfs"
	"ktos.dev/ktos/pkg/mem"
	"ktos.dev/ktos/pkg/sched"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(&mkfsCmd{}, "")
	subcommands.Register(&lsCmd{}, "")
	subcommands.Register(&putCmd{}, "")
	subcommands.Register(&getCmd{}, "")
	subcommands.Register(&rmCmd{}, "")
	flag.Parse()

	log.SetLevel(log.WarnLevel)
	os.Exit(int(subcommands.Execute(context.Background())))
}

// bootKernel brings up just enough of the kernel to run the filesystem
// on the host: a small machine, the page pool and the thread manager.
func bootKernel() {
	m := machine.New(4 << 20)
	mem.Init(m, machine.RAMStart, m.RAMEnd())
	sched.Init(m)
}

// withImage loads an image file, mounts it, runs fn and, when writeBack
// is set, writes the image back after a successful unmount.
func withImage(path string, writeBack bool, fn func(fs *ktfs.FS) error) error {
	img, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	bootKernel()
	fs, err := ktfs.Mount(kio.NewMemIO(img))
	if err != nil {
		return fmt.Errorf("mount %s: %w", path, err)
	}
	if err := fn(fs); err != nil {
		return err
	}
	if err := fs.Unmount(); err != nil {
		return err
	}
	if writeBack {
		return os.WriteFile(path, img, 0644)
	}
	return nil
}

func fail(err error) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, "ktfstool:", err)
	return subcommands.ExitFailure
}

type mkfsCmd struct {
	blocks uint
	inodes uint
}

func (*mkfsCmd) Name() string     { return "mkfs" }
func (*mkfsCmd) Synopsis() string { return "create an empty filesystem image" }
func (*mkfsCmd) Usage() string {
	return `mkfs [-blocks n] [-inodes n] <image>
  Lay out an empty filesystem across n 512-byte blocks.
`
}

func (c *mkfsCmd) SetFlags(f *flag.FlagSet) {
	f.UintVar(&c.blocks, "blocks", 4096, "total image size in blocks")
	f.UintVar(&c.inodes, "inodes", 256, "number of inodes (multiple of 16)")
}

func (c *mkfsCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return subcommands.ExitUsageError
	}
	img, err := ktfs.BuildImage(uint32(c.blocks), uint32(c.inodes))
	if err != nil {
		return fail(err)
	}
	if err := os.WriteFile(f.Arg(0), img, 0644); err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}

type lsCmd struct{}

func (*lsCmd) Name() string     { return "ls" }
func (*lsCmd) Synopsis() string { return "list files in an image" }
func (*lsCmd) Usage() string    { return "ls <image>\n" }
func (*lsCmd) SetFlags(*flag.FlagSet) {}

func (c *lsCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 1 {
		return subcommands.ExitUsageError
	}
	err := withImage(f.Arg(0), false, func(fs *ktfs.FS) error {
		names, err := fs.Names()
		if err != nil {
			return err
		}
		for _, n := range names {
			io, err := fs.Open(n)
			if err != nil {
				return err
			}
			size, _ := kio.GetEnd(io)
			kio.Close(io)
			fmt.Printf("%8d  %s\n", size, n)
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}

type putCmd struct{}

func (*putCmd) Name() string           { return "put" }
func (*putCmd) Synopsis() string       { return "copy a host file into an image" }
func (*putCmd) Usage() string          { return "put <image> <host-file> <name>\n" }
func (*putCmd) SetFlags(*flag.FlagSet) {}

func (c *putCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 3 {
		return subcommands.ExitUsageError
	}
	data, err := os.ReadFile(f.Arg(1))
	if err != nil {
		return fail(err)
	}
	err = withImage(f.Arg(0), true, func(fs *ktfs.FS) error {
		if err := fs.Create(f.Arg(2)); err != nil {
			return err
		}
		io, err := fs.Open(f.Arg(2))
		if err != nil {
			return err
		}
		defer kio.Close(io)
		if err := kio.SetEnd(io, uint64(len(data))); err != nil {
			return err
		}
		return kio.WriteAtFull(io, 0, data)
	})
	if err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}

type getCmd struct{}

func (*getCmd) Name() string           { return "get" }
func (*getCmd) Synopsis() string       { return "copy a file out of an image" }
func (*getCmd) Usage() string          { return "get <image> <name> <host-file>\n" }
func (*getCmd) SetFlags(*flag.FlagSet) {}

func (c *getCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 3 {
		return subcommands.ExitUsageError
	}
	err := withImage(f.Arg(0), false, func(fs *ktfs.FS) error {
		io, err := fs.Open(f.Arg(1))
		if err != nil {
			return err
		}
		defer kio.Close(io)
		size, err := kio.GetEnd(io)
		if err != nil {
			return err
		}
		data := make([]byte, size)
		if err := kio.ReadAtFull(io, 0, data); err != nil {
			return err
		}
		return os.WriteFile(f.Arg(2), data, 0644)
	})
	if err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}

type rmCmd struct{}

func (*rmCmd) Name() string           { return "rm" }
func (*rmCmd) Synopsis() string       { return "delete a file from an image" }
func (*rmCmd) Usage() string          { return "rm <image> <name>\n" }
func (*rmCmd) SetFlags(*flag.FlagSet) {}

func (c *rmCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 2 {
		return subcommands.ExitUsageError
	}
	err := withImage(f.Arg(0), true, func(fs *ktfs.FS) error {
		return fs.Delete(f.Arg(1))
	})
	if err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}
