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

// ktos boots the kernel on a virtualized machine: RAM, timer, a serial
// console on the host terminal, a clock device and a block device
// backed by a disk image, with the filesystem mounted over it. The
// calling goroutine becomes the kernel's main thread and runs a small
// monitor on the console.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"ktos.dev/ktos/pkg/dev"
	"ktos.dev/ktos/pkg/dev/blk"
	"ktos.dev/ktos/pkg/dev/rtc"
	"ktos.dev/ktos/pkg/dev/uart"
	"ktos.dev/ktos/pkg/hw/machine"
	"ktos.dev/ktos/pkg/kerror"
	"ktos.dev/ktos/pkg/kio"
	"ktos.dev/ktos/pkg/ktfs"
	"ktos.dev/ktos/pkg/proc"
	"ktos.dev/ktos/pkg/sched"
	"ktos.dev/ktos/pkg/vm"
)

type config struct {
	RAMSize  int    `toml:"ram_size"`
	Disk     string `toml:"disk"`
	LogLevel string `toml:"log_level"`
}

func main() {
	configPath := flag.String("config", "ktos.toml", "machine configuration")
	flag.Parse()

	var cfg config
	if _, err := toml.DecodeFile(*configPath, &cfg); err != nil {
		fmt.Fprintln(os.Stderr, "ktos:", err)
		os.Exit(1)
	}
	if cfg.LogLevel != "" {
		lvl, err := log.ParseLevel(cfg.LogLevel)
		if err != nil {
			fmt.Fprintln(os.Stderr, "ktos:", err)
			os.Exit(1)
		}
		log.SetLevel(lvl)
	}

	var restore func()
	if term.IsTerminal(int(os.Stdin.Fd())) {
		state, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err == nil {
			restore = func() { term.Restore(int(os.Stdin.Fd()), state) }
		}
	}
	code := run(&cfg)
	if restore != nil {
		restore()
	}
	os.Exit(code)
}

func run(cfg *config) int {
	m := machine.New(cfg.RAMSize)
	m.SetRealtime(true)
	m.SetHaltFn(func(code int) {
		os.Exit(code)
	})

	vm.Init(m)
	sched.Init(m)
	if _, err := sched.StartInterrupter(); err != nil {
		log.WithError(err).Fatal("ktos: interrupter")
	}
	proc.Init(m)

	ser, err := uart.New(m, "ser", os.Stdout)
	if err != nil {
		log.WithError(err).Fatal("ktos: uart")
	}
	if _, err := rtc.New("rtc", func() uint64 { return uint64(time.Now().UnixNano()) }); err != nil {
		log.WithError(err).Fatal("ktos: rtc")
	}

	var fs *ktfs.FS
	var diskImg []byte
	if cfg.Disk != "" {
		img, err := os.ReadFile(cfg.Disk)
		if err != nil {
			log.WithError(err).Fatal("ktos: disk image")
		}
		diskImg = img
		d, err := blk.New(img)
		if err != nil {
			log.WithError(err).Fatal("ktos: block device")
		}
		if _, err := d.Register("blk"); err != nil {
			log.WithError(err).Fatal("ktos: block device")
		}
		fs, err = ktfs.Mount(kio.AddRef(d))
		if err != nil {
			log.WithError(err).Fatal("ktos: mount")
		}
		proc.SetRootFS(fs)
	}

	console, err := dev.Open("ser", 0)
	if err != nil {
		log.WithError(err).Fatal("ktos: console")
	}
	proc.SetConsole(console)

	// The console pump is the only host-side actor; the calling
	// goroutine stays the kernel's main thread and runs the monitor.
	var g errgroup.Group
	g.Go(func() error { return ser.Pump(os.Stdin) })

	monitor(console, fs)
	if fs != nil {
		if err := fs.Flush(); err != nil {
			log.WithError(err).Error("ktos: flush")
		}
		if diskImg != nil {
			if err := os.WriteFile(cfg.Disk, diskImg, 0644); err != nil {
				log.WithError(err).Error("ktos: disk writeback")
			}
		}
	}
	return 0
}

// monitor is the kernel-mode console shell.
func monitor(console kio.IO, fs *ktfs.FS) {
	say := func(format string, args ...any) {
		console.Write([]byte(fmt.Sprintf(format, args...)))
	}
	say("ktos monitor; type 'help'\r\n")
	for {
		say("> ")
		line := readLine(console)
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]
		switch cmd {
		case "help":
			say("commands: ls cat create write rm sync time halt\r\n")
		case "halt":
			if fs != nil {
				fs.Flush()
			}
			return
		case "time":
			clock, err := dev.Open("rtc", 0)
			if err != nil {
				say("rtc: %v\r\n", err)
				continue
			}
			var b [8]byte
			if _, err := clock.Read(b[:]); err == nil {
				ns := int64(binary.LittleEndian.Uint64(b[:]))
				say("%s\r\n", time.Unix(0, ns).Format(time.RFC3339))
			}
			kio.Close(clock)
		case "ls":
			if fs == nil {
				say("no filesystem\r\n")
				continue
			}
			names, err := fs.Names()
			if err != nil {
				say("ls: %v\r\n", err)
				continue
			}
			for _, n := range names {
				say("%s\r\n", n)
			}
		case "create":
			if fs == nil || len(args) != 1 {
				say("usage: create <name>\r\n")
				continue
			}
			if err := fs.Create(args[0]); err != nil {
				say("create: %v\r\n", err)
			}
		case "rm":
			if fs == nil || len(args) != 1 {
				say("usage: rm <name>\r\n")
				continue
			}
			if err := fs.Delete(args[0]); err != nil {
				say("rm: %v\r\n", err)
			}
		case "cat":
			if fs == nil || len(args) != 1 {
				say("usage: cat <name>\r\n")
				continue
			}
			catFile(fs, args[0], say)
		case "write":
			if fs == nil || len(args) < 2 {
				say("usage: write <name> <text>\r\n")
				continue
			}
			writeFile(fs, args[0], strings.Join(args[1:], " "), say)
		case "sync":
			if fs != nil {
				if err := fs.Flush(); err != nil {
					say("sync: %v\r\n", err)
				}
			}
		default:
			say("%s: unknown command\r\n", cmd)
		}
	}
}

func catFile(fs *ktfs.FS, name string, say func(string, ...any)) {
	f, err := fs.Open(name)
	if err != nil {
		say("cat: %v\r\n", err)
		return
	}
	defer kio.Close(f)
	buf := make([]byte, 512)
	pos := uint64(0)
	for {
		n, err := f.ReadAt(pos, buf)
		if err != nil {
			say("cat: %v\r\n", err)
			return
		}
		if n == 0 {
			say("\r\n")
			return
		}
		say("%s", buf[:n])
		pos += uint64(n)
	}
}

func writeFile(fs *ktfs.FS, name, text string, say func(string, ...any)) {
	if err := fs.Create(name); err != nil && err != kerror.ErrBusy {
		say("write: %v\r\n", err)
		return
	}
	f, err := fs.Open(name)
	if err != nil {
		say("write: %v\r\n", err)
		return
	}
	defer kio.Close(f)
	end, _ := kio.GetEnd(f)
	if uint64(len(text)) > end {
		if err := kio.SetEnd(f, uint64(len(text))); err != nil {
			say("write: %v\r\n", err)
			return
		}
	}
	if err := kio.WriteAtFull(f, 0, []byte(text)); err != nil {
		say("write: %v\r\n", err)
	}
}

// readLine collects one console line, echoing input.
func readLine(console kio.IO) string {
	var line []byte
	b := make([]byte, 1)
	for {
		n, err := console.Read(b)
		if err != nil || n == 0 {
			return string(line)
		}
		switch b[0] {
		case '\r', '\n':
			console.Write([]byte("\r\n"))
			return string(line)
		case 0x7F, '\b':
			if len(line) > 0 {
				line = line[:len(line)-1]
				console.Write([]byte("\b \b"))
			}
		default:
			line = append(line, b[0])
			console.Write(b[:1])
		}
	}
}
