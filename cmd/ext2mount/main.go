// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command ext2mount mounts an ext2 disk image as a FUSE filesystem.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"

	"github.com/moby/sys/mountinfo"

	"github.com/pedigree-go/ext2kernel/blockdev"
	"github.com/pedigree-go/ext2kernel/ext2"
	"github.com/pedigree-go/ext2kernel/fsadapt"
)

func main() {
	log.SetFlags(log.Lmicroseconds)

	debug := flag.Bool("debug", false, "print FUSE debugging messages")
	readOnly := flag.Bool("ro", false, "mount read-only")
	list := flag.Bool("list", false, "after mounting, print this mount point's entry from the host mount table, unmount and exit (verification aid)")
	flag.Parse()

	if flag.NArg() < 2 {
		fmt.Printf("usage: %s [flags] MOUNTPOINT IMAGE\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
		os.Exit(2)
	}

	mountPoint, err := filepath.Abs(flag.Arg(0))
	if err != nil {
		log.Fatalf("mountpoint: %v", err)
	}
	imagePath, err := filepath.Abs(flag.Arg(1))
	if err != nil {
		log.Fatalf("image path: %v", err)
	}

	dev, err := blockdev.OpenFile(imagePath, *readOnly)
	if err != nil {
		log.Fatalf("open %s: %v", imagePath, err)
	}

	filesystem, err := ext2.Probe(dev, &ext2.MountOptions{ReadOnly: *readOnly})
	if err != nil {
		log.Fatalf("probe %s: %v", imagePath, err)
	}

	server, err := fsadapt.Mount(mountPoint, filesystem, *readOnly, *debug)
	if err != nil {
		log.Fatalf("mount: %v", err)
	}

	go func() {
		if err := server.WaitMount(); err != nil {
			log.Fatalf("WaitMount: %v", err)
		}
		log.Printf("mounted %s on %s", imagePath, mountPoint)

		if *list {
			printMounts(mountPoint)
			if err := server.Unmount(); err != nil {
				log.Printf("unmount after --list: %v", err)
			}
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Printf("signal received, unmounting %s", mountPoint)
		if err := server.Unmount(); err != nil {
			log.Printf("unmount: %v", err)
		}
	}()

	server.Serve()
}

// printMounts uses moby's mountinfo parser to confirm the FUSE mount
// actually registered in /proc/self/mountinfo, the same sanity check
// the Pedigree test harness ran after a mount before driving POSIX
// operations against it.
func printMounts(mountPoint string) {
	infos, err := mountinfo.GetMounts(mountinfo.SingleEntryFilter(mountPoint))
	if err != nil {
		log.Printf("mountinfo: %v", err)
		return
	}
	for _, m := range infos {
		fmt.Printf("%s type=%s source=%s options=%s\n", m.Mountpoint, m.FSType, m.Source, m.Options)
	}
}
