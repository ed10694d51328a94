// Command mkfs formats a minios block device file with a superblock
// at block 0, the way original_source/mkfs.c lays down a fresh
// filesystem before minifile.c ever runs. It stops at the superblock:
// inode/data-region layout is explicitly out of the implemented
// filesystem scope, so this tool exists to give
// cmd/minidemo something concrete to mount.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/minios-project/minios/internal/blockdev"
)

// magic identifies a minios-formatted device; superblockVersion lets
// a future on-disk layout change be detected rather than silently
// misread.
const (
	magic            = "MINIOSFS"
	superblockVersion = 1
)

func main() {
	path := pflag.StringP("device", "d", "", "path to the block device file to format")
	blocks := pflag.IntP("blocks", "b", 1024, "number of blocks to allocate")
	help := pflag.Bool("help", false, "display help text")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - format a minios block device\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *help || *path == "" {
		pflag.Usage()
		if *path == "" {
			os.Exit(2)
		}
		os.Exit(0)
	}

	if err := format(*path, *blocks); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("mkfs: formatted %s with %d blocks\n", *path, *blocks)
}

func format(path string, blockCount int) error {
	if blockCount < 1 {
		return fmt.Errorf("block count must be positive, got %d", blockCount)
	}
	dev, err := blockdev.OpenFileDevice(path, blockCount)
	if err != nil {
		return err
	}
	defer dev.Close()

	super := make([]byte, blockdev.BlockSize)
	copy(super, magic)
	super[len(magic)] = superblockVersion
	putUint32(super[len(magic)+1:], uint32(blockCount))

	dev.WriteBlock(0, super)
	c := <-dev.Completions()
	return c.Err
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
