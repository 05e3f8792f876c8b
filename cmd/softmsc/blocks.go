package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ardnew/softmsc/hal"
	"github.com/ardnew/softmsc/pkg"
)

// chunkBlocks bounds a single transfer of the read and write commands.
const chunkBlocks = 64

func runProbe(_ context.Context, args []string) error {
	fs, config := newFlagSet("probe")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(*config)
	if err != nil {
		return err
	}
	units, err := OpenUnits(cfg)
	if err != nil {
		return err
	}
	defer CloseUnits(units)

	return describe(os.Stdout, cfg, units)
}

// describe prints one line per unit.
func describe(w io.Writer, cfg *Config, units []*Unit) error {
	for lun, u := range units {
		capacity, err := hal.Capacity(u)
		if err != nil {
			return fmt.Errorf("lun %d: %w", lun, err)
		}
		bs, err := blockSize(u)
		if err != nil {
			return fmt.Errorf("lun %d: %w", lun, err)
		}

		access := "rw"
		if hal.ReadOnly(u) {
			access = "ro"
		}
		fmt.Fprintf(w, "lun %d: %-6s %d blocks x %d bytes %s", lun, cfg.Units[lun].Kind, capacity/uint64(bs), bs, access)
		if u.Card != nil {
			info := u.Card.Info()
			fmt.Fprintf(w, " %v rca=%#04x cid=%08x", info, info.RCA, info.CID)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func blockSize(u hal.Interface) (uint32, error) {
	var bs uint32
	if err := u.GetParam(hal.ParamBlockSize, &bs); err != nil {
		return 0, err
	}
	if bs == 0 {
		return 0, pkg.ErrDevice
	}
	return bs, nil
}

// blockFlags are the addressing flags shared by read and write.
type blockFlags struct {
	config *string
	lun    *int
	lba    *uint64
}

func newBlockFlags(name string) (*flag.FlagSet, blockFlags) {
	fs, config := newFlagSet(name)
	return fs, blockFlags{
		config: config,
		lun:    fs.Int("lun", 0, "logical unit number"),
		lba:    fs.Uint64("lba", 0, "first logical block"),
	}
}

// openLUN loads the configuration and opens the addressed unit only.
func (f blockFlags) openLUN() (*Unit, error) {
	cfg, err := LoadConfig(*f.config)
	if err != nil {
		return nil, err
	}
	if *f.lun < 0 || *f.lun >= len(cfg.Units) {
		return nil, fmt.Errorf("lun %d of %d: %w", *f.lun, len(cfg.Units), pkg.ErrValue)
	}
	return OpenUnit(cfg.Units[*f.lun])
}

func runRead(ctx context.Context, args []string) error {
	fs, bf := newBlockFlags("read")
	count := fs.Uint64("count", 1, "number of blocks")
	output := fs.String("o", "", "output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	u, err := bf.openLUN()
	if err != nil {
		return err
	}
	defer u.Close()

	w := io.Writer(os.Stdout)
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	n, err := readBlocks(ctx, u, w, *bf.lba, *count)
	pkg.LogInfo(component, "read complete", "lba", *bf.lba, "blocks", n)
	return err
}

// readBlocks copies count blocks starting at lba from u to w and returns the
// number of blocks copied.
func readBlocks(ctx context.Context, u hal.Interface, w io.Writer, lba, count uint64) (uint64, error) {
	bs, err := blockSize(u)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, chunkBlocks*int(bs))

	var done uint64
	for done < count {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		blocks := min(count-done, chunkBlocks)
		chunk := buf[:blocks*uint64(bs)]
		if _, err := hal.ReadAt(u, chunk, (lba+done)*uint64(bs)); err != nil {
			return done, fmt.Errorf("read lba %d: %w", lba+done, err)
		}
		if _, err := w.Write(chunk); err != nil {
			return done, err
		}
		done += blocks
	}
	return done, nil
}

func runWrite(ctx context.Context, args []string) error {
	fs, bf := newBlockFlags("write")
	input := fs.String("i", "", "input file (default: stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	u, err := bf.openLUN()
	if err != nil {
		return err
	}
	defer u.Close()

	r := io.Reader(os.Stdin)
	if *input != "" {
		f, err := os.Open(*input)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	n, err := writeBlocks(ctx, u, r, *bf.lba)
	pkg.LogInfo(component, "write complete", "lba", *bf.lba, "blocks", n)
	return err
}

// writeBlocks copies r to u starting at lba. A final partial block is
// padded with zeros.
func writeBlocks(ctx context.Context, u hal.Interface, r io.Reader, lba uint64) (uint64, error) {
	if hal.ReadOnly(u) {
		return 0, fmt.Errorf("unit is read-only: %w", pkg.ErrDevice)
	}
	bs, err := blockSize(u)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, chunkBlocks*int(bs))

	var done uint64
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		n, rerr := io.ReadFull(r, buf)
		if n == 0 {
			if rerr == io.EOF {
				return done, nil
			}
			return done, rerr
		}

		blocks := (uint64(n) + uint64(bs) - 1) / uint64(bs)
		chunk := buf[:blocks*uint64(bs)]
		clear(chunk[n:])
		if _, err := hal.WriteAt(u, chunk, (lba+done)*uint64(bs)); err != nil {
			return done, fmt.Errorf("write lba %d: %w", lba+done, err)
		}
		done += blocks

		if rerr == io.ErrUnexpectedEOF {
			return done, nil
		}
		if rerr != nil {
			return done, rerr
		}
	}
}
