// mlkbuild wraps a raw AArch64 code blob in the 16-byte MLK header SPAWN
// expects (spec.md §6): magic, entry offset, code size, and a reserved
// field, followed by the code itself.
//
// Usage:
//
//	mlkbuild -in prog.bin -out prog.mlk -entry 0
//
// Grounded on the pack's own build-time tooling style
// (iansmith-mazarin/tools/generate-main-calls.go, patch-runtime.go): a
// small flag-driven CLI that reads input files and writes one generated
// artifact, no third-party CLI framework needed for two flags.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
)

const (
	headerSize  = 16
	maxCodeSize = 1 << 20
)

var magic = [4]byte{'M', 'L', 'K', 0x01}

func main() {
	var inPath, outPath string
	var entry uint
	flag.StringVar(&inPath, "in", "", "path to the raw AArch64 code blob")
	flag.StringVar(&outPath, "out", "", "path to write the MLK image to")
	flag.UintVar(&entry, "entry", 0, "entry point, as a byte offset into the code")
	flag.Parse()

	if inPath == "" || outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: mlkbuild -in <code> -out <image.mlk> [-entry <offset>]")
		os.Exit(2)
	}

	if err := build(inPath, outPath, uint32(entry)); err != nil {
		fmt.Fprintf(os.Stderr, "mlkbuild: %v\n", err)
		os.Exit(1)
	}
}

func build(inPath, outPath string, entry uint32) error {
	code, err := os.ReadFile(inPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", inPath, err)
	}
	if len(code) == 0 {
		return fmt.Errorf("%s is empty", inPath)
	}
	if len(code) > maxCodeSize {
		return fmt.Errorf("%s is %d bytes, exceeds the %d-byte MLK limit", inPath, len(code), maxCodeSize)
	}
	if entry >= uint32(len(code)) {
		return fmt.Errorf("entry offset %d is not less than code size %d", entry, len(code))
	}

	header := make([]byte, headerSize)
	copy(header[0:4], magic[:])
	binary.LittleEndian.PutUint32(header[4:8], entry)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(code)))
	binary.LittleEndian.PutUint32(header[12:16], 0)

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", outPath, err)
	}
	defer out.Close()

	if _, err := out.Write(header); err != nil {
		return fmt.Errorf("writing header to %s: %w", outPath, err)
	}
	if _, err := out.Write(code); err != nil {
		return fmt.Errorf("writing code to %s: %w", outPath, err)
	}
	return nil
}
