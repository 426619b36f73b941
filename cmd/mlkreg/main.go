// mlkreg code-generates kernel/registry_gen.go, the embedded binary
// registry SPAWN's closed set of binary ids ultimately resolves against
// (spec.md §6). It reads a manifest of "<id> <path-to-mlk-file>" lines,
// reads each referenced MLK image, and emits a Go source file containing
// a package-level map literal of id -> raw bytes.
//
// Usage:
//
//	mlkreg -manifest manifest.txt -out kernel/registry_gen.go
//
// Grounded on iansmith-mazarin/tools/generate-main-calls.go: a host Go
// program that reads source/asset files and writes one generated .go
// file, gofmt'd before being written, consumed by the next kernel build.
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"go/format"
	"os"
	"sort"
	"strconv"
	"strings"
)

func main() {
	var manifestPath, outPath string
	flag.StringVar(&manifestPath, "manifest", "", "path to the id/path manifest")
	flag.StringVar(&outPath, "out", "", "path to write the generated registry to")
	flag.Parse()

	if manifestPath == "" || outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: mlkreg -manifest <manifest.txt> -out <registry_gen.go>")
		os.Exit(2)
	}

	entries, err := readManifest(manifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mlkreg: %v\n", err)
		os.Exit(1)
	}

	src, err := generate(entries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mlkreg: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(outPath, src, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "mlkreg: writing %s: %v\n", outPath, err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "mlkreg: wrote %s (%d binaries)\n", outPath, len(entries))
}

type manifestEntry struct {
	id   uint32
	path string
}

// readManifest parses lines of "<id> <path>", skipping blank lines and
// lines starting with '#'.
func readManifest(path string) ([]manifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest %s: %w", path, err)
	}
	defer f.Close()

	var entries []manifestEntry
	seen := make(map[uint32]bool)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("manifest line %d: want \"<id> <path>\", got %q", lineNo, line)
		}
		id, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: bad binary id %q: %w", lineNo, fields[0], err)
		}
		if seen[uint32(id)] {
			return nil, fmt.Errorf("manifest line %d: duplicate binary id %d", lineNo, id)
		}
		seen[uint32(id)] = true
		entries = append(entries, manifestEntry{id: uint32(id), path: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })
	return entries, nil
}

// generate renders kernel/registry_gen.go's source from entries, reading
// each referenced MLK image off disk and embedding it as a byte-slice
// literal.
func generate(entries []manifestEntry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("package main\n\n")
	buf.WriteString("// manifest is the closed set of binary ids SPAWN accepts, generated by\n")
	buf.WriteString("// cmd/mlkreg from a build manifest (spec.md §6: \"A closed set of binary\n")
	buf.WriteString("// ids is embedded at build time\"). Regenerate with:\n")
	buf.WriteString("//\n")
	buf.WriteString("//\tgo run ./cmd/mlkreg -manifest <manifest> -out kernel/registry_gen.go\n")
	buf.WriteString("var manifest = map[uint32][]byte{\n")

	for _, e := range entries {
		data, err := os.ReadFile(e.path)
		if err != nil {
			return nil, fmt.Errorf("reading binary %d (%s): %w", e.id, e.path, err)
		}
		fmt.Fprintf(&buf, "\t%d: {", e.id)
		for i, b := range data {
			if i%16 == 0 {
				buf.WriteString("\n\t\t")
			}
			fmt.Fprintf(&buf, "0x%02x, ", b)
		}
		buf.WriteString("\n\t},\n")
	}
	buf.WriteString("}\n")

	formatted, err := format.Source(buf.Bytes())
	if err != nil {
		// Emit the unformatted source rather than fail outright, mirroring
		// generate-main-calls.go's gofmt-best-effort fallback.
		fmt.Fprintf(os.Stderr, "mlkreg: warning: gofmt failed: %v\n", err)
		return buf.Bytes(), nil
	}
	return formatted, nil
}
