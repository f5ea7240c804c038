package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/georgehodgkins/lktrace/internal/symbolize"
)

// readSelfMappings parses /proc/self/maps and returns one symbolize.Mapping
// per distinct backing file that has at least one executable segment. It
// approximates each object's load bias as the lowest mapped address for
// that path, which holds for every position-independent ELF object whose
// first PT_LOAD segment has file vaddr 0 -- true of every binary and
// shared library produced by a standard toolchain. There is no
// dl_iterate_phdr equivalent reachable from Go without more cgo, and
// /proc/self/maps carries the same information.
func readSelfMappings() ([]symbolize.Mapping, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("liblktrace: reading /proc/self/maps: %w", err)
	}
	defer f.Close()

	lowest := make(map[string]uintptr)
	var order []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		perms := fields[1]
		if !strings.Contains(perms, "x") {
			continue
		}
		path := fields[5]
		if path == "" || strings.HasPrefix(path, "[") {
			continue
		}
		addrRange := strings.SplitN(fields[0], "-", 2)
		if len(addrRange) != 2 {
			continue
		}
		start, err := strconv.ParseUint(addrRange[0], 16, 64)
		if err != nil {
			continue
		}
		if _, ok := lowest[path]; !ok {
			order = append(order, path)
			lowest[path] = uintptr(start)
		} else if uintptr(start) < lowest[path] {
			lowest[path] = uintptr(start)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("liblktrace: scanning /proc/self/maps: %w", err)
	}

	mappings := make([]symbolize.Mapping, 0, len(order))
	for _, path := range order {
		mappings = append(mappings, symbolize.Mapping{Path: path, LoadBase: lowest[path]})
	}
	return mappings, nil
}
