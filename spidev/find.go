package spidev

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
)

var (
	sysfsRoot = "/sys"

	defaultBufferSize = 4096
)

func readBufferSize() int {
	data, err := os.ReadFile(path.Join(sysfsRoot, "module/spidev/parameters/bufsiz"))
	if err != nil {
		return defaultBufferSize
	}

	result, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 31)
	if err != nil || result == 0 {
		return defaultBufferSize
	}
	return int(result)
}

func devicePath(bus int, cs int) string {
	return fmt.Sprintf("/dev/spidev%d.%d", bus, cs)
}

// FindDevices lists the spidev nodes the kernel exposes.
func FindDevices() ([]string, error) {
	entries, err := os.ReadDir(path.Join(sysfsRoot, "class/spidev"))
	if err != nil {
		return nil, err
	}

	var results []string
	for _, m := range entries {
		name := m.Name()

		if !strings.HasPrefix(name, "spidev") {
			continue
		}

		bus, cs, ok := isBusPath(name[6:])
		if !ok {
			continue
		}

		results = append(results, devicePath(bus, cs))
	}

	sort.Strings(results)
	return results, nil
}

func isBusPath(path string) (int, int, bool) {
	index := strings.Index(path, ".")
	if index <= 0 {
		return 0, 0, false
	}

	bus, err := strconv.ParseUint(path[:index], 10, 16)
	if err != nil {
		return 0, 0, false
	}

	cs, err := strconv.ParseUint(path[index+1:], 10, 16)
	if err != nil {
		return 0, 0, false
	}

	return int(bus), int(cs), true
}
