package metrics

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// readDiskStats fills stats from /proc/<pid>/io. Missing or malformed
// lines leave the corresponding field untouched.
func readDiskStats(stats *diskStats) {
	file := fmt.Sprintf("/proc/%d/io", os.Getpid())
	data, err := os.ReadFile(file)
	if err != nil {
		log.Debugf("%s: %v", file, err)
		return
	}

	for _, line := range strings.Split(string(data), "\n") {
		i := strings.Index(line, ": ")
		if i < 0 {
			continue
		}

		var p *int64
		switch line[:i] {
		case "syscr":
			p = &stats.ReadCount
		case "syscw":
			p = &stats.WriteCount
		case "rchar":
			p = &stats.ReadBytes
		case "wchar":
			p = &stats.WriteBytes
		default:
			continue
		}

		if *p, err = strconv.ParseInt(line[i+2:], 10, 64); err != nil {
			log.Debugf("%s: line %q: %v", file, line, err)
		}
	}
}
