//go:build linux

package server

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"
)

// logListenBacklog logs the kernel's listen backlog limit
func logListenBacklog(addr string) {
	var somaxconn int
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		fmt.Sscanf(string(data), "%d", &somaxconn)
	}

	log.Printf("Hub listening on %s (kernel listen backlog: %d)", addr, somaxconn)
	if somaxconn > 0 && somaxconn < 4096 {
		log.Printf("WARNING: net.core.somaxconn=%d may be too low for high connection rates", somaxconn)
		log.Printf("  Consider: sudo sysctl -w net.core.somaxconn=65535")
	}
}

// listenOverflows reads the host-wide ListenOverflows counter from /proc/net/netstat
func listenOverflows() uint64 {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var headers []string
	var values []string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "TcpExt:") {
			fields := strings.Fields(line)
			if len(headers) == 0 {
				headers = fields[1:]
			} else {
				values = fields[1:]
				break
			}
		}
	}

	for i, header := range headers {
		if header == "ListenOverflows" && i < len(values) {
			var overflows uint64
			fmt.Sscanf(values[i], "%d", &overflows)
			return overflows
		}
	}

	return 0
}
