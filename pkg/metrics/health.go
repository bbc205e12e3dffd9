package metrics

import "time"

var processStart = time.Now()

// UptimeMillis returns how long this process has been running, in
// milliseconds, for the GET /health response's uptimeMs field.
func UptimeMillis() int64 {
	return time.Since(processStart).Milliseconds()
}
