package config

import (
	"fmt"
	"os"
)

func Template() string {
	return stationTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(stationTemplate), 0o600)
}

const stationTemplate = `callsign = "N0CALL"

[pipe]
# socket | serial | kiss | kiss-tcp
kind = "socket"
address = "localhost:9000"
baud = 9600
timeout = "250ms"
username = ""
password = ""

[transport]
compat = false
warmup_length = 8
warmup_timeout = "3s"
force_delay = "0s"
compat_delay = "5s"
max_retries = 10
reconnect_interval = "5s"

[session]
blocksize = 1024
out_limit = 8
idle_timeout = 90
compress = true

[admin]
addr = "127.0.0.1:9700"
cors_origins = ["http://localhost:3000"]

[log]
level = "info"
file = ""
max_size_mb = 10
max_backups = 3
max_age_days = 28
`
