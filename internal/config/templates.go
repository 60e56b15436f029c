package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "agent":
		return agentTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const agentTemplate = `device_uuid = "00000000-0000-0000-0000-000000000000"
shadow_name = "edge"
topic_prefix = "kestrel"
admin_addr = ":9600"
cors_origins = ["http://localhost:3000"]
snapshot_path = "/var/lib/shadowd/snapshots.db"

[broker]
kind = "nats"
addr = "nats://127.0.0.1:4222"
credential = ""

[runtime]
stop_timeout_seconds = 10
skip_image_pull = false

[reconcile]
interval_seconds = 60
step_timeout_seconds = 60
list_timeout_seconds = 15
`
