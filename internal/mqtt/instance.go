package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// InstanceID returns the stable HA device identifier.
//
// With a dataDir the ID is read from dataDir/instance_id, or generated
// as a UUIDv7 and persisted there on first use. Without one it is a
// name-based UUID derived from deviceName, which is stable as long as
// the device is not renamed.
func InstanceID(dataDir, deviceName string) (string, error) {
	if dataDir == "" {
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte("npbot://"+deviceName)).String(), nil
	}

	path := filepath.Join(dataDir, "instance_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}

	idStr := id.String()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}

	return idStr, nil
}
