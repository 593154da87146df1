package locks

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

const envHolderID = "DEBENCH_HOLDER_ID"

// NewHolderID returns an identity unique to this process: host, pid and a
// random suffix so a recycled pid on the same host never collides.
func NewHolderID() string {
	if v := strings.TrimSpace(os.Getenv(envHolderID)); v != "" {
		return v
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
