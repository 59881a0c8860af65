package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// JobViewKey caches the terminal status view of a job. The owner is part of the key
// so a cached view can never be served across owners.
func JobViewKey(ownerID, jobID uuid.UUID) string {
	return fmt.Sprintf("job:view:%s:%s", ownerID, jobID)
}

func RateLimitKey(ownerID uuid.UUID) string {
	return fmt.Sprintf("ratelimit:%s", ownerID)
}
