package redis

import "strconv"

// All keys are prefixed with "oneclick:" to avoid collisions.
const keyPrefix = "oneclick:"

// jobKey returns the key holding a job record: oneclick:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// ownerKey returns the Set of job IDs requested by owner: oneclick:owner:{owner}
func ownerKey(owner int64) string { return keyPrefix + "owner:" + strconv.FormatInt(owner, 10) }

// statusKey returns the Set of job IDs in status: oneclick:status:{status}
func statusKey(status string) string { return keyPrefix + "status:" + status }

// queueKey returns the List backing a task queue: oneclick:queue:{name}
func queueKey(name string) string { return keyPrefix + "queue:" + name }
