package queue

import (
	"context"
	"time"
)

// Reservation leases. A reserved job is owned by exactly one worker until it
// is acked, failed, or the lease key expires. Renewal checks the owner
// atomically via Lua so a worker cannot extend a lease it lost; Ack and Fail
// delete the lease inside their settlement pipelines.

// renewLeaseScript returns:
//
//	 1: TTL extended
//	 0: PEXPIRE failed (key vanished between check and expire)
//	-1: key missing
//	-2: owner mismatch
const renewLeaseScript = `
	local val = redis.call("get", KEYS[1])
	if not val then
		return -1
	end
	if val == ARGV[1] then
		return redis.call("pexpire", KEYS[1], tonumber(ARGV[2]))
	else
		return -2
	end
`

func (q *Queue) acquireLease(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error) {
	return q.client.SetNX(ctx, leaseKey(jobID), workerID, ttl).Result()
}

func (q *Queue) renewLease(ctx context.Context, jobID, workerID string, ttl time.Duration) (bool, error) {
	res, err := q.client.Eval(ctx, renewLeaseScript, []string{leaseKey(jobID)}, workerID, int64(ttl/time.Millisecond)).Result()
	if err != nil {
		return false, err
	}
	val, ok := res.(int64)
	return ok && val == 1, nil
}
