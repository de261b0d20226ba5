package storage

const getSnapshot = `
SELECT version, items, updated_at
FROM snapshots
WHERE collection = ?`

const getSnapshotVersion = `
SELECT version FROM snapshots WHERE collection = ?`

const upsertSnapshot = `
INSERT INTO snapshots (collection, version, items, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (collection) DO UPDATE SET
    version    = excluded.version,
    items      = excluded.items,
    updated_at = excluded.updated_at`

const insertOperation = `
INSERT INTO pending_operations (kind, collection, entity_id, payload, enqueued_at, attempts, last_error)
VALUES (?, ?, ?, ?, ?, ?, ?)`

const listOperations = `
SELECT sequence, kind, collection, entity_id, payload, enqueued_at, attempts, last_error
FROM pending_operations
ORDER BY sequence ASC`

const deleteOperation = `
DELETE FROM pending_operations WHERE sequence = ?`

const recordFailure = `
UPDATE pending_operations
SET attempts = attempts + 1, last_error = ?
WHERE sequence = ?`

const updateOperation = `
UPDATE pending_operations
SET entity_id = ?, payload = ?
WHERE sequence = ?`

const countOperations = `
SELECT COUNT(*) FROM pending_operations`
