package upload

// KV keyspace layout. Every control-plane key lives under a versioned
// prefix so a future schema change can run side by side with the old one.
//
//	floe:v1:upload:<id>:session    hash   session record (TTL = session TTL)
//	floe:v1:upload:<id>:meta       hash   durable meta record (TTL = session TTL + 30m)
//	floe:v1:upload:<id>:chunks     set    received chunk indices
//	floe:v1:upload:<id>:meta:lock  string finalize lease token (TTL = lock TTL)
//	floe:v1:upload:gc:active       set    GC index of known upload IDs
//	floe:v1:file:<fileId>:fields   string JSON snapshot of on-chain fields (TTL = cache TTL)
const keyPrefix = "floe:v1"

// SessionKey returns the session hash key for an upload.
func SessionKey(uploadID string) string {
	return keyPrefix + ":upload:" + uploadID + ":session"
}

// MetaKey returns the meta hash key for an upload. Meta outlives the
// session so terminal state stays observable after the session expires.
func MetaKey(uploadID string) string {
	return keyPrefix + ":upload:" + uploadID + ":meta"
}

// ChunksKey returns the received-chunks set key for an upload.
func ChunksKey(uploadID string) string {
	return keyPrefix + ":upload:" + uploadID + ":chunks"
}

// FinalizeLockKey returns the finalize lease key for an upload.
func FinalizeLockKey(uploadID string) string {
	return MetaKey(uploadID) + ":lock"
}

// GCActiveKey is the GC index: the set of upload IDs currently known to
// the lifecycle. It is the single source of truth for what the reaper
// may consider.
func GCActiveKey() string {
	return keyPrefix + ":upload:gc:active"
}

// FileFieldsKey returns the asset-fields cache key for a minted file.
func FileFieldsKey(fileID string) string {
	return keyPrefix + ":file:" + fileID + ":fields"
}
