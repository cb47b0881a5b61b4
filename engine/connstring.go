package engine

import (
	"net/url"
	"strconv"

	"github.com/oxibase/oxibase/oxierr"
	"github.com/oxibase/oxibase/wal"
)

// openSpec is what a connection string resolves to.
type openSpec struct {
	memory           bool
	path             string
	syncMode         wal.SyncMode
	snapshotInterval int // seconds, 0 means use config default
	keepSnapshots    int // -1 means unset, use config default
	walFlushTrigger  int
}

// parseConnString parses "memory://" or "file://<path>[?option=value&...]"
// per spec §6. net/url does the heavy lifting; no repo in the retrieval
// pack parses a DSN this way, but it's the idiomatic stdlib tool for a
// URI-shaped connection string and nothing in the pack suggests a more
// specific convention to follow instead.
func parseConnString(connString string) (openSpec, error) {
	u, err := url.Parse(connString)
	if err != nil {
		return openSpec{}, oxierr.NewSchemaError("invalid connection string %q: %v", connString, err)
	}

	spec := openSpec{keepSnapshots: -1}

	switch u.Scheme {
	case "memory":
		spec.memory = true
		return spec, nil
	case "file":
		spec.path = u.Path
		if spec.path == "" {
			spec.path = u.Opaque
		}
		if spec.path == "" {
			return openSpec{}, oxierr.NewSchemaError("file:// connection string missing a path: %q", connString)
		}
	default:
		return openSpec{}, oxierr.NewSchemaError("unrecognized connection scheme %q", u.Scheme)
	}

	q := u.Query()
	if v := q.Get("sync_mode"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 2 {
			return openSpec{}, oxierr.NewSchemaError("invalid sync_mode %q", v)
		}
		spec.syncMode = wal.SyncMode(n)
	}
	if v := q.Get("snapshot_interval"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return openSpec{}, oxierr.NewSchemaError("invalid snapshot_interval %q", v)
		}
		spec.snapshotInterval = n
	}
	if v := q.Get("keep_snapshots"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return openSpec{}, oxierr.NewSchemaError("invalid keep_snapshots %q", v)
		}
		spec.keepSnapshots = n
	}
	if v := q.Get("wal_flush_trigger"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return openSpec{}, oxierr.NewSchemaError("invalid wal_flush_trigger %q", v)
		}
		spec.walFlushTrigger = n
	}

	return spec, nil
}
