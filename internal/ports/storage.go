package ports

// StoragePort is a versioned key/value store. Put succeeds only when version
// is exactly one past the stored version (1 for a new key); version 0 writes
// unconditionally and bumps the stored version.
type StoragePort interface {
	Get(key string) (value []byte, version int64, exists bool, err error)
	Put(key string, value []byte, version int64) error
	Delete(key string) error
	ListByPrefix(prefix string) ([]KeyValueVersion, error)
	Close() error
}

type KeyValueVersion struct {
	Key     string
	Value   []byte
	Version int64
}
