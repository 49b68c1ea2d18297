package interfaces

// StorageManager provides access to all storage backends and owns the
// database lifecycle.
type StorageManager interface {
	ConnectionStorage() ConnectionStorage
	Close() error
}
