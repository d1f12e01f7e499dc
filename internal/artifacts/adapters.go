package artifacts

// Store caches verified bundle archives by their sha256 digest.
type Store interface {
	// Lookup returns the path of a cached archive, or "" when absent.
	Lookup(sha256 string) (string, error)
	// Put moves the verified archive at path into the store.
	Put(path string, entry Entry) (string, error)
	List() ([]Entry, error)
	Remove(sha256 string) error
	Clear() error
}
