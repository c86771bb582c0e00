package persist

import "fmt"

// NewStore creates a storage backend from configuration.
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem, "":
		return NewFileSystemStoreFromConfig(config)
	case StoreTypeS3:
		return NewS3StoreFromConfig(config)
	default:
		return nil, fmt.Errorf("unknown store type: %s", config.Type)
	}
}
