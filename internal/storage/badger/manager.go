package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/atelier/internal/common"
	"github.com/ternarybob/atelier/internal/interfaces"
)

// Manager bundles the badger-backed stores behind interfaces.StorageManager
type Manager struct {
	db      *BadgerDB
	jobs    interfaces.JobStorage
	uploads interfaces.UploadStorage
}

// NewManager opens the database and wires the stores
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}
	return &Manager{
		db:      db,
		jobs:    NewJobStorage(db, logger),
		uploads: NewUploadStorage(db, logger),
	}, nil
}

// DB exposes the connection for components that share the database, such
// as the durable queue.
func (m *Manager) DB() *BadgerDB {
	return m.db
}

func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.jobs
}

func (m *Manager) UploadStorage() interfaces.UploadStorage {
	return m.uploads
}

func (m *Manager) Close() error {
	return m.db.Close()
}
