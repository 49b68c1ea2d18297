package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ledgerlink/internal/common"
	"github.com/ternarybob/ledgerlink/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db         *BadgerDB
	connection interfaces.ConnectionStorage
	logger     arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:         db,
		connection: NewConnectionStorage(db, logger),
		logger:     logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// ConnectionStorage returns the Connection storage interface
func (m *Manager) ConnectionStorage() interfaces.ConnectionStorage {
	return m.connection
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
