package database

import "plaza/internal/models"

// PersistentModels returns the GORM models stored in the journal database.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.RepairTask{},
	}
}
