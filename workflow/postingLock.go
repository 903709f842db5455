package workflow

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireLaboratoryPostingLock serializes stateful posting (billing, sample
// transitions, reflex execution) per laboratory with a MySQL advisory lock.
// GET_LOCK is connection-scoped, so this must run on the same *gorm.DB the
// posting transaction uses.
func AcquireLaboratoryPostingLock(tx *gorm.DB, laboratoryId string) error {
	lockName := fmt.Sprintf("posting:%s", laboratoryId)
	var got int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&got).Error; err != nil {
		return err
	}
	if got != 1 {
		return fmt.Errorf("could not acquire posting lock for laboratory %s", laboratoryId)
	}
	return nil
}

func ReleaseLaboratoryPostingLock(tx *gorm.DB, laboratoryId string) {
	lockName := fmt.Sprintf("posting:%s", laboratoryId)
	var released int
	tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&released)
}
