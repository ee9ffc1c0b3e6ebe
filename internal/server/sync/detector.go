package sync

import (
	"fmt"

	"github.com/iudanet/hexsync/internal/checksum"
	"github.com/iudanet/hexsync/internal/models"
)

// Detection описывает исход проверки клиентской мутации.
type Detection int

const (
	// DetectionApply — мутация применяется без конфликта
	DetectionApply Detection = iota

	// DetectionConvergent — версии разошлись, но содержимое совпало;
	// мутация применяется, конфликт не создается
	DetectionConvergent

	// DetectionConflict — версии и содержимое разошлись
	DetectionConflict
)

// Detector решает, конфликтует ли клиентская мутация с текущим
// состоянием записи на сервере.
//
// Конфликт фиксируется только когда расходятся И версия, И checksum
// содержимого: равные версии означают, что клиент видел актуальное
// состояние, равные checksum — что стороны сошлись к одному содержимому.
type Detector struct{}

// NewDetector creates a conflict detector
func NewDetector() *Detector {
	return &Detector{}
}

// Detect classifies a client change against the current record state.
// current == nil означает, что записи на сервере еще нет.
func (d *Detector) Detect(change *models.DataChange, current *models.Record) (Detection, error) {
	if current == nil {
		return DetectionApply, nil
	}

	if change.Version == current.Version {
		return DetectionApply, nil
	}

	clientSum := change.Checksum
	if clientSum == "" {
		sum, err := checksum.Sum(change.Payload)
		if err != nil {
			return 0, fmt.Errorf("failed to hash client payload: %w", err)
		}
		clientSum = sum
	}

	serverSum, err := checksum.Sum(current.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to hash server payload: %w", err)
	}

	if clientSum == serverSum {
		return DetectionConvergent, nil
	}

	return DetectionConflict, nil
}
