package api

import (
	"errors"
	"strings"

	"benchrunner/internal/models"
)

type BatchDetail struct {
	*models.Batch
	Runs []models.Run `json:"runs"`
}

type PauseRequest struct {
	Reason string `json:"reason"`
}

func (p *PauseRequest) validate() error {
	p.Reason = strings.TrimSpace(p.Reason)
	if len(p.Reason) > 500 {
		return errors.New("reason must be at most 500 characters")
	}
	return nil
}

type DispatchResponse struct {
	BatchID    int64 `json:"batchId"`
	Dispatched int   `json:"dispatched"`
}

type ExportResponse struct {
	BatchID int64    `json:"batchId"`
	Keys    []string `json:"keys"`
}

// parseStatuses reads the status query values, accepting both repeated and comma separated forms
func parseStatuses(values []string) ([]models.Status, error) {
	var statuses []models.Status
	var errs []error
	for _, v := range values {
		for _, s := range strings.Split(v, ",") {
			status := models.Status(strings.ToUpper(strings.TrimSpace(s)))
			if status == "" {
				continue
			}
			if !status.Valid() {
				errs = append(errs, errors.New("unknown status "+string(status)))
				continue
			}
			statuses = append(statuses, status)
		}
	}
	return statuses, errors.Join(errs...)
}
