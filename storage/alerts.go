package storage

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/otcmesh/broker-node/types"
)

// AddAlert persists an operator alert, stamping id and time.
func (s *Storage) AddAlert(kind types.AlertKind, dealID, message string) error {
	alert := &types.Alert{
		ID:      uuid.NewString(),
		Kind:    kind,
		DealID:  dealID,
		Message: message,
		At:      time.Now(),
	}
	return s.setArtifact(alertPrefix, []byte(alert.ID), alert)
}

// Alerts returns every stored alert, oldest first.
func (s *Storage) Alerts() ([]*types.Alert, error) {
	var alerts []*types.Alert
	if err := listArtifacts(s, alertPrefix, func(a *types.Alert) bool {
		alerts = append(alerts, a)
		return true
	}); err != nil {
		return nil, err
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].At.Before(alerts[j].At) })
	return alerts, nil
}

// AlertsByDeal returns the alerts raised for one deal, oldest first.
func (s *Storage) AlertsByDeal(dealID string) ([]*types.Alert, error) {
	alerts, err := s.Alerts()
	if err != nil {
		return nil, err
	}
	filtered := alerts[:0]
	for _, a := range alerts {
		if a.DealID == dealID {
			filtered = append(filtered, a)
		}
	}
	return filtered, nil
}
