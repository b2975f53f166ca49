package repository

import (
	"encoding/json"
	"fmt"

	"github.com/nathanyu/margin-trading/internal/domain"
)

// DefaultRetention is how many snapshots a backend keeps before pruning.
const DefaultRetention = 10

func encodeSnapshot(snap *domain.OrderBookSnapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %d: %w", snap.SequenceID, err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*domain.OrderBookSnapshot, error) {
	var snap domain.OrderBookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Books == nil {
		snap.Books = make(map[string][]domain.LimitOrder)
	}
	return &snap, nil
}
