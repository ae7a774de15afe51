// Package idsource loads the detail-stage work list from the columnar
// dataset produced out of the list-stage page dumps.
package idsource

import (
	"fmt"
	"strings"

	"github.com/parquet-go/parquet-go"
)

type contractRow struct {
	ContractID *string `parquet:"contractId,optional"`
}

// LoadContractIDs reads the contractId column from the parquet file,
// dropping nulls and blanks and deduplicating while preserving first-seen
// order. A missing or unreadable file is a fatal startup error for the
// detail stage, surfaced to the caller.
func LoadContractIDs(path string) ([]string, error) {
	rows, err := parquet.ReadFile[contractRow](path)
	if err != nil {
		return nil, fmt.Errorf("read contract dataset %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if row.ContractID == nil {
			continue
		}
		id := strings.TrimSpace(*row.ContractID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("contract dataset %s has no usable contractId values", path)
	}
	return ids, nil
}
