package service

import (
	"sort"

	"github.com/Shivanand-hulikatti/event-seat-allocator/internal/model"
)

// SmallestFit returns the AVAILABLE tables that can seat guests, best first:
// ascending capacity, then display order, then id.
//
// A table whose minimum order exceeds guests is excluded even when its
// capacity would fit, which keeps large tables free for large parties.
func SmallestFit(tables []model.Table, guests int) []model.Table {
	fits := make([]model.Table, 0, len(tables))
	for _, t := range tables {
		if t.Status == model.TableStatusAvailable && t.Fits(guests) {
			fits = append(fits, t)
		}
	}
	sort.SliceStable(fits, func(i, j int) bool {
		a, b := fits[i], fits[j]
		if a.Capacity != b.Capacity {
			return a.Capacity < b.Capacity
		}
		if a.DisplayOrder != b.DisplayOrder {
			return a.DisplayOrder < b.DisplayOrder
		}
		return a.ID < b.ID
	})
	return fits
}
