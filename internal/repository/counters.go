package repository

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// floorAdd adds delta to column in SQL without letting it drop below zero.
func floorAdd(column string, delta int64) clause.Expr {
	return gorm.Expr("CASE WHEN "+column+" + ? < 0 THEN 0 ELSE "+column+" + ? END", delta, delta)
}

func counterUpdates(deltas map[string]int64) map[string]interface{} {
	updates := make(map[string]interface{}, len(deltas))
	for column, delta := range deltas {
		if delta == 0 {
			continue
		}
		updates[column] = floorAdd(column, delta)
	}
	return updates
}
