package scoring

import (
	"sort"
	"time"

	"github.com/noah-isme/gema-judge-api/internal/models"
)

// RankedRow is a standings row with its computed totals and rank.
type RankedRow struct {
	Rank        int
	Row         models.StandingRow
	TotalScore  int
	TotalTimeMs int64
}

// Totals sums the row. Time and penalty only count on cells that scored.
func Totals(row models.StandingRow, penalty time.Duration) (int, int64) {
	score := 0
	var elapsed int64
	for i := range row.Scores {
		cell := row.Cell(i)
		if cell.Score <= 0 {
			continue
		}
		score += cell.Score
		elapsed += cell.TimeMs + int64(cell.Penalty)*penalty.Milliseconds()
	}
	return score, elapsed
}

// Rank orders rows by total score descending, then total time ascending, then
// user id. Rows with equal score and time share a rank.
func Rank(rows []models.StandingRow, penalty time.Duration) []RankedRow {
	ranked := make([]RankedRow, len(rows))
	for i, row := range rows {
		score, elapsed := Totals(row, penalty)
		ranked[i] = RankedRow{Row: row, TotalScore: score, TotalTimeMs: elapsed}
	}

	sort.SliceStable(ranked, func(a, b int) bool {
		if ranked[a].TotalScore != ranked[b].TotalScore {
			return ranked[a].TotalScore > ranked[b].TotalScore
		}
		if ranked[a].TotalTimeMs != ranked[b].TotalTimeMs {
			return ranked[a].TotalTimeMs < ranked[b].TotalTimeMs
		}
		return ranked[a].Row.UserID < ranked[b].Row.UserID
	})

	for i := range ranked {
		if i > 0 && ranked[i].TotalScore == ranked[i-1].TotalScore && ranked[i].TotalTimeMs == ranked[i-1].TotalTimeMs {
			ranked[i].Rank = ranked[i-1].Rank
			continue
		}
		ranked[i].Rank = i + 1
	}
	return ranked
}
