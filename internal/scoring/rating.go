package scoring

import "math"

// Entrant is one ranked participant of a rated contest.
type Entrant struct {
	UserID   uint
	Rank     int
	Rating   int
	Contests int
}

// KFactor is the rating step of a user who has joined the given number of contests.
func KFactor(contests int) float64 {
	return math.Max(10, float64(50-contests))
}

// Elo returns the new rating of every entrant. The actual score is the
// entrant's placing scaled to 1 for first and 0 for last, with tied entrants
// sharing the middle of their placings; the expected score is the mean win
// probability against every other entrant. A lone entrant scores 1 against
// no one.
func Elo(entrants []Entrant) map[uint]int {
	n := len(entrants)
	next := make(map[uint]int, n)

	tied := make(map[int]int, n)
	for _, e := range entrants {
		tied[e.Rank]++
	}

	for _, e := range entrants {
		actual := 1.0
		expected := 0.0
		if n > 1 {
			placing := float64(e.Rank) + float64(tied[e.Rank]-1)/2
			actual = (float64(n) - placing) / float64(n-1)
			for _, opponent := range entrants {
				if opponent.UserID == e.UserID {
					continue
				}
				expected += 1 / (1 + math.Pow(10, float64(opponent.Rating-e.Rating)/400))
			}
			expected /= float64(n - 1)
		}

		next[e.UserID] = int(math.Round(float64(e.Rating) + KFactor(e.Contests)*(actual-expected)))
	}
	return next
}
