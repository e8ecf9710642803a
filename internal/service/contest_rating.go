package service

import (
	"context"
	"fmt"
	"time"

	"github.com/noah-isme/gema-judge-api/internal/dto"
	"github.com/noah-isme/gema-judge-api/internal/models"
	"github.com/noah-isme/gema-judge-api/internal/repository"
	"github.com/noah-isme/gema-judge-api/internal/scoring"
)

// UpdateRatings appends a new rating to every user who judged at least one
// submission in the ended contest. A contest is rated at most once; later
// calls report Applied false.
func (s *contestService) UpdateRatings(ctx context.Context, id uint) (dto.RatingUpdateResponse, error) {
	contest, err := s.store.Contests().GetByID(ctx, id)
	if err != nil {
		return dto.RatingUpdateResponse{}, mapNotFound(err, ErrContestNotFound)
	}
	if !contest.IsRated {
		return dto.RatingUpdateResponse{}, ErrContestNotRated
	}
	if s.now().Before(contest.EndTime) {
		return dto.RatingUpdateResponse{}, ErrContestNotEnded
	}
	if contest.IsRatingUpdated {
		return dto.RatingUpdateResponse{ContestID: contest.ID}, nil
	}

	rows, err := s.store.Contests().ListStandings(ctx, contest.ID)
	if err != nil {
		return dto.RatingUpdateResponse{}, err
	}
	participants := make([]models.StandingRow, 0, len(rows))
	for _, row := range rows {
		if row.Attempted() {
			participants = append(participants, row)
		}
	}

	release, err := s.lockUsers(ctx, standingUserIDs(participants))
	if err != nil {
		return dto.RatingUpdateResponse{}, err
	}
	defer release()

	penalty := time.Duration(contest.PenaltySeconds) * time.Second
	ranked := scoring.Rank(participants, penalty)

	histories := make(map[uint][]int, len(ranked))
	entrants := make([]scoring.Entrant, 0, len(ranked))
	for _, r := range ranked {
		user, err := s.store.Users().GetByID(ctx, r.Row.UserID)
		if err != nil {
			return dto.RatingUpdateResponse{}, fmt.Errorf("load user %d: %w", r.Row.UserID, err)
		}
		joined, err := s.store.Contests().CountStandingsByUser(ctx, user.ID)
		if err != nil {
			return dto.RatingUpdateResponse{}, err
		}
		histories[user.ID] = user.RatingHistory
		entrants = append(entrants, scoring.Entrant{
			UserID:   user.ID,
			Rank:     r.Rank,
			Rating:   user.Rating(),
			Contests: int(joined),
		})
	}

	ratings := scoring.Elo(entrants)
	applied := false
	err = s.store.InTransaction(ctx, func(tx repository.Store) error {
		claimed, err := tx.Contests().ClaimRating(ctx, contest.ID)
		if err != nil || !claimed {
			return err
		}
		for userID, rating := range ratings {
			history := append(append([]int(nil), histories[userID]...), rating)
			if err := tx.Users().SetRatingHistory(ctx, userID, history); err != nil {
				return fmt.Errorf("store rating of user %d: %w", userID, err)
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return dto.RatingUpdateResponse{}, err
	}
	if !applied {
		return dto.RatingUpdateResponse{ContestID: contest.ID}, nil
	}

	s.cache.Invalidate(ctx, contest.ID)
	s.logger.Info().Uint("contest_id", contest.ID).Int("participants", len(ratings)).Msg("contest ratings updated")
	return dto.RatingUpdateResponse{ContestID: contest.ID, Applied: true, Ratings: ratings}, nil
}

// RateEnded rates every ended rated contest that has not been rated yet and
// returns how many were applied. A failing contest is logged and skipped.
func (s *contestService) RateEnded(ctx context.Context) (int, error) {
	ids, err := s.store.Contests().ListRatingPendingIDs(ctx, s.now())
	if err != nil {
		return 0, err
	}

	rated := 0
	for _, id := range ids {
		result, err := s.UpdateRatings(ctx, id)
		if err != nil {
			s.logger.Error().Err(err).Uint("contest_id", id).Msg("failed to rate ended contest")
			continue
		}
		if result.Applied {
			rated++
		}
	}
	return rated, nil
}
