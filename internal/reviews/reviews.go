// Package reviews lets the parties of a completed relocation rate each other.
package reviews

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/car-relocation/internal/events"
	"github.com/example/car-relocation/internal/models"
	"github.com/example/car-relocation/internal/requests"
	"github.com/example/car-relocation/internal/storage"
)

const maxCommentLen = 1000

type Service struct {
	Requests *requests.Service
}

// Summary is a user's received reviews and their mean rating.
type Summary struct {
	UserID  string          `json:"user_id"`
	Count   int             `json:"count"`
	Average float64         `json:"average"`
	Reviews []models.Review `json:"reviews"`
}

// Submit records reviewerID's rating of the other party. Each party reviews a
// request at most once.
func (s *Service) Submit(ctx context.Context, requestID, reviewerID string, rating int, comment string) (models.Review, error) {
	if rating < 1 || rating > 5 {
		return models.Review{}, fmt.Errorf("%w: rating must be between 1 and 5", models.ErrInvalidInput)
	}
	if len(comment) > maxCommentLen {
		return models.Review{}, fmt.Errorf("%w: comment exceeds %d bytes", models.ErrInvalidInput, maxCommentLen)
	}
	var rv models.Review
	var r models.Request
	err := s.Requests.Store.WithinRequest(ctx, requestID, func(tx storage.RequestTx) error {
		r = tx.Request()
		if r.Status != models.StatusCompleted {
			return fmt.Errorf("%w: request %s is %s", models.ErrNotCompleted, r.ID, r.Status)
		}
		if !r.Party(reviewerID) {
			return fmt.Errorf("%w: %q did not take part in request %s", models.ErrInvalidTransition, reviewerID, r.ID)
		}
		existing, err := tx.Reviews()
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.ReviewerID == reviewerID {
				return fmt.Errorf("%w: by %s for request %s", models.ErrAlreadyReviewed, reviewerID, r.ID)
			}
		}
		rv = models.Review{
			ID:         uuid.NewString(),
			RequestID:  r.ID,
			ReviewerID: reviewerID,
			RevieweeID: r.Counterpart(reviewerID),
			Rating:     rating,
			Comment:    strings.TrimSpace(comment),
			CreatedAt:  s.now(),
		}
		return tx.PutReview(rv)
	})
	if err != nil {
		return models.Review{}, err
	}
	s.Requests.Publish(ctx, events.Event{Type: events.ReviewSubmitted, RequestID: r.ID, Recipients: []string{rv.RevieweeID}, At: rv.CreatedAt, Data: rv})
	return rv, nil
}

func (s *Service) ForUser(ctx context.Context, userID string) (Summary, error) {
	list, err := s.Requests.Store.ReviewsFor(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{UserID: userID, Count: len(list), Reviews: list}
	if sum.Reviews == nil {
		sum.Reviews = []models.Review{}
	}
	if len(list) > 0 {
		total := 0
		for _, rv := range list {
			total += rv.Rating
		}
		sum.Average = float64(total) / float64(len(list))
	}
	return sum, nil
}

func (s *Service) now() time.Time {
	if s.Requests.Now != nil {
		return s.Requests.Now().UTC()
	}
	return time.Now().UTC()
}
