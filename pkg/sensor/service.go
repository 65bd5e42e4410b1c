package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pescbridge/pescbridge/pkg/log"
	"github.com/pescbridge/pescbridge/pkg/meters"
	"github.com/pescbridge/pescbridge/pkg/pesc"
	"github.com/pescbridge/pescbridge/pkg/storage"
	"github.com/pescbridge/pescbridge/pkg/types"
)

// Result codes of UpdateValue besides the provider's own codes.
const (
	CodeOK         = 0
	CodeAuto       = -2
	CodeDecreasing = -3
)

var (
	// ErrUnknownReading is returned for reading ids that aren't published.
	ErrUnknownReading = errors.New("unknown reading")
	// ErrInvalidValue is returned for values below 1.
	ErrInvalidValue = errors.New("value must be at least 1")
)

// Result is the response of a manual reading submission.
type Result struct {
	Code    int                `json:"code"`
	Message string             `json:"message"`
	Payload []types.ScaleValue `json:"payload,omitempty"`
}

// ResultError is a non-zero Result returned as an error.
type ResultError struct {
	Result Result
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Result.Message, e.Result.Code)
}

// Err returns nil for a successful result and a *ResultError otherwise.
func (r Result) Err() error {
	if r.Code == CodeOK {
		return nil
	}
	return &ResultError{Result: r}
}

// Session runs provider calls with a re-login on auth errors.
type Session interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
	EntryID() string
}

// Service submits manual readings.
type Service struct {
	api     *meters.API
	session Session
	db      storage.Database
	refresh func(ctx context.Context) error
	now     func() time.Time
}

// NewService returns a service submitting through api. refresh is called
// after every accepted submission and may be nil.
func NewService(api *meters.API, session Session, db storage.Database, refresh func(ctx context.Context) error) *Service {
	return &Service{
		api:     api,
		session: session,
		db:      db,
		refresh: refresh,
		now:     time.Now,
	}
}

// UpdateValue submits value for the reading. Rejections are reported in the
// Result, errors are returned for unknown readings, invalid values, network
// failures and when the login has to be redone.
func (s *Service) UpdateValue(ctx context.Context, readingID string, value int) (Result, error) {
	r := s.api.FindReading(readingID)
	if r == nil {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownReading, readingID)
	}
	if value < 1 {
		return Result{}, ErrInvalidValue
	}
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("readingID", readingID)))
	log.Ctx(ctx).DebugContext(ctx, "updating reading", slog.String("name", r.Name), slog.Int("value", value))

	var res Result
	var values []types.ScaleValue
	switch {
	case r.Auto():
		res = Result{Code: CodeAuto, Message: "readings are submitted automatically"}
	case float64(value) < r.Value:
		res = Result{Code: CodeDecreasing, Message: fmt.Sprintf("new value %d is less than the previous %d", value, int(r.Value))}
	default:
		values = []types.ScaleValue{{ScaleID: r.ScaleID, Value: float64(value)}}
		var payload []types.ScaleValue
		err := s.session.Do(ctx, func(ctx context.Context) error {
			var err error
			payload, err = s.api.UpdateValue(ctx, r, append([]types.ScaleValue(nil), values...))
			return err
		})
		if err != nil {
			var ce *pesc.ClientError
			if pesc.IsAuth(err) || !errors.As(err, &ce) {
				log.Ctx(ctx).ErrorContext(ctx, "failed to update reading", slog.Any("error", err))
				return Result{}, err
			}
			res = Result{Code: ce.Code, Message: ce.Message}
		} else {
			values = payload
			res = Result{Code: CodeOK, Message: "operation completed", Payload: payload}
		}
	}

	s.record(ctx, r, values, res)
	if res.Code != CodeOK {
		log.Ctx(ctx).WarnContext(ctx, "reading rejected", slog.Int("code", res.Code), slog.String("message", res.Message))
		return res, nil
	}

	log.Ctx(ctx).InfoContext(ctx, "reading submitted", slog.Any("payload", res.Payload))
	if s.refresh != nil {
		if err := s.refresh(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "refresh after update failed", slog.Any("error", err))
		}
	}
	return res, nil
}

func (s *Service) record(ctx context.Context, r *meters.Reading, values []types.ScaleValue, res Result) {
	if s.db == nil {
		return
	}
	sub := types.Submission{
		Timestamp: s.now(),
		ReadingID: r.ID(),
		AccountID: r.Account.ID,
		MeterID:   r.Meter.ID,
		Values:    values,
		Code:      res.Code,
		Message:   res.Message,
	}
	if err := s.db.InsertSubmission(ctx, s.session.EntryID(), sub); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to record submission", slog.Any("error", err))
	}
}

// History returns the submissions recorded in [start, end).
func (s *Service) History(ctx context.Context, start, end time.Time) ([]types.Submission, error) {
	if s.db == nil {
		return nil, nil
	}
	return s.db.GetSubmissionHistory(ctx, s.session.EntryID(), start, end)
}
