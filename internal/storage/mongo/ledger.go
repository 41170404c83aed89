package mongo

import (
	"context"
	"errors"
	"iter"
	"time"

	"bookwise/internal/circulation"
	"bookwise/internal/clock"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// maxTransitionAttempts bounds the read-compare-write loop of one status
// change. Losing more than this many races in a row is reported as a
// conflict.
const maxTransitionAttempts = 5

type eventDoc struct {
	Type       string    `bson:"type"`
	Version    int       `bson:"version"`
	OccurredAt time.Time `bson:"occurred_at"`
	Data       string    `bson:"data"`
}

// loanDoc carries its own history so a transition and its audit entry are
// written by one single-document update.
type loanDoc struct {
	ID         string     `bson:"_id"`
	UserID     string     `bson:"user_id"`
	TitleID    string     `bson:"title_id"`
	BorrowedAt time.Time  `bson:"borrowed_at"`
	DueAt      time.Time  `bson:"due_at"`
	ReturnedAt *time.Time `bson:"returned_at,omitempty"`
	Status     string     `bson:"status"`
	Active     bool       `bson:"active"`
	Version    int        `bson:"version"`
	History    []eventDoc `bson:"history,omitempty"`
}

func (d loanDoc) loan() (circulation.Loan, error) {
	var (
		loan circulation.Loan
		err  error
	)
	if loan.ID, err = uuid.Parse(d.ID); err != nil {
		return circulation.Loan{}, err
	}
	if loan.UserID, err = uuid.Parse(d.UserID); err != nil {
		return circulation.Loan{}, err
	}
	if loan.TitleID, err = uuid.Parse(d.TitleID); err != nil {
		return circulation.Loan{}, err
	}
	loan.BorrowedAt = d.BorrowedAt.UTC()
	loan.DueAt = d.DueAt.UTC()
	if d.ReturnedAt != nil {
		t := d.ReturnedAt.UTC()
		loan.ReturnedAt = &t
	}
	loan.Status = circulation.LoanStatus(d.Status)
	loan.Version = d.Version
	return loan, nil
}

func toEventDoc(e circulation.LoanEvent) eventDoc {
	return eventDoc{Type: e.Type, Version: e.Version, OccurredAt: e.OccurredAt, Data: string(e.Data)}
}

var withoutHistory = bson.M{"history": 0}

type Ledger struct {
	col   *mongo.Collection
	clock clock.Clock
}

type LedgerOption func(*Ledger)

// WithClock sets the clock that stamps overdue events.
func WithClock(c clock.Clock) LedgerOption {
	return func(l *Ledger) { l.clock = c }
}

func NewLedger(db *mongo.Database, opts ...LedgerOption) *Ledger {
	l := &Ledger{col: db.Collection(collectionLoans), clock: clock.System{}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ circulation.LoanLedger = (*Ledger)(nil)

func (l *Ledger) CountActiveLoans(ctx context.Context, userID uuid.UUID) (int, error) {
	n, err := l.col.CountDocuments(ctx, bson.M{"user_id": userID.String(), "active": true})
	if err != nil {
		return 0, wrap("count active loans", err)
	}
	return int(n), nil
}

func (l *Ledger) HasActiveLoan(ctx context.Context, userID, titleID uuid.UUID) (bool, error) {
	n, err := l.col.CountDocuments(ctx,
		bson.M{"user_id": userID.String(), "title_id": titleID.String(), "active": true},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, wrap("check active loan", err)
	}
	return n > 0, nil
}

// CreateLoan inserts an active loan; the one_active_per_title index rejects
// a duplicate.
func (l *Ledger) CreateLoan(ctx context.Context, userID, titleID uuid.UUID, borrowedAt, dueAt time.Time) (circulation.Loan, error) {
	loan := circulation.Loan{
		ID:         uuid.New(),
		UserID:     userID,
		TitleID:    titleID,
		BorrowedAt: borrowedAt.UTC(),
		DueAt:      dueAt.UTC(),
		Status:     circulation.StatusBorrowed,
		Version:    1,
	}
	event, err := circulation.NewLoanEvent(loan, circulation.EventLoanBorrowed, loan.BorrowedAt)
	if err != nil {
		return circulation.Loan{}, err
	}

	_, err = l.col.InsertOne(ctx, loanDoc{
		ID:         loan.ID.String(),
		UserID:     userID.String(),
		TitleID:    titleID.String(),
		BorrowedAt: loan.BorrowedAt,
		DueAt:      loan.DueAt,
		Status:     string(loan.Status),
		Active:     true,
		Version:    1,
		History:    []eventDoc{toEventDoc(event)},
	})
	if mongo.IsDuplicateKeyError(err) {
		return circulation.Loan{}, circulation.ErrConflict
	}
	if err != nil {
		return circulation.Loan{}, wrap("insert loan", err)
	}
	// Mongo keeps milliseconds.
	loan.BorrowedAt = loan.BorrowedAt.Truncate(time.Millisecond)
	loan.DueAt = loan.DueAt.Truncate(time.Millisecond)
	return loan, nil
}

var errNoop = errors.New("no transition")

// transition applies next to the current loan and writes it only if nobody
// else changed the loan since it was read.
func (l *Ledger) transition(ctx context.Context, loanID uuid.UUID, eventType string, at time.Time, next func(*circulation.Loan) error) (circulation.Loan, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		current, err := l.GetLoan(ctx, loanID)
		if err != nil {
			return circulation.Loan{}, err
		}
		updated := current
		if err := next(&updated); err != nil {
			return circulation.Loan{}, err
		}
		updated.Version = current.Version + 1

		event, err := circulation.NewLoanEvent(updated, eventType, at)
		if err != nil {
			return circulation.Loan{}, err
		}
		set := bson.M{
			"status":  string(updated.Status),
			"active":  updated.Status.Active(),
			"version": updated.Version,
		}
		if updated.ReturnedAt != nil {
			set["returned_at"] = *updated.ReturnedAt
		}

		res, err := l.col.UpdateOne(ctx,
			bson.M{"_id": loanID.String(), "version": current.Version},
			bson.M{"$set": set, "$push": bson.M{"history": toEventDoc(event)}},
		)
		if err != nil {
			return circulation.Loan{}, wrap("update loan", err)
		}
		if res.MatchedCount == 1 {
			return updated, nil
		}
	}
	return circulation.Loan{}, circulation.ErrConflict
}

func (l *Ledger) MarkReturned(ctx context.Context, loanID uuid.UUID, returnedAt time.Time) (circulation.Loan, error) {
	returnedAt = returnedAt.UTC().Truncate(time.Millisecond)
	return l.transition(ctx, loanID, circulation.EventLoanReturned, returnedAt, func(loan *circulation.Loan) error {
		if !loan.Status.CanTransitionTo(circulation.StatusReturned) {
			return circulation.ErrInvalidState
		}
		loan.Status = circulation.StatusReturned
		loan.ReturnedAt = &returnedAt
		return nil
	})
}

func (l *Ledger) MarkOverdue(ctx context.Context, loanID uuid.UUID) (bool, error) {
	_, err := l.transition(ctx, loanID, circulation.EventLoanMarkedOverdue, l.clock.Now(), func(loan *circulation.Loan) error {
		if loan.Status != circulation.StatusBorrowed {
			return errNoop
		}
		loan.Status = circulation.StatusOverdue
		return nil
	})
	if errors.Is(err, errNoop) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListActive streams active loans due before cutoff through a cursor.
func (l *Ledger) ListActive(ctx context.Context, cutoff time.Time) iter.Seq2[circulation.Loan, error] {
	return func(yield func(circulation.Loan, error) bool) {
		cur, err := l.col.Find(ctx,
			bson.M{"active": true, "due_at": bson.M{"$lt": cutoff}},
			options.Find().
				SetSort(bson.D{{Key: "due_at", Value: 1}, {Key: "_id", Value: 1}}).
				SetProjection(withoutHistory),
		)
		if err != nil {
			yield(circulation.Loan{}, wrap("list active loans", err))
			return
		}
		defer cur.Close(context.WithoutCancel(ctx))

		for cur.Next(ctx) {
			var doc loanDoc
			if err := cur.Decode(&doc); err != nil {
				yield(circulation.Loan{}, wrap("decode loan", err))
				return
			}
			loan, err := doc.loan()
			if err != nil {
				yield(circulation.Loan{}, err)
				return
			}
			if !yield(loan, nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(circulation.Loan{}, wrap("iterate loans", err))
		}
	}
}

func (l *Ledger) find(ctx context.Context, loanID uuid.UUID, opts ...*options.FindOneOptions) (loanDoc, error) {
	var doc loanDoc
	err := l.col.FindOne(ctx, bson.M{"_id": loanID.String()}, opts...).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return loanDoc{}, circulation.ErrLoanNotFound
	}
	if err != nil {
		return loanDoc{}, wrap("get loan", err)
	}
	return doc, nil
}

func (l *Ledger) GetLoan(ctx context.Context, loanID uuid.UUID) (circulation.Loan, error) {
	doc, err := l.find(ctx, loanID, options.FindOne().SetProjection(withoutHistory))
	if err != nil {
		return circulation.Loan{}, err
	}
	return doc.loan()
}

func (l *Ledger) History(ctx context.Context, loanID uuid.UUID) ([]circulation.LoanEvent, error) {
	doc, err := l.find(ctx, loanID)
	if err != nil {
		return nil, err
	}
	history := make([]circulation.LoanEvent, 0, len(doc.History))
	for _, e := range doc.History {
		history = append(history, circulation.LoanEvent{
			LoanID:     loanID,
			Type:       e.Type,
			Version:    e.Version,
			OccurredAt: e.OccurredAt.UTC(),
			Data:       []byte(e.Data),
		})
	}
	return history, nil
}

func (l *Ledger) CountActiveByTitle(ctx context.Context) (map[uuid.UUID]int, error) {
	cur, err := l.col.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"active": true}}},
		{{Key: "$group", Value: bson.M{"_id": "$title_id", "n": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return nil, wrap("count active by title", err)
	}
	var rows []struct {
		TitleID string `bson:"_id"`
		N       int    `bson:"n"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return nil, wrap("decode counts", err)
	}

	counts := make(map[uuid.UUID]int, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r.TitleID)
		if err != nil {
			return nil, err
		}
		counts[id] = r.N
	}
	return counts, nil
}
