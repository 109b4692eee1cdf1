package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/escrow"
)

// expected filters the domain errors that concurrent actors legitimately
// provoke; anything else is a real failure.
func expected(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, escrow.ErrAlreadyFinished),
		errors.Is(err, escrow.ErrCancelAlreadyRequested),
		errors.Is(err, escrow.ErrCancelPending),
		errors.Is(err, escrow.ErrProofRequired),
		errors.Is(err, escrow.ErrProofAlreadyAttached),
		errors.Is(err, escrow.ErrTooEarly),
		errors.Is(err, escrow.ErrAlreadyExists),
		errors.Is(err, escrow.ErrNotFound):
		return true
	default:
		return transient(err)
	}
}

// transient reports errors caused by the chaos actor killing backends.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// admin_shutdown, crash_shutdown, connection failures
		return pgErr.Code == "57P01" || pgErr.Code == "57P02" || strings.HasPrefix(pgErr.Code, "08")
	}
	msg := err.Error()
	return strings.Contains(msg, "conn closed") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "unexpected EOF")
}

// Opener keeps creating fresh escrows between the buyer and seller and feeds
// the identifiers to the resolving actors. Drops IDs when the channel is full.
func Opener(ctx context.Context, svc *escrow.Service, buyer, seller string, out chan<- string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := "stress-" + uuid.NewString()
		price := int64(1 + rand.Intn(1000))
		if _, err := svc.Initialize(ctx, buyer, escrow.CreateParams{
			ID:       id,
			SellerID: seller,
			Product:  fmt.Sprintf("lot-%d", rand.Int63()),
			Price:    price,
		}, price); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if !expected(err) {
				return fmt.Errorf("opener initialize: %w", err)
			}
		} else {
			select {
			case out <- id:
			default:
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Resolver drains open escrows and races the two resolving paths against each
// other: the buyer's confirmation versus a mutual cancellation. Exactly one
// path may win; the loser must surface a domain error, never a second
// transfer.
func Resolver(ctx context.Context, svc *escrow.Service, buyer, seller string, in <-chan string, stop <-chan struct{}) error {
	for {
		var id string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case id = <-in:
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			_, err := svc.Agree(gctx, buyer, id)
			if !expected(err) && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("resolver agree %s: %w", id, err)
			}
			return nil
		})
		g.Go(func() error {
			if _, err := svc.Cancel(gctx, seller, id); !expected(err) && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("resolver seller cancel %s: %w", id, err)
			}
			if _, err := svc.Cancel(gctx, buyer, id); !expected(err) && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("resolver buyer cancel %s: %w", id, err)
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			return err
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

// Commenter hammers the annotation ledger on one escrow with a narrow
// timestamp range so upserts collide on the exact same key.
func Commenter(ctx context.Context, svc *escrow.Service, caller, escrowID string, stop <-chan struct{}) error {
	base := time.Now().Unix()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		ts := base + int64(rand.Intn(5))
		if _, err := svc.AddComment(ctx, caller, escrowID, ts, fmt.Sprintf("note %d", rand.Int63())); !expected(err) && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("commenter: %w", err)
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Arbitrator exercises the admin release gate on a single escrow: the seller
// keeps attaching proof and the admin keeps trying to release. The backdater
// below eventually ages the marker past the delay, after which exactly one
// agree must land.
func Arbitrator(ctx context.Context, svc *escrow.Service, seller, adminID, escrowID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := svc.AttachProof(ctx, seller, escrowID, []byte("delivery receipt")); !expected(err) && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("arbitrator attach proof: %w", err)
		}
		if _, err := svc.Agree(ctx, adminID, escrowID); !expected(err) && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("arbitrator agree: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Backdater ages the delivery marker of one escrow so the arbitration window
// opens mid-run. A no-op until proof has been attached.
func Backdater(ctx context.Context, pool *pgxpool.Pool, escrowID string, stop <-chan struct{}) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
			_, _ = pool.Exec(ctx, `UPDATE escrows SET time_marker = now() - interval '1 day' WHERE id = $1 AND time_marker IS NOT NULL`, escrowID)
		}
	}
}
