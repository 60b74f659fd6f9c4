package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/skillswap/swapcall/internal/call"
	"github.com/skillswap/swapcall/internal/signaling"
	"github.com/skillswap/swapcall/internal/storage"
)

// signaler adapts the websocket client to call.Signaler.
type signaler struct {
	c *signaling.Client
}

func (s signaler) Send(ctx context.Context, event string, payload any) error {
	return unavailable(s.c.Send(ctx, event, payload))
}

func (s signaler) Available() bool { return s.c.Available() }

func (s signaler) Ensure(ctx context.Context) error {
	return unavailable(s.c.Ensure(ctx))
}

// Subscribe copies client envelopes into call envelopes until cancelled or
// the client closes.
func (s signaler) Subscribe() (<-chan *call.Envelope, func()) {
	src, stop := s.c.Subscribe()
	out := make(chan *call.Envelope, cap(src))
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case env, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- &call.Envelope{Event: env.Event, Data: env.Data}:
				case <-done:
					return
				}
			}
		}
	}()
	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			stop()
		})
	}
}

// unavailable marks errors that mean the channel cannot be used at all.
func unavailable(err error) error {
	if errors.Is(err, signaling.ErrClosed) || errors.Is(err, signaling.ErrNoIdentity) {
		return fmt.Errorf("%w: %v", call.ErrSignalingUnavailable, err)
	}
	return err
}

// recorder writes finished calls to the history table and keeps it bounded.
type recorder struct {
	db   *storage.DB
	keep int
}

func (r recorder) RecordCall(ctx context.Context, rec call.Record) error {
	err := r.db.InsertCall(ctx, storage.CallRecord{
		CallID:      rec.CallID,
		RemoteParty: rec.RemotePartyID,
		Role:        rec.Role.String(),
		Media:       rec.Media.String(),
		StartedAt:   rec.StartedAt,
		AnsweredAt:  rec.AnsweredAt,
		EndedAt:     rec.EndedAt,
		Reason:      rec.Reason,
	})
	if err != nil {
		return err
	}
	if r.keep > 0 {
		if n, err := r.db.PruneCalls(ctx, r.keep); err != nil {
			log.Warnf("history prune failed: %v", err)
		} else if n > 0 {
			log.Debugf("history: pruned %d old calls", n)
		}
	}
	return nil
}
