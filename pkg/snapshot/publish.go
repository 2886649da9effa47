package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrBackPressured is returned by Publish when the context ends before the
// publication accepted the record.
var ErrBackPressured = errors.New("snapshot: publication back pressured")

// Publication is an outbound, channel-like publish primitive. Offer returns a
// non-negative position once the data is accepted and a negative value while
// the publication is back pressured.
type Publication interface {
	Offer(ctx context.Context, data []byte) (int64, error)
}

// Payload is the wire form of a record: the bare state name or AbsentMarker.
func Payload(rec Record) []byte {
	return []byte(encodeState(rec))
}

// Publish offers rec until the publication accepts it.
func Publish(ctx context.Context, pub Publication, rec Record) (int64, error) {
	data := Payload(rec)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond

	pos, err := backoff.Retry(ctx, func() (int64, error) {
		pos, err := pub.Offer(ctx, data)
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		if pos < 0 {
			return 0, ErrBackPressured
		}
		return pos, nil
	}, backoff.WithBackOff(b))
	if err != nil {
		return 0, fmt.Errorf("publish replica %d snapshot: %w", rec.Replica, err)
	}

	slog.Info("snapshot published", "replica", rec.Replica, "state", string(data), "position", pos)
	return pos, nil
}

// ChanPublication is an in-process publication backed by a buffered channel.
type ChanPublication struct {
	ch       chan []byte
	position atomic.Int64
}

func NewChanPublication(size int) *ChanPublication {
	return &ChanPublication{ch: make(chan []byte, size)}
}

func (p *ChanPublication) Offer(ctx context.Context, data []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	select {
	case p.ch <- append([]byte(nil), data...):
		return p.position.Add(int64(len(data))), nil
	default:
		return -1, nil
	}
}

// C delivers accepted payloads.
func (p *ChanPublication) C() <-chan []byte {
	return p.ch
}
