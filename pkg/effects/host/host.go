// Package host supplies the production implementations of the effects
// capabilities. The core never touches the ambient environment; everything
// real enters through this package.
package host

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/google/uuid"
)

// SystemClock reads wall time.
type SystemClock struct{}

func (SystemClock) NowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Sleep waits for d or until ctx is done, whichever comes first.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OSRandom draws from the operating system entropy source.
type OSRandom struct{}

func (OSRandom) Fill(b []byte) error {
	_, err := rand.Read(b)
	return err
}

func (OSRandom) GenUUID() ([16]byte, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return [16]byte{}, err
	}
	return [16]byte(id), nil
}
