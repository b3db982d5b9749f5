package oob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caraloop/carlink/internal/log"
	"github.com/caraloop/carlink/pkg/protocol"
)

var logger = log.Tag("oob")

// DefaultAttemptTimeout bounds a single channel's Read in security version 4, per spec.md §4.6.
const DefaultAttemptTimeout = 500 * time.Millisecond

// ChannelSet races every configured Channel concurrently and returns the first OobData produced;
// the rest are cancelled. Implements OobChannelSet (C6) of spec.md §4.6.
type ChannelSet struct {
	channels       []Channel
	attemptTimeout time.Duration // zero disables the per-attempt timeout (security versions < 4).
}

// NewChannelSet builds a set over channels. attemptTimeout of zero means no per-attempt deadline
// is imposed beyond ctx itself; callers for security version 4 should pass DefaultAttemptTimeout.
func NewChannelSet(channels []Channel, attemptTimeout time.Duration) *ChannelSet {
	return &ChannelSet{channels: channels, attemptTimeout: attemptTimeout}
}

type result struct {
	data OobData
	err  error
}

// Read launches every channel's Read concurrently. The first to succeed wins and the rest are
// cancelled; if every channel fails (or none are configured), it returns protocol.ErrOobUnavailable
// wrapping the last error seen.
func (s *ChannelSet) Read(ctx context.Context) (OobData, error) {
	if len(s.channels) == 0 {
		return OobData{}, protocol.ErrOobUnavailable
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result, len(s.channels))
	var wg sync.WaitGroup
	for _, ch := range s.channels {
		ch := ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			attemptCtx := runCtx
			if s.attemptTimeout > 0 {
				var attemptCancel context.CancelFunc
				attemptCtx, attemptCancel = context.WithTimeout(runCtx, s.attemptTimeout)
				defer attemptCancel()
			}
			data, err := ch.Read(attemptCtx)
			select {
			case results <- result{data: data, err: err}:
			case <-runCtx.Done():
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var lastErr error
	for r := range results {
		if r.err == nil {
			cancel() // stop the remaining channels; their Reads are expected to unwind promptly.
			return r.data, nil
		}
		lastErr = r.err
		logger.Debug("oob channel failed: %v", r.err)
	}
	if lastErr == nil {
		return OobData{}, protocol.ErrOobUnavailable
	}
	return OobData{}, fmt.Errorf("%w: %v", protocol.ErrOobUnavailable, lastErr)
}
