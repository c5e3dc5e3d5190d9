// Package feed reads event envelopes from outside the process and hands them
// to a session store.
package feed

import (
	"errors"

	"go.uber.org/zap"

	"github.com/livechat/sessionstate/internal/chat"
	"github.com/livechat/sessionstate/internal/session"
)

// Dispatcher is the part of session.Store that feeds need.
type Dispatcher interface {
	DispatchJSON(data []byte) error
}

// Stats counts what a feed did with the envelopes it read.
type Stats struct {
	Read     int
	Rejected int
}

// dispatch forwards one envelope. Malformed envelopes are logged and counted;
// only a closed store stops the feed.
func dispatch(d Dispatcher, data []byte, stats *Stats, log *zap.Logger) error {
	stats.Read++
	err := d.DispatchJSON(data)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrClosed):
		return err
	case errors.Is(err, chat.ErrMalformed):
		stats.Rejected++
		log.Debug("malformed envelope", zap.Error(err))
		return nil
	default:
		stats.Rejected++
		log.Warn("envelope rejected", zap.Error(err))
		return nil
	}
}
