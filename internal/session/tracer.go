package session

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livechat/sessionstate/internal/chat"
)

// Tracer is a side channel for diagnostics. It never influences the state.
type Tracer interface {
	EventApplied(ev chat.Event, seq uint64)
	EventIgnored(ev chat.Event)
	EventRejected(err error)
	ObserverFailed(id uuid.UUID, err error)
}

type nopTracer struct{}

func (nopTracer) EventApplied(chat.Event, uint64) {}
func (nopTracer) EventIgnored(chat.Event)         {}
func (nopTracer) EventRejected(error)             {}
func (nopTracer) ObserverFailed(uuid.UUID, error) {}

type zapTracer struct {
	log *zap.Logger
}

// NewZapTracer returns a Tracer that logs applied and ignored events at debug
// level and failures at warn/error.
func NewZapTracer(log *zap.Logger) Tracer {
	if log == nil {
		log = zap.NewNop()
	}
	return &zapTracer{log: log.Named("dispatch")}
}

func (t *zapTracer) EventApplied(ev chat.Event, seq uint64) {
	t.log.Debug("event applied",
		zap.String("kind", ev.Kind()),
		zap.Uint64("seq", seq),
		zap.Any("event", ev),
	)
}

func (t *zapTracer) EventIgnored(ev chat.Event) {
	t.log.Debug("event ignored", zap.String("kind", ev.Kind()))
}

func (t *zapTracer) EventRejected(err error) {
	t.log.Warn("event rejected", zap.Error(err))
}

func (t *zapTracer) ObserverFailed(id uuid.UUID, err error) {
	t.log.Error("observer failed", zap.Stringer("subscription", id), zap.Error(err))
}
