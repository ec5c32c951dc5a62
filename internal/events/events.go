package events

import (
	"context"
	"fmt"

	"github.com/mustafaturan/bus/v3"
	"github.com/phuslu/log"
	"nuha.dev/bustracker/internal/util"
	"nuha.dev/bustracker/internal/waypoint"
)

const TopicWaypointIngested = "waypoint.ingested"

// Hub distributes newly ingested waypoints to in-process consumers.
type Hub struct {
	b   *bus.Bus
	log log.Logger
}

type WaypointHandler func(ctx context.Context, w *waypoint.Waypoint)

func NewHub(node uint64) (*Hub, error) {
	next, err := util.NewSequence(node)
	if err != nil {
		return nil, err
	}
	var g bus.Next = next
	b, err := bus.NewBus(g)
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(TopicWaypointIngested)
	h := &Hub{b: b}
	h.log = log.DefaultLogger
	h.log.Context = log.NewContext(nil).Str("module", "events").Value()
	return h, nil
}

// Subscribe registers fn under key. Handlers run synchronously inside
// Publish and must not block.
func (h *Hub) Subscribe(key string, fn WaypointHandler) {
	h.b.RegisterHandler(key, bus.Handler{
		Matcher: "^" + TopicWaypointIngested + "$",
		Handle: func(ctx context.Context, e bus.Event) {
			w, ok := e.Data.(*waypoint.Waypoint)
			if !ok {
				h.log.Warn().Str("topic", e.Topic).Msgf("unexpected event payload %T", e.Data)
				return
			}
			fn(ctx, w)
		},
	})
	h.log.Debug().Str("handler", key).Msg("handler registered")
}

func (h *Hub) Unsubscribe(key string) {
	h.b.DeregisterHandler(key)
}

func (h *Hub) Publish(ctx context.Context, w *waypoint.Waypoint) error {
	err := h.b.Emit(ctx, TopicWaypointIngested, w)
	if err != nil {
		return fmt.Errorf("emit %s: %w", TopicWaypointIngested, err)
	}
	return nil
}
