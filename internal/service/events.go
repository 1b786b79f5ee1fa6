package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/billix/billswap/internal/domain"
)

// publisher fans committed changes out to the signal bus. A nil bus turns
// every call into a no-op. Delivery failures are logged and never fail the
// operation that produced the event.
type publisher struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

func (p publisher) swap(ctx context.Context, ev domain.SwapEvent) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.ErrorContext(ctx, "events: marshal swap event", slog.String("error", err.Error()))
		return
	}
	if err := p.bus.Publish(ctx, domain.ChannelSwaps, payload); err != nil {
		p.logger.WarnContext(ctx, "events: publish swap event failed",
			slog.String("swap_id", ev.SwapID),
			slog.String("error", err.Error()),
		)
	}
	if err := p.bus.StreamAppend(ctx, domain.StreamSwapEvents, payload); err != nil {
		p.logger.WarnContext(ctx, "events: append swap event failed",
			slog.String("swap_id", ev.SwapID),
			slog.String("error", err.Error()),
		)
	}
}

func (p publisher) trust(ctx context.Context, events []domain.TrustEvent) {
	if p.bus == nil {
		return
	}
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			p.logger.ErrorContext(ctx, "events: marshal trust event", slog.String("error", err.Error()))
			continue
		}
		if err := p.bus.Publish(ctx, domain.ChannelTrust, payload); err != nil {
			p.logger.WarnContext(ctx, "events: publish trust event failed",
				slog.String("user_id", ev.UserID),
				slog.String("error", err.Error()),
			)
		}
	}
}
