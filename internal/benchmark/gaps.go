package benchmark

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enrich/internal/model"
)

// channels is the set of contact features known for one lead.
type channels struct {
	whatsapp bool
	booking  bool
	website  bool
}

func (e *Engine) channelsFor(ctx context.Context, l *model.Lead) (channels, error) {
	ch := channels{website: l.Website() != ""}
	if _, ok := l.Socials[GapWhatsApp]; ok {
		ch.whatsapp = true
	}

	audit, err := e.store.LatestUxAudit(ctx, l.ID)
	if err != nil {
		return ch, eris.Wrapf(err, "benchmark: load ux audit for lead %s", l.ID)
	}
	ch.whatsapp = ch.whatsapp || audit.HasChannel(model.ChannelWhatsApp)
	ch.booking = audit.HasChannel(model.ChannelBooking)
	return ch, nil
}

// gaps flags each feature the target lacks while at least one of the top
// competitors has it.
func (e *Engine) gaps(ctx context.Context, target *model.Lead, top []candidate) (map[string]bool, error) {
	own, err := e.channelsFor(ctx, target)
	if err != nil {
		return nil, err
	}

	var rivals channels
	for i := range top {
		ch, err := e.channelsFor(ctx, &top[i].lead)
		if err != nil {
			return nil, err
		}
		rivals.whatsapp = rivals.whatsapp || ch.whatsapp
		rivals.booking = rivals.booking || ch.booking
		rivals.website = rivals.website || ch.website
	}

	return map[string]bool{
		GapWhatsApp: !own.whatsapp && rivals.whatsapp,
		GapBooking:  !own.booking && rivals.booking,
		GapWebsite:  !own.website && rivals.website,
	}, nil
}
