package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enrich/internal/model"
)

// JSON column helpers shared by both dialects. Nil slices are stored as
// "[]" so readers never see JSON null.

func encodeStringLists(a, b []string) ([]byte, []byte, error) {
	if a == nil {
		a = []string{}
	}
	if b == nil {
		b = []string{}
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal list")
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal list")
	}
	return ab, bb, nil
}

func decodeStringLists(a []byte, da *[]string, b []byte, db *[]string) error {
	if len(a) > 0 {
		if err := json.Unmarshal(a, da); err != nil {
			return eris.Wrap(err, "store: unmarshal list")
		}
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, db); err != nil {
			return eris.Wrap(err, "store: unmarshal list")
		}
	}
	return nil
}

func encodeBenchmark(b *model.CompetitorBenchmark) ([]byte, []byte, error) {
	competitors := b.Competitors
	if competitors == nil {
		competitors = []model.Competitor{}
	}
	cb, err := json.Marshal(competitors)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal competitors")
	}
	sb, err := json.Marshal(b.Stats)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal benchmark stats")
	}
	return cb, sb, nil
}

func decodeBenchmark(b *model.CompetitorBenchmark, competitors, stats []byte) error {
	if err := json.Unmarshal(competitors, &b.Competitors); err != nil {
		return eris.Wrap(err, "store: unmarshal competitors")
	}
	if err := json.Unmarshal(stats, &b.Stats); err != nil {
		return eris.Wrap(err, "store: unmarshal benchmark stats")
	}
	return nil
}
