package generation

import (
	"context"
	"errors"
	"fmt"

	"modcache/internal/feedback"
	"modcache/internal/fingerprint"
	"modcache/internal/hotcache"
	"modcache/internal/logging"
	"modcache/internal/match"
	"modcache/internal/metrics"
	"modcache/internal/pattern"
)

// errNoPattern signals through the hot cache that the matcher had nothing,
// so the response must come from the generator. Deliberately not cached:
// the pattern recorded right after a miss has to be servable immediately.
var errNoPattern = errors.New("no matching pattern")

// Response is what a caller gets back from the full flow.
type Response struct {
	Text      string
	PatternID string
	FromCache bool
}

// Service runs the complete request flow: normalize, consult the hot
// cache, match, and on a miss call the generator and learn the result.
type Service struct {
	matcher  *match.Matcher
	recorder *feedback.Recorder
	hot      *hotcache.Cache
	gen      Generator
	met      *metrics.Metrics
}

// NewService wires the flow together. A nil hot cache behaves as disabled.
func NewService(m *match.Matcher, r *feedback.Recorder, hot *hotcache.Cache, gen Generator) *Service {
	if hot == nil {
		hot = hotcache.New(hotcache.Config{})
	}
	return &Service{matcher: m, recorder: r, hot: hot, gen: gen, met: metrics.New()}
}

// Generate serves the request from the cache when it can, and falls back
// to the generative service when it cannot. Accepted fresh results are
// recorded as new patterns; a recording failure never loses the answer.
func (s *Service) Generate(ctx context.Context, req fingerprint.Request) (Response, error) {
	if !req.Category.Valid() {
		return Response{}, fmt.Errorf("%w: %q", pattern.ErrUnknownCategory, req.Category)
	}
	sig := fingerprint.Normalize(req)

	entry, _, err := s.hot.GetOrCompute(ctx, req.Category, sig, func(ctx context.Context) (hotcache.Entry, error) {
		if p, ok := s.matcher.Match(sig, req.Category); ok {
			return hotcache.Entry{PatternID: p.ID, Text: p.Artifact.Text}, nil
		}
		return hotcache.Entry{}, errNoPattern
	})
	switch {
	case err == nil:
		if rerr := s.recorder.RecordHit(entry.PatternID); rerr != nil {
			logging.Get(logging.CategoryGeneration).Warn("Served hit but failed to record it: %v", rerr)
		}
		s.met.TokensSaved.Add(float64(metrics.EstimateTokens(entry.Text)))
		logging.Generation("Served %s from cache", entry.PatternID)
		return Response{Text: entry.Text, PatternID: entry.PatternID, FromCache: true}, nil
	case errors.Is(err, errNoPattern):
		// fall through to the generator
	default:
		return Response{}, err
	}

	text, err := s.gen.Generate(ctx, req.Prompt)
	if err != nil {
		return Response{}, fmt.Errorf("generation failed: %w", err)
	}

	id, err := s.recorder.RecordNewPattern(sig, req.Category, text, nil)
	if err != nil {
		logging.Get(logging.CategoryGeneration).Warn("Generated but failed to record pattern: %v", err)
		return Response{Text: text}, nil
	}
	logging.Generation("Generated and recorded %s in %s", id, req.Category)
	return Response{Text: text, PatternID: id, FromCache: false}, nil
}
