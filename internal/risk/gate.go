package risk

import (
	"SwapGate/internal/ledger"
	"SwapGate/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrRiskQueryFailed covers transport errors, timeouts and empty or
	// undecodable replies. A failed query is never treated as approval.
	ErrRiskQueryFailed = errors.New("risk query failed")
	// ErrRiskRejected is returned when the score exceeds the threshold.
	ErrRiskRejected = errors.New("risk rejected")
)

// DefaultThreshold is the highest acceptable score.
const DefaultThreshold uint8 = 5

// Client reaches the scoring service.
type Client interface {
	GetAddress(ctx context.Context, address ledger.AccountID) (CategoryRisk, error)
}

// Gate queries the scoring service and applies the threshold policy.
// It keeps no state between calls: no cache, no retry.
type Gate struct {
	client    Client
	threshold uint8
	timeout   time.Duration
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewGate(client Client, threshold uint8, timeout time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *Gate {
	return &Gate{
		client:    client,
		threshold: threshold,
		timeout:   timeout,
		metrics:   metrics,
		logger:    logger,
	}
}

// Threshold returns the configured threshold.
func (g *Gate) Threshold() uint8 { return g.threshold }

// Query asks the scoring service about an address. The call is bounded by the
// gate's timeout, which stands in for the compute allotted to the query.
func (g *Gate) Query(ctx context.Context, address ledger.AccountID) (CategoryRisk, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	cr, err := g.client.GetAddress(ctx, address)
	if g.metrics != nil {
		g.metrics.RiskQueryDuration.Observe(time.Since(start).Seconds())
	}

	if err == nil && cr.Category == "" {
		err = ErrMalformedReply
	}
	if err == nil && cr.Risk > MaxRisk {
		err = fmt.Errorf("%w: risk %d out of range", ErrMalformedReply, cr.Risk)
	}
	if err != nil {
		if g.metrics != nil {
			g.metrics.RiskQueries.WithLabelValues("failed").Inc()
		}
		g.logger.Warn().Err(err).Str("address", string(address)).Msg("risk query failed")
		return CategoryRisk{}, fmt.Errorf("%w: %v", ErrRiskQueryFailed, err)
	}

	if g.metrics != nil {
		g.metrics.RiskQueries.WithLabelValues("ok").Inc()
		g.metrics.RiskScore.Observe(float64(cr.Risk))
	}
	return cr, nil
}

// AssertAcceptable fails with ErrRiskRejected when the score is above the
// threshold. The category does not matter.
func (g *Gate) AssertAcceptable(cr CategoryRisk) error {
	if cr.Risk > g.threshold {
		if g.metrics != nil {
			g.metrics.RiskDecisions.WithLabelValues("rejected").Inc()
		}
		return fmt.Errorf("%w: score %d above threshold %d (%s)", ErrRiskRejected, cr.Risk, g.threshold, cr.Category)
	}
	if g.metrics != nil {
		g.metrics.RiskDecisions.WithLabelValues("approved").Inc()
	}
	return nil
}
