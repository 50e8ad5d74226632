package broker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Breaker wraps a Broker with a circuit breaker. When the venue fails
// repeatedly the circuit opens and calls fail fast as transient errors,
// which the control loop already tolerates per tick.
type Breaker struct {
	inner Broker
	cb    *gobreaker.CircuitBreaker
}

var _ Broker = (*Breaker)(nil)

// NewBreaker wraps inner with the standard trip policy: open after 5
// consecutive failures, retry after 30 seconds.
func NewBreaker(inner Broker, log *logrus.Entry) *Breaker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	settings := gobreaker.Settings{
		Name:    "broker",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state change")
		},
	}
	return &Breaker{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) call(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

func (b *Breaker) Connect(ctx context.Context) error {
	_, err := b.call(func() (any, error) { return nil, b.inner.Connect(ctx) })
	return err
}

func (b *Breaker) Disconnect(ctx context.Context) error {
	// Shutdown must not be blocked by an open circuit.
	return b.inner.Disconnect(ctx)
}

func (b *Breaker) Connected() bool { return b.inner.Connected() }

func (b *Breaker) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	v, err := b.call(func() (any, error) { return b.inner.GetLastPrice(ctx, symbol) })
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (b *Breaker) PlaceEntry(ctx context.Context, symbol string, qty, lastPrice float64) (*OrderHandle, error) {
	v, err := b.call(func() (any, error) { return b.inner.PlaceEntry(ctx, symbol, qty, lastPrice) })
	if err != nil {
		return nil, err
	}
	return v.(*OrderHandle), nil
}

func (b *Breaker) PlaceTrailingStop(ctx context.Context, symbol string, qty, refPrice float64) (*OrderHandle, error) {
	v, err := b.call(func() (any, error) { return b.inner.PlaceTrailingStop(ctx, symbol, qty, refPrice) })
	if err != nil {
		return nil, err
	}
	return v.(*OrderHandle), nil
}

func (b *Breaker) Cancel(ctx context.Context, orderID string) error {
	_, err := b.call(func() (any, error) { return nil, b.inner.Cancel(ctx, orderID) })
	return err
}

func (b *Breaker) GetPositions(ctx context.Context) (map[string]Position, error) {
	v, err := b.call(func() (any, error) { return b.inner.GetPositions(ctx) })
	if err != nil {
		return nil, err
	}
	return v.(map[string]Position), nil
}

func (b *Breaker) GetOpenOrders(ctx context.Context) ([]OrderHandle, error) {
	v, err := b.call(func() (any, error) { return b.inner.GetOpenOrders(ctx) })
	if err != nil {
		return nil, err
	}
	return v.([]OrderHandle), nil
}

func (b *Breaker) GetAccountValue(ctx context.Context) (float64, error) {
	v, err := b.call(func() (any, error) { return b.inner.GetAccountValue(ctx) })
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (b *Breaker) GetAccountSummary(ctx context.Context) (map[string]float64, error) {
	v, err := b.call(func() (any, error) { return b.inner.GetAccountSummary(ctx) })
	if err != nil {
		return nil, err
	}
	return v.(map[string]float64), nil
}

func (b *Breaker) PollEvents(ctx context.Context) error {
	_, err := b.call(func() (any, error) { return nil, b.inner.PollEvents(ctx) })
	return err
}

func (b *Breaker) OnFill(cb FillCallback)         { b.inner.OnFill(cb) }
func (b *Breaker) OnOrderStatus(cb StatusCallback) { b.inner.OnOrderStatus(cb) }

func (b *Breaker) KeepAlive(ctx context.Context) error {
	_, err := b.call(func() (any, error) { return nil, b.inner.KeepAlive(ctx) })
	return err
}
