package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"go-lambda-channels/config"
)

// Delivery hands a handler's Response to the transport. It always produces a
// value for the Lambda runtime; failures are recorded on the Invocation and
// never surface as invocation errors.
type Delivery interface {
	Mode() DeliveryMode
	Deliver(ctx context.Context, inv *Invocation, resp *Response) any
}

// budgetErr reports err as ErrTimeout when ctx ran out of time.
func budgetErr(ctx context.Context, err error) error {
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(ErrTimeout, "%v", err)
	}
	return err
}

// bufferedDelivery materializes the whole Response and returns it as the
// invocation result. It serves both Buffered and Return modes; the channel
// decides the outbound shape.
type bufferedDelivery struct {
	mode DeliveryMode
}

func NewBufferedDelivery() Delivery { return bufferedDelivery{mode: DeliveryBuffered} }

func NewReturnDelivery() Delivery { return bufferedDelivery{mode: DeliveryReturn} }

func (d bufferedDelivery) Mode() DeliveryMode { return d.mode }

func (d bufferedDelivery) Deliver(ctx context.Context, inv *Invocation, resp *Response) any {
	inv.advance(StateDelivering)

	ctx, cancel := context.WithDeadline(ctx, inv.Deadline)
	defer cancel()

	if err := resp.Materialize(ctx); err != nil {
		err = budgetErr(ctx, err)
		er := ErrorResponse(err)
		inv.setStatus(er.StatusCode)
		inv.finish(true, err)
		return Outbound(inv.Request.Channel, er)
	}

	inv.setStatus(statusOrOK(resp.StatusCode))
	inv.finish(false, nil)
	return Outbound(inv.Request.Channel, resp)
}

// pushDelivery answers the invocation with an empty acknowledgement and sends
// the Response body to the connection through the Registry.
type pushDelivery struct {
	registry *Registry
	cfg      config.PushConfig
	log      zerolog.Logger
}

func NewPushDelivery(registry *Registry, cfg config.PushConfig, log zerolog.Logger) Delivery {
	return &pushDelivery{registry: registry, cfg: cfg, log: log}
}

func (d *pushDelivery) Mode() DeliveryMode { return DeliveryPostToConnection }

func (d *pushDelivery) Deliver(ctx context.Context, inv *Invocation, resp *Response) any {
	inv.advance(StateDelivering)
	ack := Outbound(ChannelWebSocket, &Response{StatusCode: http.StatusOK})
	inv.setStatus(http.StatusOK)

	ctx, cancel := context.WithDeadline(ctx, inv.Deadline)
	defer cancel()

	if err := resp.Materialize(ctx); err != nil {
		err = budgetErr(ctx, err)
		d.log.Warn().Err(err).Str("connection_id", inv.Request.ConnectionID).Msg("[push] response body failed, nothing pushed")
		inv.finish(true, err)
		return ack
	}
	if len(resp.Body) == 0 {
		inv.finish(false, nil)
		return ack
	}

	err := d.push(ctx, inv.Request.ConnectionID, resp.Body)
	switch {
	case err == nil:
		inv.finish(false, nil)
	case errors.Is(err, ErrConnectionGone):
		// the peer is unreachable, there is nobody to report to
		d.log.Info().Err(err).Str("connection_id", inv.Request.ConnectionID).Msg("[push] connection gone, reply dropped")
		inv.finish(false, err)
	default:
		d.log.Warn().Err(err).Str("connection_id", inv.Request.ConnectionID).Msg("[push] delivery failed")
		inv.finish(true, err)
	}
	return ack
}

// push retries ErrPushRejected with exponential backoff up to the configured
// bound. Any other failure ends the attempt immediately.
func (d *pushDelivery) push(ctx context.Context, id string, payload []byte) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.BaseDelay
	bo.MaxInterval = d.cfg.MaxDelay
	bo.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		err := d.registry.Push(ctx, id, payload)
		if err == nil || errors.Is(err, ErrPushRejected) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		d.log.Debug().Err(err).Str("connection_id", id).Int("attempt", attempts).Dur("retry_in", wait).Msg("[push] rejected, retrying")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(max(d.cfg.MaxRetries, 0))), ctx)
	err := backoff.RetryNotify(op, policy, notify)
	switch {
	case err == nil, errors.Is(err, ErrConnectionGone):
		return err
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return errors.Wrapf(ErrTimeout, "push to %s: %v", id, err)
	}
	return errors.Wrapf(ErrDeliveryFailed, "push to %s after %d attempts: %v", id, attempts, err)
}
