package rpcsurface

// Optional AMQP event-bus publisher, mirroring internal/runner/rmq.go's
// connection-and-exchange setup but narrowed to one direction: publish
// every lifecycle Event onto a topic exchange for deployments that want
// an event bus instead of (or alongside) the HTTP SSE stream.

import (
	"context"
	"encoding/json"

	"github.com/go-stack/stack"
	"github.com/makasim/amqpextra"
	"github.com/makasim/amqpextra/publisher"
	"github.com/streadway/amqp"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
	"github.com/pinokio-cloud/orchestrator-core/internal/events"
)

// DefaultExchange is the topic exchange events are published to, named
// after the teacher's own DefaultStudioRMQExchange convention.
const DefaultExchange = "orchestrator.events"

// AMQPPublisher republishes every event crossing a Bus onto an AMQP
// topic exchange, reconnecting transparently via amqpextra.
type AMQPPublisher struct {
	dialer *amqpextra.Dialer
	pub    *publisher.Publisher
}

// NewAMQPPublisher dials uri and declares DefaultExchange on every
// (re)connect via the publisher's init func, returning a publisher ready
// to have events fed to it via Run.
func NewAMQPPublisher(uri string) (*AMQPPublisher, *apperrors.Error) {
	dialer, errGo := amqpextra.NewDialer(amqpextra.WithURL(uri))
	if errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindTunnelOpenFailed, errGo).With("stack", stack.Trace().TrimRuntime())
	}

	pub, errGo := dialer.Publisher(
		publisher.WithInitFunc(func(conn publisher.AMQPConnection) (publisher.AMQPChannel, error) {
			ch, errGo := conn.(*amqp.Connection).Channel()
			if errGo != nil {
				return nil, errGo
			}
			if errGo := ch.ExchangeDeclare(DefaultExchange, "topic", true, false, false, false, nil); errGo != nil {
				return nil, errGo
			}
			return ch, nil
		}),
	)
	if errGo != nil {
		return nil, apperrors.Wrap(apperrors.KindTunnelOpenFailed, errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return &AMQPPublisher{dialer: dialer, pub: pub}, nil
}

// Run blocks, republishing every event received on ch until ctx is done.
func (a *AMQPPublisher) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			body, errGo := json.Marshal(ev)
			if errGo != nil {
				continue
			}
			msg := publisher.Message{
				Exchange: DefaultExchange,
				Key:      "app." + ev.AppID + "." + string(ev.Kind),
				Publishing: amqp.Publishing{
					ContentType: "application/json",
					Body:        body,
				},
			}
			a.pub.Publish(msg)
		}
	}
}

// Close releases the underlying connection.
func (a *AMQPPublisher) Close() error {
	a.dialer.Close()
	return nil
}

// queueDepthErr adapts a rabbit-hole diagnostics failure into the closed
// error set, used by the optional diagnostics command in diagnostics.go.
func queueDepthErr(errGo error) *apperrors.Error {
	return apperrors.Wrap(apperrors.KindInternal, errGo).With("stack", stack.Trace().TrimRuntime())
}
