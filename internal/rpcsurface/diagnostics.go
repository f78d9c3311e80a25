package rpcsurface

// Optional diagnostics over the AMQP management API, used only to
// inspect exchange/queue depth when the AMQP transport is active.
// Mirrors the management-API calls internal/runner/rmq.go makes through
// rabbit-hole for its own queue enumeration.

import (
	rh "github.com/michaelklishin/rabbit-hole/v2"

	"github.com/pinokio-cloud/orchestrator-core/internal/apperrors"
)

// QueueDepth reports the message count backlog on a named queue bound to
// DefaultExchange, as seen through the RabbitMQ management API.
func QueueDepth(mgmtURL, user, pass, vhost, queue string) (int, *apperrors.Error) {
	client, errGo := rh.NewClient(mgmtURL, user, pass)
	if errGo != nil {
		return 0, queueDepthErr(errGo)
	}
	q, errGo := client.GetQueue(vhost, queue)
	if errGo != nil {
		return 0, queueDepthErr(errGo)
	}
	return q.Messages, nil
}
