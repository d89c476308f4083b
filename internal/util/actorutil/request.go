package actorutil

import (
	"github.com/mkarren/fleetrelay/internal/core/domain"

	"github.com/asynkron/protoactor-go/actor"
)

type forRequest struct {
	req domain.ActorRequest
}

// ExtendedRequest abstracts over "respond to sender" and "respond to the
// ReplyTo carried in the request", so an actor can forward a request to a
// child and have the child answer the original caller directly.
type ExtendedRequest interface {
	Respond(ctx actor.Context, resp domain.ActorResponse)
	ReplyTo(ctx actor.Context) *actor.PID
}

func ForRequest(r domain.ActorRequest) ExtendedRequest {
	return forRequest{req: r}
}

func (r forRequest) Respond(ctx actor.Context, resp domain.ActorResponse) {
	if r.req.ReplyTo() != nil {
		ctx.Send((*actor.PID)(r.req.ReplyTo()), resp)
	} else {
		ctx.Respond(resp)
	}
}

func (r forRequest) ReplyTo(ctx actor.Context) *actor.PID {
	if r.req.ReplyTo() != nil {
		return (*actor.PID)(r.req.ReplyTo())
	}
	return ctx.Sender()
}

// RespondTo sends resp to pid when set, covering callers that captured the
// reply target before suspending on another operation.
func RespondTo(ctx actor.Context, pid *actor.PID, resp domain.ActorResponse) {
	if pid != nil {
		ctx.Send(pid, resp)
	}
}
