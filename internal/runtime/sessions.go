package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/momflow/internal/runtime/dispatch"
	errspkg "github.com/drblury/momflow/internal/runtime/errors"
	"github.com/drblury/momflow/internal/runtime/executor"
	"github.com/drblury/momflow/internal/runtime/ids"
	"github.com/drblury/momflow/internal/runtime/kvmsg"
)

// Session control messages carry one of these operations under KeyOp.
const (
	KeyOp        = "OP"
	KeySessionID = "SESSION_ID"

	OpOpenSession  = "OPEN_SESSION"
	OpCloseSession = "CLOSE_SESSION"
)

// SessionService answers session control requests on dest: OPEN_SESSION
// binds every group template inside a new group and returns its SESSION_ID,
// CLOSE_SESSION unbinds it again.
func (c *Client) SessionService(ctx context.Context, dest string) (*Service, error) {
	return c.RequestService(ctx, dest, c.sessionControlWorker())
}

func (c *Client) sessionControlWorker() dispatch.Worker {
	return dispatch.WorkerFunc(func(ctx context.Context, req kvmsg.Message) (kvmsg.Message, error) {
		switch op := req.Text(KeyOp); op {
		case OpOpenSession:
			id := req.Text(KeySessionID)
			if id == "" {
				id = ids.CorrelationID()
			}
			if err := c.OpenGroupServices(ctx, id); err != nil {
				return nil, err
			}
			return kvmsg.Message{KeySessionID: kvmsg.String(id), kvmsg.KeyRC: kvmsg.Int32(kvmsg.RCSuccess)}, nil
		case OpCloseSession:
			id := req.Text(KeySessionID)
			if id == "" {
				return nil, errspkg.ErrGroupRequired
			}
			if err := c.CloseGroupServices(ctx, id); err != nil {
				return nil, err
			}
			return kvmsg.Message{KeySessionID: kvmsg.String(id), kvmsg.KeyRC: kvmsg.Int32(kvmsg.RCSuccess)}, nil
		default:
			return nil, errspkg.NewProtocolError("unknown session operation %q", op)
		}
	})
}

// OpenSession asks the session service on dest for a new group and opens it
// locally. Requests sent with the returned context are scoped to the group.
func (c *Client) OpenSession(ctx context.Context, exec *executor.Executor, dest string) (context.Context, string, error) {
	reply, err := exec.RequestReply(ctx, kvmsg.Message{KeyOp: kvmsg.String(OpOpenSession)}, dest)
	if err != nil {
		return ctx, "", err
	}
	if err := replyError(reply); err != nil {
		return ctx, "", err
	}
	id := reply.Text(KeySessionID)
	if id == "" {
		return ctx, "", errspkg.NewProtocolError("session reply from %s carries no %s", dest, KeySessionID)
	}
	groupCtx, err := c.OpenGroup(ctx, id)
	if err != nil {
		return ctx, "", err
	}
	return groupCtx, id, nil
}

// CloseSession closes group id locally, including its reply listeners, and
// asks the session service on dest to unbind it.
func (c *Client) CloseSession(ctx context.Context, exec *executor.Executor, dest, id string) error {
	if err := c.CloseGroup(ctx, id); err != nil {
		return err
	}
	req := kvmsg.Message{KeyOp: kvmsg.String(OpCloseSession), KeySessionID: kvmsg.String(id)}
	reply, err := exec.RequestReply(ctx, req, dest)
	if err != nil {
		return err
	}
	return replyError(reply)
}

// replyError turns a non-zero RC into a worker error.
func replyError(reply kvmsg.Message) error {
	rc, err := reply.Int32(kvmsg.KeyRC, 0)
	if err != nil {
		return err
	}
	if rc == kvmsg.RCSuccess {
		return nil
	}
	return &errspkg.WorkerError{Reason: fmt.Sprintf("remote returned RC %d", rc), Err: errors.New(reply.Text(kvmsg.KeyErr))}
}
