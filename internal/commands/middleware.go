package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "pollrelay/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

// slowCommand promotes the completion line from debug to info.
const slowCommand = 750 * time.Millisecond

// instrument runs h under timeout, turns a panic into an error and logs the
// outcome on req.Logger.
func instrument(h HandlerFunc, timeout time.Duration) HandlerFunc {
	return func(ctx context.Context, req *Request) (err error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				req.Logger.Error("panic in command handler",
					logx.Any("panic", rec),
					logx.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("command %s: panic: %v", req.Command, rec)
			}
			took := time.Since(start)
			fields := []logx.Field{logx.Int64("from_id", req.FromID), logx.Duration("dur", took)}
			switch {
			case err != nil:
				req.Logger.Warn("command failed", append(fields, logx.Err(err))...)
			case took >= slowCommand:
				req.Logger.Info("command ok", fields...)
			default:
				req.Logger.Debug("command ok", fields...)
			}
		}()
		return h(ctx, req)
	}
}
