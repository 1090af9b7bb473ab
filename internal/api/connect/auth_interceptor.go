package connect

import (
	"context"
	"crypto/subtle"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"

	"github.com/moonggae/kmedia/internal/api/wire"
)

var errBadToken = errors.New("missing or invalid token")

// TokenInterceptor rejects unary and streaming calls whose token header does
// not match. An empty token disables the check.
type TokenInterceptor struct {
	token string
}

var _ connect.Interceptor = (*TokenInterceptor)(nil)

// NewTokenInterceptor creates an interceptor validating wire.TokenHeader.
func NewTokenInterceptor(token string) *TokenInterceptor {
	return &TokenInterceptor{token: token}
}

func (i *TokenInterceptor) check(token string) error {
	if i.token == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(i.token)) != 1 {
		return connect.NewError(connect.CodeUnauthenticated, errBadToken)
	}
	return nil
}

// WrapUnary validates unary requests.
func (i *TokenInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		if req.Spec().IsClient {
			return next(ctx, req)
		}
		if err := i.check(req.Header().Get(wire.TokenHeader)); err != nil {
			return nil, err
		}
		return next(ctx, req)
	}
}

// WrapStreamingClient leaves client streams untouched.
func (i *TokenInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

// WrapStreamingHandler validates streaming requests.
func (i *TokenInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		if err := i.check(conn.RequestHeader().Get(wire.TokenHeader)); err != nil {
			return err
		}
		return next(ctx, conn)
	}
}
