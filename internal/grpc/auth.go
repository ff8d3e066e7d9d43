package grpc

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// SecretMetadataKey carries the observer shared secret.
const SecretMetadataKey = "x-race-observer-secret"

// ServerOptions returns the options guarding the observer service. An empty
// secret leaves the service open.
func ServerOptions(secret string) []grpc.ServerOption {
	if strings.TrimSpace(secret) == "" {
		return nil
	}
	return []grpc.ServerOption{grpc.ChainStreamInterceptor(SharedSecretInterceptor(secret))}
}

// SharedSecretInterceptor rejects streams whose metadata lacks secret, given
// either under SecretMetadataKey or as a bearer token.
func SharedSecretInterceptor(secret string) grpc.StreamServerInterceptor {
	expected := []byte(strings.TrimSpace(secret))
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		md, ok := metadata.FromIncomingContext(ss.Context())
		if !ok {
			return status.Error(codes.Unauthenticated, "missing metadata")
		}
		candidate := extractSecret(md)
		if candidate == "" {
			return status.Error(codes.Unauthenticated, "missing shared secret")
		}
		if subtle.ConstantTimeCompare([]byte(candidate), expected) != 1 {
			return status.Error(codes.Unauthenticated, "invalid shared secret")
		}
		return handler(srv, ss)
	}
}

// WithSecret attaches the shared secret to an outgoing context.
func WithSecret(ctx context.Context, secret string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, SecretMetadataKey, secret)
}

func extractSecret(md metadata.MD) string {
	for _, value := range md.Get(SecretMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
			if token := strings.TrimSpace(value[7:]); token != "" {
				return token
			}
		}
	}
	return ""
}
