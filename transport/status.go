package transport

import (
	"fmt"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Resource types carried in NOT_FOUND error metadata. The server tags every
// NOT_FOUND with the type of the resource it could not find; the retry
// protocol branches on these two.
const (
	SessionResourceType     = "stratadb.v1.Session"
	TransactionResourceType = "stratadb.v1.Transaction"
)

const (
	errorDomain         = "stratadb.io"
	mutationLimitReason = "MUTATION_LIMIT_EXCEEDED"
)

// AbortedError builds an ABORTED status error, optionally carrying the
// server's retry-delay hint as RetryInfo metadata.
func AbortedError(msg string, retryDelay time.Duration) error {
	st := status.New(codes.Aborted, msg)
	if retryDelay > 0 {
		detailed, err := st.WithDetails(&errdetails.RetryInfo{
			RetryDelay: durationpb.New(retryDelay),
		})
		if err == nil {
			st = detailed
		}
	}
	return st.Err()
}

// SessionNotFoundError builds the NOT_FOUND error the server returns for an
// expired or unknown session.
func SessionNotFoundError(session SessionRef) error {
	return notFoundError(SessionResourceType, string(session), "session not found")
}

// TransactionNotFoundError builds the NOT_FOUND error the server returns for
// an expired or unknown transaction.
func TransactionNotFoundError(id TransactionID) error {
	return notFoundError(TransactionResourceType, string(id), "transaction not found")
}

func notFoundError(resourceType, resourceName, msg string) error {
	st := status.New(codes.NotFound, fmt.Sprintf("%s: %s", msg, resourceName))
	detailed, err := st.WithDetails(&errdetails.ResourceInfo{
		ResourceType: resourceType,
		ResourceName: resourceName,
	})
	if err == nil {
		st = detailed
	}
	return st.Err()
}

// MutationLimitError builds the distinguished mutation-limit-exceeded error.
// It is never retryable at any layer.
func MutationLimitError(mutations, limit int) error {
	st := status.New(codes.InvalidArgument,
		fmt.Sprintf("request contains %d mutations, limit is %d", mutations, limit))
	detailed, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason: mutationLimitReason,
		Domain: errorDomain,
	})
	if err == nil {
		st = detailed
	}
	return st.Err()
}

// IsAborted reports whether err is an ABORTED status error.
func IsAborted(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.Aborted
}

// RetryDelay extracts the retry-delay hint attached to an ABORTED error.
// The second return value is false when no hint is present.
func RetryDelay(err error) (time.Duration, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return 0, false
	}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			return info.GetRetryDelay().AsDuration(), true
		}
	}
	return 0, false
}

// IsSessionNotFound reports whether err is a NOT_FOUND tagged with the
// session resource type.
func IsSessionNotFound(err error) bool {
	return notFoundResourceType(err) == SessionResourceType
}

// IsTransactionNotFound reports whether err is a NOT_FOUND tagged with the
// transaction resource type.
func IsTransactionNotFound(err error) bool {
	return notFoundResourceType(err) == TransactionResourceType
}

func notFoundResourceType(err error) string {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.NotFound {
		return ""
	}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ResourceInfo); ok {
			return info.GetResourceType()
		}
	}
	return ""
}

// IsMutationLimit reports whether err is the mutation-limit-exceeded subtype.
func IsMutationLimit(err error) bool {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.InvalidArgument {
		return false
	}
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok {
			return info.GetReason() == mutationLimitReason && info.GetDomain() == errorDomain
		}
	}
	return false
}
