package server

import (
	"SwapGate/internal/ledger"
	"context"
	"crypto/subtle"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type access int

const (
	accessPublic access = iota
	// accessAccount lets any authenticated account act as itself.
	accessAccount
	// accessOwner is reserved to the contract owner. Deposit notifications
	// normally arrive over NATS; over RPC only the owner may inject one.
	accessOwner
)

var methodAccess = map[string]access{
	"OnTransfer":          accessOwner,
	"Withdraw":            accessAccount,
	"ExecuteOperation":    accessAccount,
	"GetBalance":          accessPublic,
	"GetRetained":         accessPublic,
	"GetOutcome":          accessPublic,
	"ListOutcomes":        accessPublic,
	"ListJournals":        accessPublic,
	"Pause":               accessOwner,
	"Unpause":             accessOwner,
	"RegisterRiskAddress": accessOwner,
	"TakeSnapshot":        accessOwner,
	"RebuildProjections":  accessOwner,
	"VerifyIntegrity":     accessOwner,
}

type callerKey struct{}

// CallerFrom returns the authenticated account of a request.
func CallerFrom(ctx context.Context) (ledger.AccountID, bool) {
	id, ok := ctx.Value(callerKey{}).(ledger.AccountID)
	return id, ok
}

// Authenticator maps bearer API keys to accounts. With no keys every
// non-public method is refused.
type Authenticator struct {
	owner ledger.AccountID
	keys  map[string]ledger.AccountID
}

func NewAuthenticator(owner ledger.AccountID, keys map[string]ledger.AccountID) *Authenticator {
	return &Authenticator{owner: owner, keys: keys}
}

// ParseAPIKeys parses "key=account,key=account".
func ParseAPIKeys(raw string) (map[string]ledger.AccountID, error) {
	keys := make(map[string]ledger.AccountID)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, account, ok := strings.Cut(entry, "=")
		if !ok || key == "" || account == "" {
			return nil, fmt.Errorf("malformed api key entry %q", entry)
		}
		if _, dup := keys[key]; dup {
			return nil, fmt.Errorf("duplicate api key for %s", account)
		}
		keys[key] = ledger.AccountID(account)
	}
	return keys, nil
}

func (a *Authenticator) lookup(key string) (ledger.AccountID, bool) {
	var found ledger.AccountID
	ok := false
	for k, id := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			found, ok = id, true
		}
	}
	return found, ok
}

// authorize checks the Authorization header value against the method's
// access level and stores the caller in the returned context. Methods
// missing from the table need the owner.
func (a *Authenticator) authorize(ctx context.Context, method, header string) (context.Context, error) {
	level, known := methodAccess[method]
	if !known {
		level = accessOwner
	}
	if level == accessPublic {
		return ctx, nil
	}

	key, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || key == "" {
		return ctx, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	caller, ok := a.lookup(key)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "unknown api key")
	}
	if level == accessOwner && caller != a.owner {
		return ctx, status.Errorf(codes.PermissionDenied, "%s requires the owner", method)
	}
	return context.WithValue(ctx, callerKey{}, caller), nil
}

// authenticate applies authorize to Gate methods. Other services, such as
// health, pass through.
func authenticate(auth *Authenticator) grpc.UnaryServerInterceptor {
	prefix := "/" + ServiceName + "/"
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		method, ok := strings.CutPrefix(info.FullMethod, prefix)
		if !ok {
			return handler(ctx, req)
		}

		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get("authorization"); len(values) > 0 {
				header = values[0]
			}
		}
		ctx, err := auth.authorize(ctx, method, header)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}
