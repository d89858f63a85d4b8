package identity

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/apex/log"
	"github.com/jameslbray/chatrelay/bridge"
	"github.com/jameslbray/chatrelay/common"
	"github.com/jameslbray/chatrelay/resilience"
)

// ErrInvalidToken the presented token was examined and rejected
var ErrInvalidToken = errors.New("invalid auth token")

// Verifier resolves a client auth token into a user identity
type Verifier interface {
	// Verify check the token, returning the user ID it belongs to
	Verify(ctxt context.Context, token string) (string, error)
}

// AuthRequest request payload of a token verification exchange
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthReply response payload of a token verification exchange
type AuthReply struct {
	UserID string `json:"user_id"`
	Valid  bool   `json:"valid"`
}

// busVerifierImpl implements Verifier by asking the auth service over the bus
type busVerifierImpl struct {
	common.Component
	bus        bridge.BusBridge
	nodeID     string
	rpcTimeout time.Duration
}

// GetBusVerifier define a Verifier calling the auth service over the bus
func GetBusVerifier(
	bus bridge.BusBridge, nodeID string, rpcTimeout time.Duration, instance string,
) Verifier {
	logTags := log.Fields{
		"module": "identity", "component": "bus-verifier", "instance": instance,
	}
	return &busVerifierImpl{
		Component:  common.Component{LogTags: logTags},
		bus:        bus,
		nodeID:     nodeID,
		rpcTimeout: rpcTimeout,
	}
}

// Verify check the token against the auth service.
//
// An unreachable auth service surfaces as a regular error so callers can
// retry; only an explicit rejection maps to ErrInvalidToken, wrapped as
// permanent so retry loops stop immediately.
func (v *busVerifierImpl) Verify(ctxt context.Context, token string) (string, error) {
	payload, err := json.Marshal(&AuthRequest{Token: token})
	if err != nil {
		return "", err
	}
	request := common.NewEnvelope(common.MsgTypeRPCRequest, v.nodeID)
	request.Request = payload
	response, err := v.bus.PublishAndWait(ctxt, "auth", "auth.verify", request, v.rpcTimeout)
	if err != nil {
		log.WithError(err).WithFields(v.LogTags).Warn("Token verification call failed")
		return "", err
	}
	var reply AuthReply
	if err := json.Unmarshal(response.Reply, &reply); err != nil {
		return "", err
	}
	if !reply.Valid {
		return "", resilience.Permanent(ErrInvalidToken)
	}
	return reply.UserID, nil
}

// staticVerifierImpl implements Verifier against a fixed token table. Used
// when no auth service is deployed
type staticVerifierImpl struct {
	tokens map[string]string
}

// GetStaticVerifier define a Verifier backed by a fixed token to user table
func GetStaticVerifier(tokens map[string]string) Verifier {
	return &staticVerifierImpl{tokens: tokens}
}

// Verify check the token against the fixed table
func (v *staticVerifierImpl) Verify(ctxt context.Context, token string) (string, error) {
	if userID, ok := v.tokens[token]; ok {
		return userID, nil
	}
	return "", resilience.Permanent(ErrInvalidToken)
}
