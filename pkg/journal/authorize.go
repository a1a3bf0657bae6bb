package journal

import (
	"errors"
	"fmt"

	"github.com/aura-dev/aura/pkg/authority"
	"github.com/aura-dev/aura/pkg/capability"
	"github.com/aura-dev/aura/pkg/effects"
	"github.com/aura-dev/aura/pkg/threshold"
	"github.com/aura-dev/aura/pkg/types"
)

var (
	ErrSignatureInvalid   = errors.New("journal: signature invalid")
	ErrCapabilityDenied   = errors.New("journal: capability denied")
	ErrThresholdTooSmall  = errors.New("journal: threshold signer set too small")
	ErrLifecycleForbidden = errors.New("journal: lifecycle authorization only bootstraps an empty account")
)

// requiredScope maps a payload tag to the capability scope its author must
// hold. Threshold-authorized payloads are checked against the group policy
// instead.
func requiredScope(tag uint16) capability.Scope {
	switch tag {
	case TagMessagePosted, TagReactionAdded, TagProfileUpdated:
		return capability.ScopeMessage
	case TagAuthorityRegistered:
		return capability.ScopeMembershipChange
	case TagAuthorityStatusChanged, TagCapabilityNarrowed:
		return capability.ScopeApproval
	case TagDKDRootPinned:
		return capability.ScopeDerivation
	case TagCompactionCheckpoint:
		return capability.ScopeCompaction
	default:
		return capability.ScopeCeremony
	}
}

// ThresholdMessage is the message a threshold authorization actually signs:
// the payload bound to the account, the epoch it was prepared under, and the
// group policy. The author's chain position (nonce, parent) is excluded, so
// remote signers can produce partials before the coordinator's head is known.
func ThresholdMessage(account types.AccountID, epoch types.Epoch, policy types.Hash32, p Payload) []byte {
	return threshold.BindingMessage(threshold.Context{
		NodeID:     types.Hash32(account),
		Epoch:      epoch,
		PolicyHash: policy,
	}, PayloadBytes(p))
}

// TrackSet returns an observer that folds membership payloads into the
// authority table, so authorization always checks the post-event state.
func TrackSet(set *authority.Set) Observer {
	return func(e *Event) {
		switch p := e.Payload.(type) {
		case *AuthorityRegistered:
			_ = set.Register(authority.Authority{
				ID:           p.Authority,
				PublicKey:    p.PublicKey,
				Capabilities: capability.Cap(p.Caps),
				Role:         authority.Role(p.Role),
			})
		case *AuthorityStatusChanged:
			_ = set.Transition(p.Authority, authority.Status(p.Status))
		case *CapabilityNarrowed:
			_ = set.Narrow(p.Authority, capability.Cap(p.Caps))
		}
	}
}

// SetAuthorizer validates event authorizations against a live authority set.
// Signature events verify under the origin's registered key; threshold
// events verify under the group key with at least Threshold active signers.
type SetAuthorizer struct {
	Set       *authority.Set
	Crypto    effects.Crypto
	GroupPub  []byte
	Threshold int
}

func (v *SetAuthorizer) Authorize(e *Event) error {
	switch e.Auth.Tag {
	case AuthTagLifecycle:
		// Only the very first registration may self-authorize; everything
		// after that has a key to sign with.
		if len(v.Set.All()) > 0 {
			return ErrLifecycleForbidden
		}
		if _, ok := e.Payload.(*AuthorityRegistered); !ok {
			return ErrLifecycleForbidden
		}
		return nil

	case AuthTagSignature:
		signer, err := v.Set.Get(e.Authority)
		if err != nil {
			return err
		}
		if signer.Status != authority.StatusActive {
			return fmt.Errorf("%w: authority %s is %s", ErrSignatureInvalid, e.Authority, signer.Status)
		}
		if !signer.Capabilities.Allows(requiredScope(e.Payload.Tag())) {
			return fmt.Errorf("%w: authority %s lacks scope for tag %d",
				ErrCapabilityDenied, e.Authority, e.Payload.Tag())
		}
		if !v.Crypto.Verify(signer.PublicKey, e.SigningBytes(), e.Auth.Signature) {
			return fmt.Errorf("%w: authority %s", ErrSignatureInvalid, e.Authority)
		}
		return nil

	case AuthTagThreshold:
		if len(v.GroupPub) == 0 {
			return fmt.Errorf("%w: no group key installed", ErrSignatureInvalid)
		}
		seen := make(map[types.AuthorityID]bool, len(e.Auth.Signers))
		for _, id := range e.Auth.Signers {
			if seen[id] {
				return fmt.Errorf("%w: duplicate signer %s", ErrThresholdTooSmall, id)
			}
			seen[id] = true
			member, err := v.Set.Get(id)
			if err != nil {
				return err
			}
			if member.Status != authority.StatusActive {
				return fmt.Errorf("%w: signer %s is %s", ErrSignatureInvalid, id, member.Status)
			}
		}
		if len(seen) < v.Threshold {
			return fmt.Errorf("%w: %d of %d", ErrThresholdTooSmall, len(seen), v.Threshold)
		}
		msg := ThresholdMessage(e.Account, e.Epoch, v.Crypto.Hash(v.GroupPub), e.Payload)
		if !v.Crypto.VerifyAggregate(v.GroupPub, msg, e.Auth.Signature) {
			return fmt.Errorf("%w: aggregate signature", ErrSignatureInvalid)
		}
		return nil

	default:
		return fmt.Errorf("%w: %d", ErrUnknownAuthTag, e.Auth.Tag)
	}
}
