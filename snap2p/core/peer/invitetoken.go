package peer

import (
	"errors"
	"time"

	"github.com/alexrudloff/snap2p/snap2p/core/invitetoken"
)

// ErrNotStealth is returned by every invite-token operation when the
// Peer's visibility isn't STEALTH — spec §4.8: "only meaningful in
// STEALTH mode; an error is raised otherwise."
var ErrNotStealth = errors.New("peer: invite tokens require STEALTH visibility")

// GenerateInviteTokenOptions mirrors invitetoken.Options under the
// library-facing names spec §6 uses.
type GenerateInviteTokenOptions struct {
	ExpiryMs  int64
	MaxUses   int
	SingleUse bool
}

func (o GenerateInviteTokenOptions) toStoreOptions() invitetoken.Options {
	var expiry time.Duration
	if o.ExpiryMs > 0 {
		expiry = time.Duration(o.ExpiryMs) * time.Millisecond
	}
	return invitetoken.Options{Expiry: expiry, MaxUses: o.MaxUses, SingleUse: o.SingleUse}
}

// GenerateInviteToken creates a fresh random invite token under opts,
// valid only for a STEALTH Peer.
func (p *Peer) GenerateInviteToken(opts GenerateInviteTokenOptions) ([]byte, error) {
	if p.inviteStore == nil {
		return nil, ErrNotStealth
	}
	return p.inviteStore.Generate(opts.toStoreOptions())
}

// ImportInviteToken registers an externally-created token (e.g. shared
// out of band) under the same policy options Generate would apply.
func (p *Peer) ImportInviteToken(token []byte, opts GenerateInviteTokenOptions) error {
	if p.inviteStore == nil {
		return ErrNotStealth
	}
	return p.inviteStore.Import(token, opts.toStoreOptions())
}

// RevokeInviteToken immediately invalidates token, regardless of its
// remaining uses or expiry.
func (p *Peer) RevokeInviteToken(token []byte) error {
	if p.inviteStore == nil {
		return ErrNotStealth
	}
	p.inviteStore.Revoke(token)
	return nil
}

// InviteTokenCount returns the number of currently-stored invite tokens.
func (p *Peer) InviteTokenCount() (int, error) {
	if p.inviteStore == nil {
		return 0, ErrNotStealth
	}
	return p.inviteStore.Count(), nil
}
