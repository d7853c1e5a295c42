package gossip

import (
	"context"
	"math"

	"trustgossip/internal/crypto"
	"trustgossip/internal/proto"
	"trustgossip/internal/trust"
)

type admission struct {
	id     string
	reason string
	err    error
}

func reject(reason string, err error) admission {
	return admission{reason: reason, err: err}
}

func (e *Engine) admitLocked(ctx context.Context, msg proto.Message) admission {
	switch msg.Type {
	case proto.KindPost:
		return e.admitPostLocked(ctx, *msg.Post)
	case proto.KindTrust:
		return e.admitTrustLocked(ctx, *msg.Trust)
	case proto.KindEncryptedTrust:
		return e.admitEncryptedTrustLocked(ctx, *msg.EncryptedTrust)
	case proto.KindSlide:
		return e.admitSlideLocked(ctx, *msg.Slide)
	case proto.KindStateSync:
		return e.admitStateSyncLocked(*msg.StateSync)
	case proto.KindStateRequest:
		return e.admitStateRequestLocked(*msg.StateRequest, msg.Timestamp)
	default:
		return reject("invalid", nil)
	}
}

// inWindow checks an attested timestamp (unix ms) against MaxPostAge and
// MaxClockSkew.
func (e *Engine) inWindow(ts int64) bool {
	now := e.cfg.Now().UnixMilli()
	if now-ts > e.cfg.MaxPostAge.Milliseconds() {
		return false
	}
	return ts <= now+e.cfg.MaxClockSkew.Milliseconds()
}

func (e *Engine) attested(ctx context.Context, att proto.Attestation) (bool, error) {
	if e.cfg.Attestor == nil {
		return false, nil
	}
	return e.cfg.Attestor.Verify(ctx, att)
}

func (e *Engine) admitPostLocked(ctx context.Context, p proto.PostPackage) admission {
	if _, ok := e.posts[p.ID]; ok {
		return reject("duplicate", nil)
	}
	if !e.inWindow(p.Proof.Timestamp) {
		return reject("window", nil)
	}
	hops := e.trust.HopDistance(p.Author)
	if hops > e.trust.MaxHops() {
		return reject("untrusted", nil)
	}
	if ok, err := e.attested(ctx, p.Proof); !ok {
		return reject("attestation", err)
	}
	if p.Proof.Hash != proto.PostPayloadHash(p) {
		return reject("proof_binding", nil)
	}
	if p.ID != proto.PostContentID(p.Content) {
		return reject("content_hash", nil)
	}
	if !crypto.VerifyHex(e.cfg.Scheme, proto.PostSignBytes(p), p.Signature, p.Author) {
		if !e.cfg.AllowLegacyPostSignatures || !crypto.VerifyHex(e.cfg.Scheme, proto.LegacyPostSignBytes(p), p.Signature, p.Author) {
			return reject("post_sig", nil)
		}
	}
	if len(p.AuthorshipProof) > 0 {
		if e.cfg.TokenVerifier == nil {
			return reject("token", nil)
		}
		ok, err := e.cfg.TokenVerifier.VerifyToken(ctx, p.AuthorshipProof)
		if !ok {
			return reject("token", err)
		}
	}
	e.posts[p.ID] = &PostRecord{Post: p, FirstSeen: e.cfg.Now(), HopDistance: hops}
	return admission{id: p.ID}
}

func (e *Engine) admitTrustLocked(ctx context.Context, s proto.TrustSignal) admission {
	edge := trust.Edge{Truster: s.Truster, Trustee: s.Trustee}
	if edge.Truster == "" || edge.Trustee == "" {
		return reject("invalid", nil)
	}
	if cur, ok := e.trusts[edge]; ok && cur.Signal.Timestamp >= s.Timestamp {
		return reject("stale", nil)
	}
	if ok, err := e.attested(ctx, s.Proof); !ok {
		return reject("attestation", err)
	}
	digest := proto.TrustSignalDigest(s)
	if s.Proof.Hash != proto.TrustSignalHash(s) {
		return reject("proof_binding", nil)
	}
	if !crypto.VerifyHex(e.cfg.Scheme, digest, s.Signature, s.Truster) {
		return reject("trust_sig", nil)
	}
	if err := proto.ValidateTrustShape(s.Weight, s.Revoked); err != nil {
		return reject("trust_shape", err)
	}
	e.trusts[edge] = &TrustRecord{Signal: s, FirstSeen: e.cfg.Now()}
	e.rebuildTrustLocked()
	return admission{id: proto.TrustSignalHash(s)}
}

func (e *Engine) admitEncryptedTrustLocked(ctx context.Context, s proto.EncryptedTrustSignal) admission {
	key := encryptedKey{Truster: s.Truster, Commitment: s.TrusteeCommitment}
	if key.Truster == "" || key.Commitment == "" {
		return reject("invalid", nil)
	}
	if cur, ok := e.encrypted[key]; ok && cur.Signal.Timestamp >= s.Timestamp {
		return reject("stale", nil)
	}
	if ok, err := e.attested(ctx, s.Proof); !ok {
		return reject("attestation", err)
	}
	if s.Proof.Hash != s.TrusteeCommitment {
		return reject("proof_binding", nil)
	}
	if !crypto.VerifyHex(e.cfg.Scheme, proto.EncryptedTrustSignBytes(s.TrusteeCommitment, s.Weight, s.Timestamp), s.Signature, s.Truster) {
		return reject("trust_sig", nil)
	}
	if s.Weight < 0 || s.Weight > 1 || math.IsNaN(s.Weight) {
		return reject("trust_shape", nil)
	}
	rec := &EncryptedTrustRecord{Signal: s, FirstSeen: e.cfg.Now()}
	if d := e.cfg.Decrypter; d != nil {
		if trustee, err := d.DecryptTrustee(s); err == nil {
			rec.DecryptedTrustee = trustee
			if trustee == d.SelfPublicKey() {
				e.applyEncryptedLocked(trust.Edge{Truster: s.Truster, Trustee: trustee}, s)
			}
		}
	}
	e.encrypted[key] = rec
	return admission{id: s.TrusteeCommitment}
}

// applyEncryptedLocked keeps the newest attested timestamp per edge so a late
// older grant cannot undo a newer revocation.
func (e *Engine) applyEncryptedLocked(edge trust.Edge, s proto.EncryptedTrustSignal) {
	if cur, ok := e.applied[edge]; ok && cur.Timestamp >= s.Proof.Timestamp {
		return
	}
	e.applied[edge] = appliedEdge{Timestamp: s.Proof.Timestamp, Active: s.Weight > 0}
	e.rebuildTrustLocked()
}

func (e *Engine) admitSlideLocked(ctx context.Context, s proto.SlidePackage) admission {
	if _, ok := e.slides[s.ID]; ok {
		return reject("duplicate", nil)
	}
	if !e.inWindow(s.Proof.Timestamp) {
		return reject("window", nil)
	}
	if ok, err := e.attested(ctx, s.Proof); !ok {
		return reject("attestation", err)
	}
	if s.ID != proto.SlideID(s.Sender, s.Recipient, s.EphemeralPublicKey, s.Ciphertext) {
		return reject("content_hash", nil)
	}
	e.slides[s.ID] = &SlideRecord{Slide: s, FirstSeen: e.cfg.Now()}
	return admission{id: s.ID}
}

func (e *Engine) admitStateSyncLocked(s proto.StateSync) admission {
	if !e.trust.IsWithinMaxHops(s.PublicKey) {
		return reject("untrusted", nil)
	}
	if !e.states.Advance(s.PublicKey, s.Version, e.cfg.Now()) {
		return reject("stale", nil)
	}
	return admission{id: s.PublicKey}
}

func (e *Engine) admitStateRequestLocked(r proto.StateRequest, issued int64) admission {
	if !e.trust.IsWithinMaxHops(r.PublicKey) {
		return reject("untrusted", nil)
	}
	if !e.requests.add(proto.StateRequestKey(r, issued), e.cfg.Now()) {
		return reject("duplicate", nil)
	}
	return admission{id: r.PublicKey}
}

// storeLocalLocked records a locally authored message and reports whether it
// was new.
func (e *Engine) storeLocalLocked(msg proto.Message) (bool, error) {
	now := e.cfg.Now()
	switch msg.Type {
	case proto.KindPost:
		p := *msg.Post
		if p.ID == "" {
			return false, ErrInvalidLocal
		}
		if _, ok := e.posts[p.ID]; ok {
			return false, nil
		}
		e.posts[p.ID] = &PostRecord{Post: p, FirstSeen: now, HopDistance: e.trust.HopDistance(p.Author)}
	case proto.KindTrust:
		s := *msg.Trust
		edge := trust.Edge{Truster: s.Truster, Trustee: s.Trustee}
		if edge.Truster == "" || edge.Trustee == "" {
			return false, ErrInvalidLocal
		}
		if cur, ok := e.trusts[edge]; ok && cur.Signal.Timestamp >= s.Timestamp {
			return false, nil
		}
		e.trusts[edge] = &TrustRecord{Signal: s, FirstSeen: now}
		e.rebuildTrustLocked()
	case proto.KindEncryptedTrust:
		s := *msg.EncryptedTrust
		key := encryptedKey{Truster: s.Truster, Commitment: s.TrusteeCommitment}
		if key.Truster == "" || key.Commitment == "" {
			return false, ErrInvalidLocal
		}
		if cur, ok := e.encrypted[key]; ok && cur.Signal.Timestamp >= s.Timestamp {
			return false, nil
		}
		e.encrypted[key] = &EncryptedTrustRecord{Signal: s, FirstSeen: now}
	case proto.KindSlide:
		s := *msg.Slide
		if s.ID == "" {
			return false, ErrInvalidLocal
		}
		if _, ok := e.slides[s.ID]; ok {
			return false, nil
		}
		e.slides[s.ID] = &SlideRecord{Slide: s, FirstSeen: now}
	case proto.KindStateSync:
		s := *msg.StateSync
		if s.PublicKey == "" {
			return false, ErrInvalidLocal
		}
		if !e.states.Advance(s.PublicKey, s.Version, now) {
			return false, nil
		}
	case proto.KindStateRequest:
		r := *msg.StateRequest
		if r.PublicKey == "" {
			return false, ErrInvalidLocal
		}
		if !e.requests.add(proto.StateRequestKey(r, msg.Timestamp), now) {
			return false, nil
		}
	}
	return true, nil
}
