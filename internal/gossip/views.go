package gossip

import (
	"sort"

	"trustgossip/internal/proto"
)

// Feed returns accepted posts, newest attested timestamp first.
func (e *Engine) Feed() []PostRecord {
	e.mu.Lock()
	out := make([]PostRecord, 0, len(e.posts))
	for _, rec := range e.posts {
		out = append(out, *rec)
	}
	e.mu.Unlock()
	sortPosts(out)
	return out
}

func (e *Engine) PostsByAuthor(author string) []PostRecord {
	e.mu.Lock()
	var out []PostRecord
	for _, rec := range e.posts {
		if rec.Post.Author == author {
			out = append(out, *rec)
		}
	}
	e.mu.Unlock()
	sortPosts(out)
	return out
}

func (e *Engine) Post(id string) (PostRecord, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.posts[id]
	if !ok {
		return PostRecord{}, false
	}
	return *rec, true
}

func (e *Engine) Slides() []SlideRecord {
	return e.slidesWhere(func(proto.SlidePackage) bool { return true })
}

// SlidesFor returns the direct messages addressed to recipient.
func (e *Engine) SlidesFor(recipient string) []SlideRecord {
	return e.slidesWhere(func(s proto.SlidePackage) bool { return s.Recipient == recipient })
}

func (e *Engine) slidesWhere(keep func(proto.SlidePackage) bool) []SlideRecord {
	e.mu.Lock()
	out := make([]SlideRecord, 0, len(e.slides))
	for _, rec := range e.slides {
		if keep(rec.Slide) {
			out = append(out, *rec)
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slide.Proof.Timestamp != out[j].Slide.Proof.Timestamp {
			return out[i].Slide.Proof.Timestamp > out[j].Slide.Proof.Timestamp
		}
		return out[i].Slide.ID < out[j].Slide.ID
	})
	return out
}

// TrustSignals returns the retained plaintext trust records.
func (e *Engine) TrustSignals() []TrustRecord {
	e.mu.Lock()
	out := make([]TrustRecord, 0, len(e.trusts))
	for _, rec := range e.trusts {
		out = append(out, *rec)
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Signal, out[j].Signal
		if a.Truster != b.Truster {
			return a.Truster < b.Truster
		}
		return a.Trustee < b.Trustee
	})
	return out
}

func (e *Engine) PeerState(publicKey string) (int64, bool) {
	rec, ok := e.states.Get(publicKey)
	return rec.Version, ok
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	st := Stats{
		Posts:            len(e.posts),
		TrustSignals:     len(e.trusts),
		EncryptedTrust:   len(e.encrypted),
		Slides:           len(e.slides),
		PendingRequests:  e.requests.len(),
		AppliedEncrypted: len(e.applied),
	}
	e.mu.Unlock()
	st.PeerStates = e.states.Len()
	st.TrustEdges = e.trust.EdgeCount()
	st.DirectTrust = len(e.trust.DirectTrust())
	st.ReachableKeys = e.trust.ReachableCount()
	st.SeenEnvelopes = e.signer.SeenMessageCount()
	st.RateLimit = e.limiter.Stats()
	for _, p := range e.Peers() {
		st.Peers++
		if p.IsConnected() {
			st.ConnectedPeers++
		}
	}
	return st
}

func sortPosts(posts []PostRecord) {
	sort.Slice(posts, func(i, j int) bool {
		if posts[i].Post.Proof.Timestamp != posts[j].Post.Proof.Timestamp {
			return posts[i].Post.Proof.Timestamp > posts[j].Post.Proof.Timestamp
		}
		return posts[i].Post.ID < posts[j].Post.ID
	})
}
