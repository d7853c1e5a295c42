package proto

import (
	"encoding/hex"
	"errors"

	"trustgossip/internal/crypto"
)

type MediaRef struct {
	CID      string `json:"cid"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type LinkPreview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type PostPackage struct {
	ID              string       `json:"id"`
	Author          string       `json:"author"`
	Content         string       `json:"content"`
	Timestamp       int64        `json:"timestamp"`
	ReplyTo         string       `json:"reply_to,omitempty"`
	Media           *MediaRef    `json:"media,omitempty"`
	LinkPreview     *LinkPreview `json:"link_preview,omitempty"`
	NSFW            bool         `json:"nsfw,omitempty"`
	Signature       string       `json:"signature"`
	Proof           Attestation  `json:"proof"`
	AuthorshipProof []byte       `json:"authorship_proof,omitempty"`
}

func PostContentID(content string) string {
	return crypto.SHA3Hex([]byte(content))
}

// PostSignBytes is what the author signs: content plus every field that
// changes how the post renders.
func PostSignBytes(p PostPackage) []byte {
	s := newSignBuf(prefixPostSign, len(p.Content)+len(p.Author)+len(p.ReplyTo)+64)
	s.str(p.Content).str(p.Author).i64(p.Timestamp).str(p.ReplyTo)
	s.flag(p.Media != nil)
	if p.Media != nil {
		s.str(p.Media.CID).str(p.Media.MimeType).i64(p.Media.Size)
	}
	s.flag(p.LinkPreview != nil)
	if p.LinkPreview != nil {
		s.str(p.LinkPreview.URL).str(p.LinkPreview.Title).str(p.LinkPreview.Description).str(p.LinkPreview.ImageURL)
	}
	s.flag(p.NSFW)
	return s.out()
}

// LegacyPostSignBytes covers the content only. Older clients signed this.
func LegacyPostSignBytes(p PostPackage) []byte {
	return []byte(p.Content)
}

// PostPayloadHash is the hash an attestation for p must carry. It covers the
// whole package except the proof itself.
func PostPayloadHash(p PostPackage) string {
	s := newSignBuf(prefixPostPayload, 128)
	s.str(p.ID).bytes(PostSignBytes(p)).str(p.Signature).bytes(p.AuthorshipProof)
	return crypto.SHA3Hex(s.out())
}

// SignPost fills ID, Author and Signature. Proof is left for the caller, which
// timestamps PostPayloadHash once the signature is in place.
func SignPost(p PostPackage, scheme crypto.SignatureScheme, pub, priv []byte) (PostPackage, error) {
	if scheme == nil {
		return PostPackage{}, errors.New("missing signature scheme")
	}
	p.ID = PostContentID(p.Content)
	p.Author = hex.EncodeToString(pub)
	sig, err := scheme.Sign(PostSignBytes(p), priv)
	if err != nil {
		return PostPackage{}, err
	}
	p.Signature = hex.EncodeToString(sig)
	return p, nil
}
