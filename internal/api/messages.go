package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ArcPSI/internal/envelope"
	"ArcPSI/internal/matching"
)

// MatchRequest is the body of POST /match. Keys and ciphertexts are hex.
type MatchRequest struct {
	Query     []envelope.Ciphertext `json:"query"`
	PublicKey envelope.PublicKey    `json:"public_key"`
	Nonce     envelope.Nonce        `json:"nonce"`
}

// MatchStatus is the body of GET /match/{id}.
type MatchStatus struct {
	ID         string                `json:"id"`
	State      string                `json:"state"`
	CreatedAt  time.Time             `json:"created_at"`
	ResolvedAt *time.Time            `json:"resolved_at,omitempty"`
	Mask       []envelope.Ciphertext `json:"mask,omitempty"`
	Reason     string                `json:"reason,omitempty"`
}

// Event is the data of one completion event on GET /events.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

func newMatchStatus(rec *matching.Record) MatchStatus {
	st := MatchStatus{
		ID:        string(rec.ID),
		State:     rec.State.String(),
		CreatedAt: rec.CreatedAt,
		Reason:    rec.Reason,
	}

	if !rec.ResolvedAt.IsZero() {
		t := rec.ResolvedAt
		st.ResolvedAt = &t
	}

	if rec.State == matching.StateVerified {
		st.Mask = rec.Mask
	}

	return st
}

// decodeBody strictly decodes a size-limited JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid body: %v", err)
	}

	if dec.More() {
		return fmt.Errorf("invalid body: trailing data")
	}

	return nil
}
