// Package client registers contacts with a node and runs private match
// queries against its registry.
//
// Contacts never leave the client in the clear: each one is hashed to a
// 64-bit identifier and sealed to the cluster under a fresh ephemeral key.
// Match results come back sealed to the same key and are only opened here.
package client

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/zeebo/blake3"

	"ArcPSI/internal/api"
	"ArcPSI/internal/circuit"
	"ArcPSI/internal/cluster"
	"ArcPSI/internal/envelope"
	"ArcPSI/internal/matching"
	"ArcPSI/internal/registry"
)

const (
	// defaultPollInterval is the delay between two result polls.
	defaultPollInterval = 200 * time.Millisecond
)

var (
	// ErrTooManyContacts is returned when a query exceeds the circuit width.
	ErrTooManyContacts = fmt.Errorf("more than %d contacts in one query", circuit.QuerySize)

	// ErrAborted is returned when a computation ends without a result.
	// Submitting the query again under a new ID is safe.
	ErrAborted = errors.New("computation aborted")
)

// Client talks to one node on behalf of one user.
type Client struct {
	baseURL      string               // baseURL is the node API root (e.g. "http://127.0.0.1:8080")
	members      []envelope.PublicKey // members are the cluster share keys in member order
	http         *http.Client         // http performs the requests
	PollInterval time.Duration        // PollInterval is the delay between result polls
}

// Pending is a submitted query. It holds the ephemeral secret needed to
// open the result, so it must stay on the client.
type Pending struct {
	ID       matching.ComputationID
	Contacts []string
	priv     envelope.PrivateKey
	nonce    envelope.Nonce
}

// New creates a client for the node at baseURL using the cluster share keys.
func New(baseURL string, members []envelope.PublicKey) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		members:      members,
		http:         &http.Client{Timeout: 15 * time.Second},
		PollInterval: defaultPollInterval,
	}
}

// NewFromClusterFile creates a client with the share keys of a cluster file.
func NewFromClusterFile(baseURL, path string) (*Client, error) {
	c, err := cluster.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	return New(baseURL, c.ShareKeys()), nil
}

// Normalize canonicalizes a contact. Email addresses are lower-cased;
// anything else is treated as a phone number and reduced to its digits,
// keeping a leading '+'.
func Normalize(contact string) string {
	contact = strings.TrimSpace(contact)

	if strings.Contains(contact, "@") {
		return strings.ToLower(contact)
	}

	var b strings.Builder
	for i, r := range contact {
		if unicode.IsDigit(r) || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}

	return b.String()
}

// Identifier hashes a normalized contact to the 64-bit value the circuit compares.
func Identifier(contact string) uint64 {
	sum := blake3.Sum256([]byte(Normalize(contact)))

	return binary.LittleEndian.Uint64(sum[:8])
}

// Register seals contact and stores it in the node's registry. It
// returns the slot the contact landed in.
func (c *Client) Register(ctx context.Context, contact string) (int, error) {
	pub, priv, err := envelope.GenerateKey(nil)
	if err != nil {
		return 0, err
	}

	nonce, err := envelope.NewNonce(nil)
	if err != nil {
		return 0, err
	}

	ct, err := envelope.Seal(Identifier(contact), priv, nonce, 0, c.members)
	if err != nil {
		return 0, fmt.Errorf("seal contact:\n%w", err)
	}

	body := registry.Entry{Ciphertext: ct, PublicKey: pub, Nonce: nonce}

	var resp struct {
		Slot int `json:"slot"`
	}

	if err := c.postJSON(ctx, "/registry", body, http.StatusCreated, &resp); err != nil {
		return 0, fmt.Errorf("register:\n%w", err)
	}

	return resp.Slot, nil
}

// Match submits up to circuit.QuerySize contacts. Unused query slots are
// filled with random identifiers.
func (c *Client) Match(ctx context.Context, contacts []string) (*Pending, error) {
	if len(contacts) > circuit.QuerySize {
		return nil, ErrTooManyContacts
	}

	pub, priv, err := envelope.GenerateKey(nil)
	if err != nil {
		return nil, err
	}

	nonce, err := envelope.NewNonce(nil)
	if err != nil {
		return nil, err
	}

	req := api.MatchRequest{
		Query:     make([]envelope.Ciphertext, circuit.QuerySize),
		PublicKey: pub,
		Nonce:     nonce,
	}

	for i := range req.Query {
		id, err := queryValue(contacts, i)
		if err != nil {
			return nil, err
		}

		if req.Query[i], err = envelope.Seal(id, priv, nonce, uint32(i), c.members); err != nil {
			return nil, fmt.Errorf("seal query %d:\n%w", i, err)
		}
	}

	var resp struct {
		ID string `json:"id"`
	}

	if err := c.postJSON(ctx, "/match", req, http.StatusAccepted, &resp); err != nil {
		return nil, fmt.Errorf("match:\n%w", err)
	}

	return &Pending{
		ID:       matching.ComputationID(resp.ID),
		Contacts: append([]string(nil), contacts...),
		priv:     priv,
		nonce:    nonce,
	}, nil
}

// queryValue returns the identifier of slot i, random past the contacts.
func queryValue(contacts []string, i int) (uint64, error) {
	if i < len(contacts) {
		return Identifier(contacts[i]), nil
	}

	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("pad query:\n%w", err)
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// Status returns the current state of a computation.
func (c *Client) Status(ctx context.Context, id matching.ComputationID) (*api.MatchStatus, error) {
	var st api.MatchStatus
	if err := c.getJSON(ctx, "/match/"+string(id), &st); err != nil {
		return nil, err
	}

	return &st, nil
}

// Wait polls until p is resolved and returns, for each submitted contact,
// whether it is registered.
func (c *Client) Wait(ctx context.Context, p *Pending) ([]bool, error) {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		st, err := c.Status(ctx, p.ID)
		if err != nil {
			return nil, err
		}

		switch st.State {
		case matching.StateVerified.String():
			return c.Open(p, st.Mask)
		case matching.StateAborted.String():
			return nil, fmt.Errorf("%w: %s", ErrAborted, st.Reason)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Open decrypts a verified mask for p.
func (c *Client) Open(p *Pending, mask []envelope.Ciphertext) ([]bool, error) {
	if len(mask) != circuit.QuerySize {
		return nil, fmt.Errorf("mask has %d slots, want %d", len(mask), circuit.QuerySize)
	}

	out := make([]bool, len(p.Contacts))

	for i := range out {
		v, err := envelope.Open(mask[i], p.priv, p.nonce, uint32(i), c.members)
		if err != nil {
			return nil, fmt.Errorf("open slot %d:\n%w", i, err)
		}

		out[i] = v != 0
	}

	return out, nil
}
