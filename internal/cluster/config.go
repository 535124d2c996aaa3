// Package cluster is the reference confidential-computation provider.
//
// A cluster is a fixed set of members. Each member holds an X25519 share
// key, used to derive its XOR share of every sealed argument, and a BLS
// key used to attest outputs. The Executor evaluates the matching circuit
// with GMW among the members, seals every member's output share to the
// requester and returns the output with an aggregated signature.
package cluster

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/zeebo/blake3"

	"ArcPSI/internal/envelope"
	"ArcPSI/internal/matching"
	"ArcPSI/internal/signing"
)

// Member is the public description of one cluster member.
type Member struct {
	Index      int                // Index is the member position, from 0
	Address    string             // Address is where the member serves requests
	ShareKey   envelope.PublicKey // ShareKey is the X25519 envelope key
	SigningKey []byte             // SigningKey is the BLS public key
}

// Config is the public cluster file shared with nodes and clients.
type Config struct {
	Threshold int
	Members   []Member
}

// MemberTOML is the TOML form of a Member.
type MemberTOML struct {
	Index      int    `toml:"index"`
	Address    string `toml:"address"`
	ShareKey   string `toml:"share_key"`
	SigningKey string `toml:"signing_key"`
}

// ConfigTOML is the TOML form of a Config.
type ConfigTOML struct {
	Threshold int          `toml:"threshold"`
	Members   []MemberTOML `toml:"members"`
}

// LoadConfig reads and validates a cluster file.
func LoadConfig(path string) (*Config, error) {
	var ct ConfigTOML
	if _, err := toml.DecodeFile(path, &ct); err != nil {
		return nil, fmt.Errorf("decode cluster file %s:\n%w", path, err)
	}

	return FromTOML(&ct)
}

// FromTOML converts and validates a decoded cluster file.
func FromTOML(ct *ConfigTOML) (*Config, error) {
	c := &Config{Threshold: ct.Threshold}

	for _, mt := range ct.Members {
		m := Member{Index: mt.Index, Address: mt.Address}

		if err := m.ShareKey.UnmarshalText([]byte(mt.ShareKey)); err != nil {
			return nil, fmt.Errorf("member %d share key:\n%w", mt.Index, err)
		}

		key, err := hex.DecodeString(mt.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("member %d signing key:\n%w", mt.Index, err)
		}

		m.SigningKey = key
		c.Members = append(c.Members, m)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// TOML returns the TOML form of c.
func (c *Config) TOML() *ConfigTOML {
	ct := &ConfigTOML{Threshold: c.Threshold}

	for _, m := range c.Members {
		ct.Members = append(ct.Members, MemberTOML{
			Index:      m.Index,
			Address:    m.Address,
			ShareKey:   m.ShareKey.String(),
			SigningKey: hex.EncodeToString(m.SigningKey),
		})
	}

	return ct
}

// Save writes c as TOML to path.
func (c *Config) Save(path string) error {
	return writeTOML(path, c.TOML(), 0o644)
}

// Validate checks member numbering, key sizes and the threshold.
func (c *Config) Validate() error {
	if len(c.Members) == 0 {
		return fmt.Errorf("cluster has no members")
	}

	if c.Threshold < 1 || c.Threshold > len(c.Members) {
		return fmt.Errorf("threshold %d outside [1, %d]", c.Threshold, len(c.Members))
	}

	for i, m := range c.Members {
		if m.Index != i {
			return fmt.Errorf("member at position %d has index %d", i, m.Index)
		}

		if len(m.SigningKey) != signing.PublicKeySize {
			return fmt.Errorf("member %d signing key has %d bytes", i, len(m.SigningKey))
		}
	}

	return nil
}

// ID returns BLAKE3 over the threshold and every member key, in order.
func (c *Config) ID() [32]byte {
	h := blake3.New()
	h.Write([]byte("arcpsi/cluster/v1"))

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(c.Threshold))
	h.Write(buf[:])

	for _, m := range c.Members {
		h.Write(m.ShareKey[:])
		h.Write(m.SigningKey)
	}

	var id [32]byte
	h.Sum(id[:0])

	return id
}

// ShareKeys returns the envelope keys in member order.
func (c *Config) ShareKeys() []envelope.PublicKey {
	keys := make([]envelope.PublicKey, len(c.Members))
	for i, m := range c.Members {
		keys[i] = m.ShareKey
	}

	return keys
}

// Identity returns what a node trusts about this cluster.
func (c *Config) Identity() matching.ClusterIdentity {
	keys := make([][]byte, len(c.Members))
	for i, m := range c.Members {
		keys[i] = m.SigningKey
	}

	return matching.ClusterIdentity{
		ID:         c.ID(),
		Threshold:  c.Threshold,
		SignerKeys: keys,
	}
}

func (c *Config) String() string {
	var b bytes.Buffer
	_ = toml.NewEncoder(&b).Encode(c.TOML())

	return b.String()
}

func writeTOML(path string, v any, perm os.FileMode) error {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(v); err != nil {
		return fmt.Errorf("encode %s:\n%w", path, err)
	}

	if err := os.WriteFile(path, b.Bytes(), perm); err != nil {
		return fmt.Errorf("write %s:\n%w", path, err)
	}

	return nil
}
