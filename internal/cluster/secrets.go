package cluster

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/BurntSushi/toml"

	"ArcPSI/internal/envelope"
	"ArcPSI/internal/signing"
)

// Secret is the private key material of one member.
type Secret struct {
	Index    int
	ShareKey envelope.PrivateKey
	Signing  *signing.KeyPair
}

// SecretTOML is the TOML form of a Secret.
type SecretTOML struct {
	Index         int    `toml:"index"`
	ShareSecret   string `toml:"share_secret"`
	SigningSecret string `toml:"signing_secret"`
}

// SecretsTOML is the TOML form of a secrets file.
type SecretsTOML struct {
	Members []SecretTOML `toml:"members"`
}

// Generate creates a cluster of n members listening on addrs
// (addrs may be shorter than n) and returns the public file and the secrets.
func Generate(n, threshold int, addrs []string) (*Config, []Secret, error) {
	if threshold <= 0 {
		threshold = signing.QuorumSize(n)
	}

	c := &Config{Threshold: threshold}
	secrets := make([]Secret, n)

	for i := 0; i < n; i++ {
		pub, priv, err := envelope.GenerateKey(nil)
		if err != nil {
			return nil, nil, fmt.Errorf("generate share key %d:\n%w", i, err)
		}

		kp, err := signing.GenerateKey()
		if err != nil {
			return nil, nil, fmt.Errorf("generate signing key %d:\n%w", i, err)
		}

		m := Member{Index: i, ShareKey: pub, SigningKey: kp.PublicKey()}
		if i < len(addrs) {
			m.Address = addrs[i]
		}

		c.Members = append(c.Members, m)
		secrets[i] = Secret{Index: i, ShareKey: priv, Signing: kp}
	}

	if err := c.Validate(); err != nil {
		return nil, nil, err
	}

	return c, secrets, nil
}

// LoadSecrets reads a secrets file and checks it against c.
func LoadSecrets(path string, c *Config) ([]Secret, error) {
	var st SecretsTOML
	if _, err := toml.DecodeFile(path, &st); err != nil {
		return nil, fmt.Errorf("decode secrets file %s:\n%w", path, err)
	}

	if len(st.Members) != len(c.Members) {
		return nil, fmt.Errorf("secrets for %d members, cluster has %d", len(st.Members), len(c.Members))
	}

	secrets := make([]Secret, len(st.Members))

	for i, mt := range st.Members {
		if mt.Index != i {
			return nil, fmt.Errorf("secret at position %d has index %d", i, mt.Index)
		}

		s := Secret{Index: i}

		if err := s.ShareKey.UnmarshalText([]byte(mt.ShareSecret)); err != nil {
			return nil, fmt.Errorf("member %d share secret:\n%w", i, err)
		}

		raw, err := hex.DecodeString(mt.SigningSecret)
		if err != nil {
			return nil, fmt.Errorf("member %d signing secret:\n%w", i, err)
		}

		if s.Signing, err = signing.KeyFromSecret(raw); err != nil {
			return nil, fmt.Errorf("member %d signing secret:\n%w", i, err)
		}

		if err := s.check(c.Members[i]); err != nil {
			return nil, err
		}

		secrets[i] = s
	}

	return secrets, nil
}

// SaveSecrets writes secrets to path readable by the owner only.
func SaveSecrets(path string, secrets []Secret) error {
	var st SecretsTOML

	for _, s := range secrets {
		share, _ := s.ShareKey.MarshalText()

		st.Members = append(st.Members, SecretTOML{
			Index:         s.Index,
			ShareSecret:   string(share),
			SigningSecret: hex.EncodeToString(s.Signing.Secret()),
		})
	}

	return writeTOML(path, &st, 0o600)
}

// check verifies that s matches the public member m.
func (s *Secret) check(m Member) error {
	pub, err := s.ShareKey.Public()
	if err != nil {
		return fmt.Errorf("member %d:\n%w", s.Index, err)
	}

	if pub != m.ShareKey {
		return fmt.Errorf("member %d share secret does not match the cluster file", s.Index)
	}

	if !bytes.Equal(s.Signing.PublicKey(), m.SigningKey) {
		return fmt.Errorf("member %d signing secret does not match the cluster file", s.Index)
	}

	return nil
}
