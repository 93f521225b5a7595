package archive

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the signed metadata stored alongside an archived batch of
// pruned audit events. An auditor verifies the payload digest and the
// signature before trusting the batch offline.
type Manifest struct {
	Version          string    `yaml:"version"`
	OrganizationID   string    `yaml:"organization_id"`
	FromSequence     int64     `yaml:"from_sequence"`
	ToSequence       int64     `yaml:"to_sequence"`
	EventCount       int       `yaml:"event_count"`
	PayloadSHA256    string    `yaml:"payload_sha256"`
	CreatedAt        time.Time `yaml:"created_at"`
	SigningPublicKey string    `yaml:"signing_public_key,omitempty"`
	Signature        string    `yaml:"signature,omitempty"`
}

// SigningBytes marshals the manifest without its signature for
// signing/verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}
