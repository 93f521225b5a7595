// Package archive packages pruned audit batches into compressed,
// manifest-signed bundles and ships them to offline storage.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"trailkeep/internal/ledger"
	gos3 "trailkeep/pkg/s3"
)

const (
	manifestFileName = "manifest.yaml"
	eventsFileName   = "events.json"
	manifestVersion  = "1"
)

// Sink receives a finished archive bundle and returns its location.
type Sink interface {
	Store(ctx context.Context, key string, data []byte, sha256hex string) (string, error)
}

// Archiver implements ledger.Archiver: each pruned batch becomes one
// tar.zst bundle holding events.json plus a signed manifest.
type Archiver struct {
	sink   Sink
	signer *Signer
	now    func() time.Time
}

// New builds an Archiver. The signer may be nil; bundles are then
// unsigned but still carry the payload digest.
func New(sink Sink, signer *Signer) *Archiver {
	return &Archiver{sink: sink, signer: signer, now: time.Now}
}

// ArchiveBatch bundles the events and stores them through the sink.
func (a *Archiver) ArchiveBatch(ctx context.Context, orgID string, events []ledger.AuditEvent) (string, error) {
	if a == nil || a.sink == nil {
		return "", errors.New("archiver has no sink configured")
	}
	if len(events) == 0 {
		return "", errors.New("empty archive batch")
	}

	payload, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("marshal batch: %w", err)
	}

	payloadSum := sha256.Sum256(payload)
	manifest := Manifest{
		Version:        manifestVersion,
		OrganizationID: orgID,
		FromSequence:   events[0].Sequence,
		ToSequence:     events[len(events)-1].Sequence,
		EventCount:     len(events),
		PayloadSHA256:  hex.EncodeToString(payloadSum[:]),
		CreatedAt:      a.now().UTC().Truncate(time.Second),
	}

	if a.signer != nil {
		manifest.SigningPublicKey = a.signer.PublicKeyBase64()
		signing, err := manifest.SigningBytes()
		if err != nil {
			return "", fmt.Errorf("marshal manifest for signing: %w", err)
		}
		sig, err := a.signer.Sign(signing)
		if err != nil {
			return "", fmt.Errorf("sign manifest: %w", err)
		}
		manifest.Signature = sig
	}

	manifestBytes, err := yaml.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}

	bundle, err := writeBundle(manifestBytes, payload)
	if err != nil {
		return "", err
	}

	bundleSum := sha256.Sum256(bundle)
	key := fmt.Sprintf("archives/%s/%d-%d.tar.zst", orgID, manifest.FromSequence, manifest.ToSequence)
	return a.sink.Store(ctx, key, bundle, hex.EncodeToString(bundleSum[:]))
}

func writeBundle(manifest, payload []byte) ([]byte, error) {
	var buf bytes.Buffer

	encoder, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}

	tw := tar.NewWriter(encoder)
	files := []struct {
		name string
		data []byte
	}{
		{manifestFileName, manifest},
		{eventsFileName, payload},
	}
	for _, f := range files {
		header := &tar.Header{
			Name: f.name,
			Mode: 0o644,
			Size: int64(len(f.data)),
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("tar header %s: %w", f.name, err)
		}
		if _, err := tw.Write(f.data); err != nil {
			return nil, fmt.Errorf("tar write %s: %w", f.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("close zstd: %w", err)
	}

	return buf.Bytes(), nil
}

// ReadBundle decompresses a bundle and returns its manifest and events,
// verifying the payload digest. Used by offline verification tooling.
func ReadBundle(data []byte) (*Manifest, []ledger.AuditEvent, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var (
		manifestBytes []byte
		payload       []byte
	)
	tr := tar.NewReader(decoder)
	for {
		header, err := tr.Next()
		if err != nil {
			break
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(tr); err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", header.Name, err)
		}
		switch header.Name {
		case manifestFileName:
			manifestBytes = buf.Bytes()
		case eventsFileName:
			payload = buf.Bytes()
		}
	}
	if manifestBytes == nil || payload == nil {
		return nil, nil, errors.New("bundle is missing manifest or payload")
	}

	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, nil, fmt.Errorf("parse manifest: %w", err)
	}

	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != manifest.PayloadSHA256 {
		return nil, nil, errors.New("payload digest does not match manifest")
	}

	var events []ledger.AuditEvent
	if err := json.Unmarshal(payload, &events); err != nil {
		return nil, nil, fmt.Errorf("parse payload: %w", err)
	}
	return &manifest, events, nil
}

// VerifyEvents rechecks every archived event's hash and the linkage
// between consecutive rows. A retention checkpoint inside the batch
// anchors the range it replaced, so it is exempt from the predecessor
// link and its successor links to the checkpoint's PreviousHash rather
// than its Hash.
func VerifyEvents(events []ledger.AuditEvent) error {
	expected := ""
	for i := range events {
		e := &events[i]
		if ledger.EventHash(e) != e.Hash {
			return fmt.Errorf("event %d fails hash check", e.Sequence)
		}
		if i > 0 && !e.IsCheckpoint() && e.PreviousHash != expected {
			return fmt.Errorf("event %d does not link to predecessor", e.Sequence)
		}
		if e.IsCheckpoint() {
			expected = e.PreviousHash
		} else {
			expected = e.Hash
		}
	}
	return nil
}

// S3Sink stores bundles in an object storage bucket.
type S3Sink struct {
	client *gos3.Client
	bucket string
}

// NewS3Sink wraps the given client and bucket.
func NewS3Sink(client *gos3.Client, bucket string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket}
}

func (s *S3Sink) Store(ctx context.Context, key string, data []byte, sha256hex string) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("s3 sink not configured")
	}
	if err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), sha256hex); err != nil {
		return "", fmt.Errorf("upload archive: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// DirSink stores bundles on the local filesystem, for development and
// air-gapped deployments.
type DirSink struct {
	root string
}

// NewDirSink writes bundles below root.
func NewDirSink(root string) *DirSink {
	return &DirSink{root: root}
}

func (s *DirSink) Store(_ context.Context, key string, data []byte, _ string) (string, error) {
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	return path, nil
}
