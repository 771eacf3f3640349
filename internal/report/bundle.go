package report

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/slyt3/guardstats/internal/analytics"
	"github.com/slyt3/guardstats/internal/crypto"
	"github.com/slyt3/guardstats/internal/metrics"
	"github.com/slyt3/guardstats/internal/pool"
)

// BundleVersion identifies the bundle layout.
const BundleVersion = "1.0"

// Bundle entry names.
const (
	ManifestName = "manifest.json"
	SnapshotName = "test_analytics.json"
	SummaryName  = "current_test_summary.json"
	SessionName  = "session_data.csv"
	ReportName   = "report.txt"
)

// Manifest describes the contents of an evidence bundle.
type Manifest struct {
	Version        string    `json:"version"`
	ExportTime     time.Time `json:"export_time"`
	RunID          string    `json:"run_id,omitempty"`
	TotalQueries   int       `json:"total_queries"`
	BlockedQueries int       `json:"blocked_queries"`
	Records        int       `json:"records"`
	SnapshotSHA256 string    `json:"snapshot_sha256"`
	Files          []string  `json:"files"`
	PublicKey      string    `json:"public_key,omitempty"`
	Signature      string    `json:"signature,omitempty"`
}

// Signer signs the snapshot digest of a bundle. *crypto.Signer satisfies it.
type Signer interface {
	SignDigest(digest string) (string, error)
	PublicKey() string
}

// BundleOption configures WriteBundle.
type BundleOption func(*bundleConfig)

type bundleConfig struct {
	signer Signer
}

// WithSigner records an Ed25519 signature of the snapshot digest and the
// signing public key in the manifest.
func WithSigner(s Signer) BundleOption {
	return func(c *bundleConfig) { c.signer = s }
}

// WriteBundle writes a zip archive with the snapshot, the optional run
// summary, the session CSV, the text report and a manifest carrying the
// canonical digest of the snapshot.
func WriteBundle(w io.Writer, agg analytics.Aggregate, summary *metrics.RunSummary, exportTime time.Time, opts ...BundleOption) error {
	var cfg bundleConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	digest, err := SnapshotDigest(agg)
	if err != nil {
		return err
	}

	files := []string{SnapshotName}
	if summary != nil {
		files = append(files, SummaryName)
	}
	files = append(files, SessionName, ReportName)

	manifest := Manifest{
		Version:        BundleVersion,
		ExportTime:     exportTime.UTC(),
		TotalQueries:   agg.TotalQueries,
		BlockedQueries: agg.BlockedQueries,
		Records:        len(agg.SessionData),
		SnapshotSHA256: digest,
		Files:          files,
	}
	if summary != nil {
		manifest.RunID = summary.RunID
	}
	if cfg.signer != nil {
		sig, err := cfg.signer.SignDigest(digest)
		if err != nil {
			return fmt.Errorf("signing bundle: %w", err)
		}
		manifest.PublicKey = cfg.signer.PublicKey()
		manifest.Signature = sig
	}

	zw := zip.NewWriter(w)

	manFile, err := zw.Create(ManifestName)
	if err != nil {
		return fmt.Errorf("adding manifest: %w", err)
	}
	enc := json.NewEncoder(manFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest); err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}

	snapshot, err := SnapshotJSON(agg)
	if err != nil {
		return err
	}
	if err := addEntry(zw, SnapshotName, snapshot); err != nil {
		return err
	}

	if summary != nil {
		data, err := SummaryJSON(*summary)
		if err != nil {
			return err
		}
		if err := addEntry(zw, SummaryName, data); err != nil {
			return err
		}
	}

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	if err := WriteSessionCSV(buf, agg.SessionData); err != nil {
		return err
	}
	if err := addEntry(zw, SessionName, buf.Bytes()); err != nil {
		return err
	}

	buf.Reset()
	if err := TextReport(buf, agg, summary, exportTime); err != nil {
		return err
	}
	if err := addEntry(zw, ReportName, buf.Bytes()); err != nil {
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing bundle: %w", err)
	}
	return nil
}

func addEntry(zw *zip.Writer, name string, data []byte) error {
	f, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("adding %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// Bundle verification failures.
var (
	ErrBundleIncomplete = errors.New("bundle is missing an entry")
	ErrDigestMismatch   = errors.New("snapshot digest does not match manifest")
	ErrBadSignature     = errors.New("manifest signature is invalid")
	ErrUntrustedKey     = errors.New("bundle is not signed by the trusted key")
)

// VerifyOption configures VerifyBundle.
type VerifyOption func(*verifyConfig)

type verifyConfig struct {
	trustedKey string
}

// WithTrustedKey requires the bundle to be signed by the given hex Ed25519
// public key. Without it a signature only proves the manifest was not
// edited after signing, not who signed it.
func WithTrustedKey(publicKeyHex string) VerifyOption {
	return func(c *verifyConfig) { c.trustedKey = strings.ToLower(strings.TrimSpace(publicKeyHex)) }
}

// maxEntrySize bounds each bundle entry read during verification.
const maxEntrySize = 256 << 20

// VerifyBundle checks that the snapshot in a bundle matches the manifest
// digest and, when the manifest is signed, that the signature verifies.
// With WithTrustedKey the signature must also come from that key. It
// returns the manifest on success.
func VerifyBundle(r io.ReaderAt, size int64, opts ...VerifyOption) (*Manifest, error) {
	var cfg verifyConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("opening bundle: %w", err)
	}
	entries := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		entries[f.Name] = f
	}

	manData, err := readEntry(entries, ManifestName)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(manData, &manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	for _, name := range manifest.Files {
		if _, ok := entries[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrBundleIncomplete, name)
		}
	}

	snapData, err := readEntry(entries, SnapshotName)
	if err != nil {
		return nil, err
	}
	agg := analytics.NewAggregate()
	if err := json.Unmarshal(snapData, &agg); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	digest, err := SnapshotDigest(agg)
	if err != nil {
		return nil, err
	}
	if digest != manifest.SnapshotSHA256 {
		return nil, fmt.Errorf("%w: got %s, manifest %s", ErrDigestMismatch, digest, manifest.SnapshotSHA256)
	}

	if cfg.trustedKey != "" {
		if manifest.Signature == "" {
			return nil, fmt.Errorf("%w: bundle is unsigned", ErrUntrustedKey)
		}
		if strings.ToLower(manifest.PublicKey) != cfg.trustedKey {
			return nil, fmt.Errorf("%w: signed by %s", ErrUntrustedKey, manifest.PublicKey)
		}
	}
	if manifest.Signature != "" || manifest.PublicKey != "" {
		if !crypto.VerifyDigest(manifest.PublicKey, manifest.SnapshotSHA256, manifest.Signature) {
			return nil, ErrBadSignature
		}
	}
	return &manifest, nil
}

func readEntry(entries map[string]*zip.File, name string) ([]byte, error) {
	f, ok := entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBundleIncomplete, name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return data, nil
}
