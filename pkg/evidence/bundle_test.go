package evidence_test

import (
	"archive/zip"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/edgegate/edgegate/pkg/evidence"
	"github.com/edgegate/edgegate/pkg/signing"
	"github.com/edgegate/edgegate/pkg/utils/try"
)

func buildTestBundle(t *testing.T) ([]byte, *signing.Signer) {
	t.Helper()

	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer := signing.New("key-v1", private)

	summary := evidence.Summary{
		WorkspaceId: "ws-1",
		PipelineId:  "pl-1",
		RunId:       "run-1",
		CreatedAt:   "2024-05-01T12:00:00Z",
		Inputs: evidence.SummaryInputs{
			Model: evidence.SummaryInputModel{ArtifactId: "a-1", Sha256: "ab" + strings.Repeat("0", 62)},
			PromptPack: evidence.SummaryInputPromptPack{
				PromptPackId: "pp-1", Version: "1.0.0", Sha256: "cd" + strings.Repeat("0", 62),
			},
			Devices: []evidence.SummaryDevice{{DeviceId: "d-1", DeviceName: "Samsung Galaxy S24"}},
		},
		CapabilitiesRef:  "a-caps",
		MetricMappingRef: "a-mapping",
		Results: evidence.SummaryResults{
			Status:            "passed",
			NormalizedMetrics: json.RawMessage(`[{"metric":"peak_ram_mb","median":3250}]`),
			GatesEvaluation:   json.RawMessage(`[{"metric":"peak_ram_mb","outcome":"pass"}]`),
		},
	}
	blobs := []evidence.Blob{
		{Path: "raw/d-1/profile_0.json", Content: []byte(`{"execution_summary":{}}`)},
		{Path: "mapping/metric_mapping.json", Content: []byte(`{"metrics":[]}`)},
	}

	bundle, err := evidence.Build(summary, blobs, signer)
	if err != nil {
		t.Fatal(err)
	}
	return bundle, signer
}

func readZipFile(t *testing.T, zr *zip.Reader, name string) []byte {
	t.Helper()
	for _, f := range zr.File {
		if f.Name == name {
			rc := try.To(f.Open()).OrFatal(t)
			defer rc.Close()
			return try.To(io.ReadAll(rc)).OrFatal(t)
		}
	}
	t.Fatalf("%s not found in bundle", name)
	return nil
}

func TestBundleSignatureVerifies(t *testing.T) {
	bundle, signer := buildTestBundle(t)
	zr := try.To(zip.NewReader(bytes.NewReader(bundle), int64(len(bundle)))).OrFatal(t)

	summaryBytes := readZipFile(t, zr, "summary.json")
	sigB64 := strings.TrimSpace(string(readZipFile(t, zr, "summary.sig")))
	sig := try.To(base64.StdEncoding.DecodeString(sigB64)).OrFatal(t)

	if !signing.Verify(signer.Public(), summaryBytes, sig) {
		t.Error("summary.sig does not verify over summary.json bytes")
	}

	// the signed bytes are canonical: re-canonicalizing is the identity,
	// so a verifier may parse and re-encode without breaking the check.
	recanonical := try.To(evidence.Canonicalize(summaryBytes)).OrFatal(t)
	if !bytes.Equal(recanonical, summaryBytes) {
		t.Error("summary.json is not in canonical form")
	}
	if !signing.Verify(signer.Public(), recanonical, sig) {
		t.Error("signature must still verify after re-canonicalization")
	}
}

func TestBundleManifestCoversEveryFile(t *testing.T) {
	bundle, _ := buildTestBundle(t)
	zr := try.To(zip.NewReader(bytes.NewReader(bundle), int64(len(bundle)))).OrFatal(t)

	var manifest []struct {
		Path   string `json:"path"`
		Sha256 string `json:"sha256"`
		Bytes  int64  `json:"bytes"`
	}
	if err := json.Unmarshal(readZipFile(t, zr, "artifacts.json"), &manifest); err != nil {
		t.Fatal(err)
	}

	listed := map[string]string{}
	for _, entry := range manifest {
		listed[entry.Path] = entry.Sha256
	}

	for _, f := range zr.File {
		if f.Name == "artifacts.json" {
			continue // the manifest cannot contain its own hash
		}
		want, ok := listed[f.Name]
		if !ok {
			t.Errorf("%s is in the zip but not in artifacts.json", f.Name)
			continue
		}
		content := readZipFile(t, zr, f.Name)
		sum := sha256.Sum256(content)
		if hex.EncodeToString(sum[:]) != want {
			t.Errorf("%s: manifest sha does not match content", f.Name)
		}
	}

	if len(listed) != len(zr.File)-1 {
		t.Errorf("manifest lists %d files, zip holds %d (+manifest)", len(listed), len(zr.File)-1)
	}
}

func TestBundleRecordsSigningKeyId(t *testing.T) {
	bundle, _ := buildTestBundle(t)
	zr := try.To(zip.NewReader(bytes.NewReader(bundle), int64(len(bundle)))).OrFatal(t)

	var summary struct {
		BundleVersion string `json:"bundle_version"`
		Signing       struct {
			Algo        string `json:"algo"`
			PublicKeyId string `json:"public_key_id"`
		} `json:"signing"`
	}
	if err := json.Unmarshal(readZipFile(t, zr, "summary.json"), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.BundleVersion != "1.0" {
		t.Errorf("bundle_version: actual=%s", summary.BundleVersion)
	}
	if summary.Signing.Algo != "ed25519" || summary.Signing.PublicKeyId != "key-v1" {
		t.Errorf("signing: actual=%+v", summary.Signing)
	}
}
