package verify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tee-rex/tee-rex/internal/apperr"
	"github.com/tee-rex/tee-rex/internal/attestation"
	"github.com/tee-rex/tee-rex/internal/vault"
)

// appraisalRequest is the body POSTed to the configured appraisal service.
type appraisalRequest struct {
	Quote string `json:"quote"` // base64
}

// appraisalResponse carries the signed attestation JWT.
type appraisalResponse struct {
	Token string `json:"token"`
}

// appraisalClaims are the JWT claims the appraisal service is expected to
// assert (§4.6 "sgx" branch, step d).
type appraisalClaims struct {
	MeasurementEnclave string `json:"measurement_enclave"`
	MeasurementSigner  string `json:"measurement_signer"`
	ReportData         string `json:"report_data"` // hex
	jwt.RegisteredClaims
}

// verifyAppraisal, overridable in tests, performs steps (a)-(b): POST the
// quote and verify the returned JWT against the service's JWKS. The
// freshness check (c) is done by verifySGX.
var verifyAppraisal = func(ctx context.Context, cfg Config, quote []byte) (*appraisalClaims, error) {
	if cfg.AppraisalEndpoint == "" {
		return nil, apperr.New(apperr.Unavailable, "no appraisal endpoint configured")
	}

	body, err := json.Marshal(appraisalRequest{Quote: base64.StdEncoding.EncodeToString(quote)})
	if err != nil {
		return nil, apperr.Wrap(apperr.AttestationInvalid, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.AppraisalEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.AppraisalAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AppraisalAPIKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.Unavailable, fmt.Sprintf("appraisal service returned %d", resp.StatusCode))
	}

	var ar appraisalResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, apperr.Wrap(apperr.AttestationInvalid, err)
	}

	jwks, err := keyfunc.Get(cfg.AppraisalJWKSURL, keyfunc.Options{})
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err)
	}

	var claims appraisalClaims
	if _, err := jwt.ParseWithClaims(ar.Token, &claims, jwks.Keyfunc); err != nil {
		return nil, apperr.Wrap(apperr.AttestationInvalid, err)
	}

	return &claims, nil
}

// verifySGX implements §4.6's "sgx" branch, steps (a)-(g).
func verifySGX(artifact *attestation.Artifact, cfg Config, now time.Time) (*Result, error) {
	claims, err := verifyAppraisal(context.Background(), cfg, artifact.Document)
	if err != nil {
		return nil, err
	}

	if claims.IssuedAt != nil { // (c)
		age := now.Sub(claims.IssuedAt.Time)
		if age > cfg.maxAge()+cfg.clockSkew() {
			return nil, apperr.NewReason(apperr.AttestationInvalid, "EXPIRED", fmt.Sprintf("appraisal token age %s exceeds max", age))
		}
	}

	if want, ok := cfg.ExpectedMeasurements["enclave"]; ok { // (e)
		got, err := hex.DecodeString(claims.MeasurementEnclave)
		if err != nil || !bytes.Equal(got, want) {
			return nil, apperr.New(apperr.AttestationMeasurementMismatch, "measurement_enclave mismatch")
		}
	}
	if len(cfg.ExpectedSignerMeasurement) > 0 {
		got, err := hex.DecodeString(claims.MeasurementSigner)
		if err != nil || !bytes.Equal(got, cfg.ExpectedSignerMeasurement) {
			return nil, apperr.New(apperr.AttestationMeasurementMismatch, "measurement_signer mismatch")
		}
	}

	reportData, err := hex.DecodeString(claims.ReportData)
	if err != nil || len(reportData) < 32 {
		return nil, apperr.NewReason(apperr.AttestationInvalid, "REPORT_DATA_MISMATCH", "malformed report_data")
	}

	_, rawKey, err := vault.Unarmor(artifact.PublicKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.AttestationInvalid, err)
	}
	want := sha256.Sum256(rawKey) // (f)
	if !bytes.Equal(reportData[:32], want[:]) {
		return nil, apperr.NewReason(apperr.AttestationInvalid, "REPORT_DATA_MISMATCH", "report_data does not bind public key")
	}

	return &Result{PublicKey: artifact.PublicKey}, nil // (g)
}
