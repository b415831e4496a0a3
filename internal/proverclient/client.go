// Package proverclient implements the Remote Prover Client (§4.7): fetch
// attestation, verify it, encrypt the request against the bound public key,
// POST it, and parse the result, retrying transport faults only.
package proverclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tee-rex/tee-rex/internal/apperr"
	"github.com/tee-rex/tee-rex/internal/attestation"
	"github.com/tee-rex/tee-rex/internal/envelope"
	"github.com/tee-rex/tee-rex/internal/vault"
	"github.com/tee-rex/tee-rex/internal/verify"
)

const (
	requestTimeout = 5 * time.Minute
	maxRetries     = 2
)

// Client talks to one prove-service instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	verifyCfg  verify.Config
}

// New constructs a Client targeting baseURL (e.g. "https://prove.example.com").
func New(baseURL string, verifyCfg verify.Config) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		verifyCfg:  verifyCfg,
	}
}

type attestationResponse struct {
	Mode                string `json:"mode"`
	PublicKey           string `json:"publicKey"`
	AttestationDocument string `json:"attestationDocument,omitempty"`
	Quote               string `json:"quote,omitempty"`
}

// FetchAttestation retrieves and verifies the server's current attestation
// artifact, returning the bound vault public key. Exposed for callers (the
// teerex CLI's `attestation` command) that only need to inspect attestation
// without also submitting a proof request.
func (c *Client) FetchAttestation(ctx context.Context, nonce []byte) (*verify.Result, error) {
	url := c.baseURL + "/attestation"
	if len(nonce) > 0 {
		url += "?nonce=" + base64.StdEncoding.EncodeToString(nonce)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.Unavailable, fmt.Sprintf("attestation endpoint returned %d", resp.StatusCode))
	}

	var ar attestationResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, apperr.Wrap(apperr.AttestationInvalid, err)
	}

	artifact := &attestation.Artifact{Mode: attestation.Mode(ar.Mode), PublicKey: ar.PublicKey}
	switch artifact.Mode {
	case attestation.Nitro:
		doc, err := base64.StdEncoding.DecodeString(ar.AttestationDocument)
		if err != nil {
			return nil, apperr.Wrap(apperr.AttestationInvalid, err)
		}
		artifact.Document = doc
	case attestation.SGX:
		doc, err := base64.StdEncoding.DecodeString(ar.Quote)
		if err != nil {
			return nil, apperr.Wrap(apperr.AttestationInvalid, err)
		}
		artifact.Document = doc
	}

	cfg := c.verifyCfg
	cfg.ExpectedNonce = nonce
	return verify.Verify(artifact, cfg)
}

type proveRequestBody struct {
	Data string `json:"data"`
}

type proveResponseBody struct {
	Proof string `json:"proof"`
}

type errorResponseBody struct {
	Error string `json:"error"`
}

// Prove negotiates attestation, encrypts plaintext against the bound key,
// and POSTs it to /prove, retrying transport faults up to twice (§4.7,
// §7's "Remote Prover Client retries twice with idempotent semantics").
// The curve is determined by the server's armored public key, not chosen
// by the caller.
func (c *Client) Prove(ctx context.Context, plaintext, nonce []byte) ([]byte, error) {
	result, err := c.FetchAttestation(ctx, nonce)
	if err != nil {
		return nil, err
	}

	curve, rawKey, err := vault.Unarmor(result.PublicKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.AttestationInvalid, err)
	}

	env, err := envelope.Encrypt(curve, rawKey, plaintext)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidEnvelope, err)
	}

	body, err := json.Marshal(proveRequestBody{Data: base64.StdEncoding.EncodeToString(env)})
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidEnvelope, err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		proof, err := c.postProve(ctx, body)
		if err == nil {
			return proof, nil
		}
		if ce, ok := apperr.As(err); ok && ce.Code != apperr.Unavailable {
			return nil, err // ProverFailed and friends are not retried
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) postProve(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prove", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		var er errorResponseBody
		if err := json.Unmarshal(raw, &er); err == nil && er.Error != "" {
			return nil, apperr.New(apperr.Code(er.Error), fmt.Sprintf("server returned %d", resp.StatusCode))
		}
		return nil, apperr.New(apperr.Unavailable, fmt.Sprintf("prove endpoint returned %d", resp.StatusCode))
	}

	var pr proveResponseBody
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, apperr.Wrap(apperr.ProverFailed, err)
	}
	proof, err := base64.StdEncoding.DecodeString(pr.Proof)
	if err != nil {
		return nil, apperr.Wrap(apperr.ProverFailed, err)
	}
	return proof, nil
}
