package rail

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// idempotencyNamespace maps arbitrary caller keys onto the UUIDs Circle expects.
var idempotencyNamespace = uuid.MustParse("6f1f3c2e-8a8e-4d5b-9f43-2b7d1c0e5a91")

type CircleOptions struct {
	BaseURL      string
	APIKey       string
	EntitySecret string       // hex encoded, 32 bytes
	Blockchain   string
	TokenAddress string
	HTTPClient   *http.Client
}

// CircleClient implements Client against Circle's developer-controlled
// wallets API.
type CircleClient struct {
	opts   CircleOptions
	http   *http.Client
	log    *zap.SugaredLogger
	secret []byte

	mu     sync.Mutex
	pubKey *rsa.PublicKey
}

func NewCircleClient(opts CircleOptions, log *zap.SugaredLogger) (*CircleClient, error) {
	if opts.APIKey == "" {
		return nil, errors.New("circle: api key is required")
	}
	secret, err := hex.DecodeString(opts.EntitySecret)
	if err != nil || len(secret) != 32 {
		return nil, errors.New("circle: entity secret must be 32 hex-encoded bytes")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &CircleClient{opts: opts, http: hc, log: log, secret: secret}, nil
}

type circleTransferReq struct {
	IdempotencyKey         string   `json:"idempotencyKey"`
	EntitySecretCiphertext string   `json:"entitySecretCiphertext"`
	WalletAddress          string   `json:"walletAddress"`
	Blockchain             string   `json:"blockchain"`
	DestinationAddress     string   `json:"destinationAddress"`
	TokenAddress           string   `json:"tokenAddress"`
	Amounts                []string `json:"amounts"`
	FeeLevel               string   `json:"feeLevel"`
}

type circleTransaction struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type circleError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Transfer submits a token transfer. Circle dedupes on the idempotency key, so
// a retried call returns the original transfer.
func (c *CircleClient) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	ciphertext, err := c.entitySecretCiphertext(ctx)
	if err != nil {
		return nil, err
	}
	body := circleTransferReq{
		IdempotencyKey:         circleIdempotencyKey(req.IdempotencyKey),
		EntitySecretCiphertext: ciphertext,
		WalletAddress:          req.SourceAddress,
		Blockchain:             c.opts.Blockchain,
		DestinationAddress:     req.DestinationAddress,
		TokenAddress:           c.opts.TokenAddress,
		Amounts:                []string{req.Amount.String()},
		FeeLevel:               "MEDIUM",
	}
	var out struct {
		Data circleTransaction `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/w3s/developer/transactions/transfer", body, &out); err != nil {
		return nil, err
	}
	if out.Data.ID == "" {
		return nil, errors.New("circle: transfer response without id")
	}
	c.log.Infow("circle transfer submitted", "transfer_id", out.Data.ID, "state", out.Data.State)
	return &TransferResult{TransferID: out.Data.ID, Status: mapCircleState(out.Data.State)}, nil
}

func (c *CircleClient) Status(ctx context.Context, transferID string) (Status, error) {
	var out struct {
		Data struct {
			Transaction circleTransaction `json:"transaction"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/w3s/transactions/"+transferID, nil, &out); err != nil {
		return "", err
	}
	return mapCircleState(out.Data.Transaction.State), nil
}

func mapCircleState(state string) Status {
	switch strings.ToUpper(state) {
	case "COMPLETE":
		return StatusComplete
	case "FAILED", "CANCELLED", "DENIED":
		return StatusFailed
	default:
		// INITIATED, QUEUED, SENT, CONFIRMED, ...
		return StatusPending
	}
}

func circleIdempotencyKey(key string) string {
	if _, err := uuid.Parse(key); err == nil {
		return key
	}
	return uuid.NewSHA1(idempotencyNamespace, []byte(key)).String()
}

// entitySecretCiphertext encrypts the entity secret with Circle's public key.
// Circle rejects reused ciphertexts, so this runs for every request.
func (c *CircleClient) entitySecretCiphertext(ctx context.Context) (string, error) {
	pub, err := c.publicKey(ctx)
	if err != nil {
		return "", err
	}
	enc, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, c.secret, nil)
	if err != nil {
		return "", fmt.Errorf("circle: encrypt entity secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(enc), nil
}

func (c *CircleClient) publicKey(ctx context.Context) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubKey != nil {
		return c.pubKey, nil
	}
	var out struct {
		Data struct {
			PublicKey string `json:"publicKey"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/w3s/config/entity/publicKey", nil, &out); err != nil {
		return nil, err
	}
	block, _ := pem.Decode([]byte(out.Data.PublicKey))
	if block == nil {
		return nil, errors.New("circle: public key is not PEM encoded")
	}
	var key any
	var err error
	if block.Type == "RSA PUBLIC KEY" {
		key, err = x509.ParsePKCS1PublicKey(block.Bytes)
	} else {
		key, err = x509.ParsePKIXPublicKey(block.Bytes)
	}
	if err != nil {
		return nil, fmt.Errorf("circle: parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("circle: public key is not RSA")
	}
	c.pubKey = rsaKey
	return rsaKey, nil
}

func (c *CircleClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("circle: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("circle: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("circle: read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound && method == http.MethodGet && strings.HasPrefix(path, "/v1/w3s/transactions/") {
		return ErrTransferNotFound
	}
	if resp.StatusCode >= 300 {
		var ce circleError
		_ = json.Unmarshal(raw, &ce)
		return fmt.Errorf("circle: %s %s: status %d: %s", method, path, resp.StatusCode, ce.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("circle: decode response: %w", err)
	}
	return nil
}
