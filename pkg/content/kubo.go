package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"quorumchain/pkg/fault"
	"quorumchain/pkg/types"
)

// KuboClient talks to an IPFS Kubo node over its HTTP RPC API.
type KuboClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewKuboClient talks to the Kubo RPC API at baseURL.
func NewKuboClient(baseURL string, timeout time.Duration, logger *zap.Logger) *KuboClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KuboClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type kuboAddResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

// Upload adds data with pinning and returns its CID.
func (k *KuboClient) Upload(ctx context.Context, data []byte) (types.ContentID, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "data")
	if err != nil {
		return "", fault.Storage("upload", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fault.Storage("upload", err)
	}
	if err := mw.Close(); err != nil {
		return "", fault.Storage("upload", err)
	}

	endpoint := k.baseURL + "/api/v0/add?pin=true&cid-version=1"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fault.Storage("upload", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	respBody, err := k.do(req)
	if err != nil {
		return "", fault.Storage("upload", err)
	}

	var added kuboAddResponse
	if err := json.Unmarshal(respBody, &added); err != nil {
		return "", fault.Storage("upload", fmt.Errorf("decode add response: %w", err))
	}
	if added.Hash == "" {
		return "", fault.Storage("upload", fmt.Errorf("add response carried no hash"))
	}

	k.logger.Debug("Uploaded content",
		zap.String("cid", added.Hash),
		zap.Int("bytes", len(data)))
	return types.ContentID(added.Hash), nil
}

// Download fetches an object with cat.
func (k *KuboClient) Download(ctx context.Context, id types.ContentID) ([]byte, error) {
	endpoint := k.baseURL + "/api/v0/cat?arg=" + url.QueryEscape(string(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fault.Storage("download "+string(id), err)
	}
	data, err := k.do(req)
	if err != nil {
		return nil, fault.Storage("download "+string(id), err)
	}
	return data, nil
}

// Ping checks that the node answers its version endpoint.
func (k *KuboClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+"/api/v0/version", nil)
	if err != nil {
		return fault.Storage("ping", err)
	}
	if _, err := k.do(req); err != nil {
		return fault.Storage("ping", err)
	}
	return nil
}

func (k *KuboClient) do(req *http.Request) ([]byte, error) {
	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kubo returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}
