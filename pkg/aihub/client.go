package aihub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/edgegate/edgegate/pkg/domain"
	xe "github.com/edgegate/edgegate/pkg/xerrors"
)

// Client is the HTTP implementation of Backend against the vendor API.
//
// The wire format here follows the hub's REST surface: bearer token
// auth, JSON job resources, multipart model uploads. Status payloads
// are passed through as raw bytes without decoding beyond the envelope
// fields the adapter itself needs.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

var _ Backend = &Client{}

// NewClient builds a Backend for one token. Used as a Factory:
//
//	factory := func(ctx context.Context, token string) (aihub.Backend, error) {
//		return aihub.NewClient(baseURL, token), nil
//	}
func NewClient(baseURL string, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 90 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, 0, xe.Wrap(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, xe.Wrap(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, xe.Wrap(err)
	}
	return payload, resp.StatusCode, nil
}

func (c *Client) ValidateToken(ctx context.Context) (Identity, error) {
	payload, code, err := c.do(ctx, http.MethodGet, "/v1/account", nil, "")
	if err != nil {
		return Identity{}, err
	}
	if code == http.StatusUnauthorized || code == http.StatusForbidden {
		return Identity{}, domain.NewRunError(domain.ErrcodeTokenInvalid, "backend rejected credentials")
	}
	if code != http.StatusOK {
		return Identity{}, xe.New(fmt.Sprintf("account endpoint returned %d", code))
	}

	var parsed struct {
		AccountId string `json:"account_id"`
		Email     string `json:"email"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Identity{}, xe.Wrap(err)
	}
	return Identity{AccountId: parsed.AccountId, Email: parsed.Email}, nil
}

func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	payload, code, err := c.do(ctx, http.MethodGet, "/v1/devices", nil, "")
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, xe.New(fmt.Sprintf("device list returned %d", code))
	}

	var parsed struct {
		Devices []struct {
			DeviceId string `json:"device_id"`
			Name     string `json:"name"`
			Chipset  string `json:"chipset"`
			OS       string `json:"os"`
		} `json:"devices"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, xe.Wrap(err)
	}

	devices := make([]Device, 0, len(parsed.Devices))
	for _, d := range parsed.Devices {
		devices = append(devices, Device{
			DeviceId: d.DeviceId, Name: d.Name, Chipset: d.Chipset, OS: d.OS,
		})
	}
	return devices, nil
}

func (c *Client) UploadModel(ctx context.Context, name string, kind string, blob []byte) (RemoteModelHandle, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if err := mw.WriteField("name", name); err != nil {
		return RemoteModelHandle{}, xe.Wrap(err)
	}
	if err := mw.WriteField("model_type", kind); err != nil {
		return RemoteModelHandle{}, xe.Wrap(err)
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return RemoteModelHandle{}, xe.Wrap(err)
	}
	if _, err := fw.Write(blob); err != nil {
		return RemoteModelHandle{}, xe.Wrap(err)
	}
	if err := mw.Close(); err != nil {
		return RemoteModelHandle{}, xe.Wrap(err)
	}

	payload, code, err := c.do(ctx, http.MethodPost, "/v1/models", body, mw.FormDataContentType())
	if err != nil {
		return RemoteModelHandle{}, err
	}
	if code != http.StatusOK && code != http.StatusCreated {
		return RemoteModelHandle{}, xe.New(fmt.Sprintf("model upload returned %d", code))
	}

	var parsed struct {
		ModelId string `json:"model_id"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return RemoteModelHandle{}, xe.Wrap(err)
	}
	return RemoteModelHandle{ModelId: parsed.ModelId}, nil
}

func (c *Client) submitJob(ctx context.Context, kind string, req any) (JobHandle, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return JobHandle{}, xe.Wrap(err)
	}

	payload, code, err := c.do(ctx, http.MethodPost, "/v1/jobs/"+kind, bytes.NewReader(body), "application/json")
	if err != nil {
		return JobHandle{}, err
	}
	if code != http.StatusOK && code != http.StatusCreated && code != http.StatusAccepted {
		return JobHandle{}, xe.New(fmt.Sprintf("%s submit returned %d", kind, code))
	}

	var parsed struct {
		JobId string `json:"job_id"`
	}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return JobHandle{}, xe.Wrap(err)
	}
	return JobHandle{JobId: parsed.JobId}, nil
}

func (c *Client) SubmitCompile(ctx context.Context, model RemoteModelHandle, device Device, opts CompileOptions) (JobHandle, error) {
	return c.submitJob(ctx, "compile", map[string]any{
		"model_id":       model.ModelId,
		"device":         device.Name,
		"target_runtime": string(opts.Target),
	})
}

func (c *Client) SubmitProfile(ctx context.Context, compiled JobHandle, device Device, opts ProfileOptions) (JobHandle, error) {
	return c.submitJob(ctx, "profile", map[string]any{
		"compile_job_id": compiled.JobId,
		"device":         device.Name,
		"iterations":     opts.Iterations,
	})
}

func (c *Client) SubmitInference(ctx context.Context, compiled JobHandle, device Device, inputs InferenceInputs) (JobHandle, error) {
	return c.submitJob(ctx, "inference", map[string]any{
		"compile_job_id": compiled.JobId,
		"device":         device.Name,
		"prompts":        inputs.Prompts,
		"max_new_tokens": inputs.MaxNewTokens,
	})
}

func (c *Client) Poll(ctx context.Context, job JobHandle) (JobStatus, error) {
	payload, code, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+job.JobId, nil, "")
	if err != nil {
		return JobStatus{}, err
	}
	if code != http.StatusOK {
		return JobStatus{}, xe.New(fmt.Sprintf("job poll returned %d", code))
	}

	var envelope struct {
		Status string          `json:"status"`
		Error  string          `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return JobStatus{}, xe.Wrap(err)
	}

	switch envelope.Status {
	case "pending", "queued":
		return JobStatus{State: JobPending}, nil
	case "running":
		return JobStatus{State: JobRunning}, nil
	case "success", "completed":
		return JobStatus{State: JobSuccess, Payload: []byte(envelope.Result)}, nil
	case "failed", "error":
		return JobStatus{State: JobFailed, FailReason: envelope.Error}, nil
	default:
		return JobStatus{}, xe.New("unknown job status '" + envelope.Status + "'")
	}
}

func (c *Client) FetchLogs(ctx context.Context, job JobHandle) ([]byte, error) {
	payload, code, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+job.JobId+"/logs", nil, "")
	if err != nil {
		return nil, err
	}
	if code == http.StatusNotFound {
		return nil, ErrLogsUnavailable
	}
	if code != http.StatusOK {
		return nil, xe.New(fmt.Sprintf("log fetch returned %d", code))
	}
	return payload, nil
}
